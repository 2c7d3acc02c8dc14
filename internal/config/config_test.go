package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
repo:
  root: "/srv/models"
  url: "git@github.com:test/models.git"
  ref: "main"
  base_ref: "origin/main"

paths:
  state_dir: "/var/lib/modelsyncd"

sync:
  prune: true
  upload_all: false
  workers: 8

auth:
  ssh_key_file: "/home/user/.ssh/key"

serve:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.Root != "/srv/models" {
		t.Errorf("expected root /srv/models, got %s", cfg.Repo.Root)
	}
	if cfg.Repo.BaseRef != "origin/main" {
		t.Errorf("expected base_ref origin/main, got %s", cfg.Repo.BaseRef)
	}
	if !cfg.Sync.Prune {
		t.Error("expected prune to be enabled")
	}
	if cfg.Sync.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Sync.Workers)
	}
	if cfg.Registry.Dir != "/var/lib/modelsyncd/registry" {
		t.Errorf("expected default registry dir, got %s", cfg.Registry.Dir)
	}
	if cfg.StateFilePath() != "/var/lib/modelsyncd/state.json" {
		t.Errorf("unexpected state file path %s", cfg.StateFilePath())
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("MODELSYNCD_TEST_ROOT", "/data")
	path := writeConfig(t, `
repo:
  root: "${MODELSYNCD_TEST_ROOT}/models"
paths:
  state_dir: "${MODELSYNCD_TEST_ROOT}/state"
registry:
  dir: "${MODELSYNCD_TEST_ROOT}/registry"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repo.Root != "/data/models" {
		t.Errorf("expected /data/models, got %s", cfg.Repo.Root)
	}
	if cfg.Registry.Dir != "/data/registry" {
		t.Errorf("expected /data/registry, got %s", cfg.Registry.Dir)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
	if _, err := Load(writeConfig(t, "repo: [")); err == nil {
		t.Error("expected error for invalid yaml, got nil")
	}
	if _, err := Load(writeConfig(t, "repo:\n  root: relative\n")); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func validConfig() Config {
	return Config{
		Repo:  RepoConfig{Root: "/srv/models"},
		Paths: PathsConfig{StateDir: "/var/lib/modelsyncd"},
		Sync:  SyncConfig{Workers: 2},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing repo root", mutate: func(c *Config) { c.Repo.Root = "" }, wantErr: true},
		{name: "relative repo root", mutate: func(c *Config) { c.Repo.Root = "models" }, wantErr: true},
		{name: "missing state_dir", mutate: func(c *Config) { c.Paths.StateDir = "" }, wantErr: true},
		{name: "relative state_dir", mutate: func(c *Config) { c.Paths.StateDir = "state" }, wantErr: true},
		{name: "relative registry dir", mutate: func(c *Config) { c.Registry.Dir = "registry" }, wantErr: true},
		{name: "negative workers", mutate: func(c *Config) { c.Sync.Workers = -1 }, wantErr: true},
		{name: "too many workers", mutate: func(c *Config) { c.Sync.Workers = 1000 }, wantErr: true},
		{
			name: "ssh key with ssh url",
			mutate: func(c *Config) {
				c.Repo.URL = "git@github.com:test/models.git"
				c.Auth.SSHKeyFile = "/key"
			},
		},
		{
			name: "both ssh key and https token set",
			mutate: func(c *Config) {
				c.Repo.URL = "git@github.com:test/models.git"
				c.Auth.SSHKeyFile = "/key"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
		{
			name: "ssh key with https url",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/models.git"
				c.Auth.SSHKeyFile = "/key"
			},
			wantErr: true,
		},
		{
			name: "https token with ssh url",
			mutate: func(c *Config) {
				c.Repo.URL = "git@github.com:test/models.git"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
		{
			name: "serve enabled",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/models.git"
				c.Repo.Ref = "main"
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8787", GitHubWebhookSecretFile: "/secret"}
			},
		},
		{
			name: "serve enabled missing listen_addr",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/models.git"
				c.Repo.Ref = "main"
				c.Serve = ServeConfig{Enabled: true, GitHubWebhookSecretFile: "/secret"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing webhook secret file",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/models.git"
				c.Repo.Ref = "main"
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8787"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled without repo url",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8787", GitHubWebhookSecretFile: "/secret"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Paths: PathsConfig{StateDir: "/state"}}
	cfg.applyDefaults()

	if cfg.Sync.Workers != DefaultWorkers {
		t.Errorf("expected %d workers, got %d", DefaultWorkers, cfg.Sync.Workers)
	}
	if cfg.Registry.Dir != "/state/registry" {
		t.Errorf("expected /state/registry, got %s", cfg.Registry.Dir)
	}

	cfg = Config{Registry: RegistryConfig{Dir: "/custom"}, Sync: SyncConfig{Workers: 3}}
	cfg.applyDefaults()
	if cfg.Registry.Dir != "/custom" || cfg.Sync.Workers != 3 {
		t.Errorf("defaults must not override explicit values: %+v", cfg)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{name: "ssh key set", auth: AuthConfig{SSHKeyFile: "/key"}, want: "ssh"},
		{name: "https token set", auth: AuthConfig{HTTPSTokenFile: "/token"}, want: "https"},
		{name: "no auth", auth: AuthConfig{}, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestURLSchemes(t *testing.T) {
	tests := []struct {
		url       string
		wantHTTPS bool
		wantSSH   bool
	}{
		{url: "https://github.com/test/models.git", wantHTTPS: true},
		{url: "git@github.com:test/models.git", wantSSH: true},
		{url: "ssh://git@github.com/test/models.git", wantSSH: true},
		{url: "/local/path"},
	}

	for _, tt := range tests {
		cfg := Config{Repo: RepoConfig{URL: tt.url}}
		if got := cfg.IsHTTPS(); got != tt.wantHTTPS {
			t.Errorf("IsHTTPS(%q) = %v, want %v", tt.url, got, tt.wantHTTPS)
		}
		if got := cfg.IsSSH(); got != tt.wantSSH {
			t.Errorf("IsSSH(%q) = %v, want %v", tt.url, got, tt.wantSSH)
		}
	}
}
