package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// DefaultWorkers bounds how many models are scanned concurrently.
const DefaultWorkers = 4

// Config represents the complete modelsyncd configuration
type Config struct {
	Repo     RepoConfig     `yaml:"repo"`
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Registry RegistryConfig `yaml:"registry"`
	Auth     AuthConfig     `yaml:"auth"`
	Serve    ServeConfig    `yaml:"serve"`
}

// RepoConfig configures the model repository
type RepoConfig struct {
	Root    string `yaml:"root"`     // local checkout
	URL     string `yaml:"url"`      // remote fetched by serve
	Ref     string `yaml:"ref"`      // ref checked out by serve
	BaseRef string `yaml:"base_ref"` // diff from merge-base(base_ref, HEAD) when set
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	Prune     bool `yaml:"prune"`
	UploadAll bool `yaml:"upload_all"`
	Workers   int  `yaml:"workers"`
}

// RegistryConfig configures where model versions are pushed
type RegistryConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Root = os.ExpandEnv(c.Repo.Root)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Repo.BaseRef = os.ExpandEnv(c.Repo.BaseRef)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Registry.Dir = os.ExpandEnv(c.Registry.Dir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Workers == 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Registry.Dir == "" && c.Paths.StateDir != "" {
		c.Registry.Dir = filepath.Join(c.Paths.StateDir, "registry")
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Repo,
		validation.Field(&c.Repo.Root, validation.Required.Error("repo.root is required"), validation.By(absolutePath("repo.root"))),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Paths,
		validation.Field(&c.Paths.StateDir, validation.Required.Error("paths.state_dir is required"), validation.By(absolutePath("paths.state_dir"))),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Registry,
		validation.Field(&c.Registry.Dir, validation.By(absolutePath("registry.dir"))),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Sync,
		validation.Field(&c.Sync.Workers, validation.Min(1), validation.Max(64)),
	); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if err := validation.ValidateStruct(&c.Serve,
			validation.Field(&c.Serve.ListenAddr, validation.Required.Error("serve.listen_addr is required when serve is enabled")),
			validation.Field(&c.Serve.GitHubWebhookSecretFile, validation.Required.Error("serve.github_webhook_secret_file is required when serve is enabled")),
		); err != nil {
			return err
		}
		if c.Repo.URL == "" || c.Repo.Ref == "" {
			return fmt.Errorf("repo.url and repo.ref are required when serve is enabled")
		}
	}

	return nil
}

func absolutePath(field string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != "" && !filepath.IsAbs(s) {
			return fmt.Errorf("%s must be an absolute path: %s", field, s)
		}
		return nil
	}
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
