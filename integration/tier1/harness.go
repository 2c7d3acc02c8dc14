//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/modelsyncd/internal/registry"
	"github.com/schaermu/modelsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the modelsyncd binary once and runs it against a scratch
// repository, state directory and filesystem registry.
type Harness struct {
	t          *testing.T
	binary     string
	RepoDir    string
	StateDir   string
	ConfigPath string
}

// NewHarness builds the binary and prepares an empty working area.
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	work := testutil.TempRepo(t)
	h := &Harness{
		t:          t,
		binary:     filepath.Join(work, "bin", "modelsyncd"),
		RepoDir:    filepath.Join(work, "repo"),
		StateDir:   filepath.Join(work, "state"),
		ConfigPath: filepath.Join(work, "config.yaml"),
	}
	if err := os.MkdirAll(h.RepoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := h.build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	return h
}

func (h *Harness) build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/modelsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	h.t.Logf("built %s", h.binary)
	return nil
}

// WriteConfig writes the config file used by every Run.
func (h *Harness) WriteConfig(prune bool) {
	h.t.Helper()
	config := fmt.Sprintf(`repo:
  root: %s

paths:
  state_dir: %s

sync:
  prune: %t
  workers: 2
`, h.RepoDir, h.StateDir, prune)

	if err := os.WriteFile(h.ConfigPath, []byte(config), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes modelsyncd with the harness config appended.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append(args, "--config", h.ConfigPath, "--log-level", "debug")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.RepoDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes modelsyncd and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Registry opens the registry the binary writes to.
func (h *Harness) Registry() *registry.FS {
	return registry.NewFS(filepath.Join(h.StateDir, "registry"))
}

// LatestVersion returns the latest version number of a model, or 0 if the
// registry does not know it.
func (h *Harness) LatestVersion(ctx context.Context, modelID string) int {
	h.t.Helper()
	model, err := h.Registry().Model(ctx, modelID)
	if errors.Is(err, registry.ErrModelNotFound) {
		return 0
	}
	if err != nil {
		h.t.Fatalf("read model %s: %v", modelID, err)
	}
	return model.LatestVersion
}

// LatestFiles returns the file names of the latest version of a model.
func (h *Harness) LatestFiles(ctx context.Context, modelID string) []string {
	h.t.Helper()
	n := h.LatestVersion(ctx, modelID)
	if n == 0 {
		return nil
	}
	v, err := h.Registry().Version(ctx, modelID, "v"+strconv.Itoa(n))
	if err != nil {
		h.t.Fatalf("read version of %s: %v", modelID, err)
	}
	names := make([]string, 0, len(v.Files))
	for _, f := range v.Files {
		names = append(names, f.Name)
	}
	return names
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
