package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

// recorder collects the bursts reported by Watch.
type recorder struct {
	mu     sync.Mutex
	bursts [][]string
}

func (r *recorder) record(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bursts = append(r.bursts, paths)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bursts {
		out = append(out, b...)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bursts)
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatch(t *testing.T, root string, delay time.Duration) *recorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rec := &recorder{}

	go func() {
		done <- Watch(ctx, root, delay, slog.New(slog.DiscardHandler), rec.record)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	})

	// give fsnotify time to register the initial directories
	time.Sleep(100 * time.Millisecond)
	return rec
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatch_ReportsChangedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "models", "a", "model.yaml"), "name: a\n")
	rec := startWatch(t, root, 50*time.Millisecond)

	writeFile(t, filepath.Join(root, "models", "a", "custom.py"), "print(1)\n")

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return slices.Contains(rec.all(), "models/a/custom.py")
	}, "expected models/a/custom.py to be reported")
}

func TestWatch_DebouncesBurst(t *testing.T) {
	root := t.TempDir()
	rec := startWatch(t, root, 300*time.Millisecond)

	for _, name := range []string{"a.py", "b.py", "c.py"} {
		writeFile(t, filepath.Join(root, name), "x\n")
	}

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.count() > 0
	}, "expected a burst to be reported")

	if rec.count() != 1 {
		t.Fatalf("expected 1 burst, got %d", rec.count())
	}
	got := rec.all()
	want := []string{"a.py", "b.py", "c.py"}
	if !slices.Equal(got, want) {
		t.Errorf("burst = %v, want %v", got, want)
	}
}

func TestWatch_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rec := startWatch(t, root, 50*time.Millisecond)

	if err := os.MkdirAll(filepath.Join(root, "models", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.count() > 0
	}, "expected directory creation to be reported")

	// the new directory needs to be registered before files appear in it
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(root, "models", "b", "model.yaml"), "name: b\n")

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return slices.Contains(rec.all(), "models/b/model.yaml")
	}, "expected file in new directory to be reported")
}

func TestWatch_IgnoresHiddenDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n")
	rec := startWatch(t, root, 50*time.Millisecond)

	writeFile(t, filepath.Join(root, ".git", "index"), "x")
	writeFile(t, filepath.Join(root, "visible.txt"), "x")

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return slices.Contains(rec.all(), "visible.txt")
	}, "expected visible.txt to be reported")

	for _, p := range rec.all() {
		if hidden(p) {
			t.Errorf("hidden path %q was reported", p)
		}
	}
}

func TestWatch_MissingRoot(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), DefaultDelay,
		slog.New(slog.DiscardHandler), func([]string) {})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestHidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{".", false},
		{"models/a/custom.py", false},
		{".git", true},
		{".git/objects/ab", true},
		{"models/.cache/x", true},
		{"models/a/.env", true},
		{"../outside", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := hidden(tt.path); got != tt.want {
				t.Errorf("hidden(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
