package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRemoveFiles(t *testing.T) {
	root := TempRepo(t)
	WriteFiles(t, root, map[string]string{"a/b/c.txt": "hello"})

	got, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}

	RemoveFiles(t, root, "a/b/c.txt")
	if _, err := os.Stat(filepath.Join(root, "a", "b", "c.txt")); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}
}

func TestModelYAML(t *testing.T) {
	got := ModelYAML("m1", "Binary", "test:", "  skip: true")
	want := "user_provided_model_id: m1\ntarget_type: Binary\ntest:\n  skip: true\n"
	if got != want {
		t.Errorf("ModelYAML() = %q, want %q", got, want)
	}
}
