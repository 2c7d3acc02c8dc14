// Package fsutil writes files so readers never observe partial content.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
)

// TempPattern names the temp files created next to their destination.
const TempPattern = ".modelsyncd-tmp-*"

// AtomicWrite creates a temp file next to path, fills it and renames it into
// place. The temp file is removed on any error.
func AtomicWrite(path string, fill func(io.Writer) error, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), TempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := fill(tmpFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// WriteFile is os.WriteFile with an atomic rename.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return AtomicWrite(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, perm)
}
