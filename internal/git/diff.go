package git

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Diff is the set of files touched between two commits. Paths are absolute,
// below the repository directory the diff was taken in.
type Diff struct {
	Changed []string // added, modified or type-changed files
	Deleted []string
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Deleted) == 0
}

// parseNameStatus parses `git diff --name-status -z` output: a status field
// followed by one path, each NUL terminated.
func parseNameStatus(repoDir, out string) (*Diff, error) {
	diff := &Diff{}
	fields := strings.Split(strings.TrimSuffix(out, "\x00"), "\x00")
	if len(fields) == 1 && fields[0] == "" {
		return diff, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("malformed name-status output: %d fields", len(fields))
	}

	for i := 0; i < len(fields); i += 2 {
		status, path := fields[i], filepath.Join(repoDir, filepath.FromSlash(fields[i+1]))
		if status == "" {
			return nil, fmt.Errorf("malformed name-status output: empty status for %s", fields[i+1])
		}
		switch status[0] {
		case 'D':
			diff.Deleted = append(diff.Deleted, path)
		case 'A', 'M', 'T':
			diff.Changed = append(diff.Changed, path)
		default:
			// U (unmerged) and X (unknown) never show up between two commits
			return nil, fmt.Errorf("unexpected status %q for %s", status, fields[i+1])
		}
	}
	return diff, nil
}

// parseFileList turns NUL separated path output into a diff where every file
// is changed.
func parseFileList(repoDir, out string) *Diff {
	diff := &Diff{}
	for _, p := range strings.Split(out, "\x00") {
		if p == "" {
			continue
		}
		diff.Changed = append(diff.Changed, filepath.Join(repoDir, filepath.FromSlash(p)))
	}
	return diff
}
