// Package scan discovers model definitions and their files in a local
// repository checkout.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/modelsyncd/internal/schema"
)

// MetadataExtensions are the recognized metadata document extensions.
var MetadataExtensions = []string{".yaml", ".yml"}

// DefaultIncludePattern selects every file below the model root.
const DefaultIncludePattern = "**"

// Definition is a model declared by a metadata document.
type Definition struct {
	YAMLPath  string
	ModelRoot string
	Metadata  schema.Metadata
}

// IsMetadataFile returns true if the file has a metadata extension
func IsMetadataFile(path string) bool {
	ext := filepath.Ext(path)
	for _, valid := range MetadataExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// DiscoverMetadataFiles finds all metadata documents below dir. Hidden files
// and directories are skipped.
func DiscoverMetadataFiles(dir string) ([]string, error) {
	all, err := DiscoverAllFiles(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, path := range all {
		if IsMetadataFile(path) {
			files = append(files, path)
		}
	}
	return files, nil
}

// DiscoverAllFiles finds all files in the specified directory.
// Hidden files and directories (names starting with ".") are skipped.
func DiscoverAllFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, .github)
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// LoadModels parses every metadata document below repoRoot and returns the
// model definitions, sorted by model id. Documents that do not declare a model
// are ignored; a model definition that fails validation is an error, as is a
// model id declared twice.
func LoadModels(repoRoot string, logger *slog.Logger) ([]Definition, error) {
	paths, err := DiscoverMetadataFiles(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to discover metadata files: %w", err)
	}

	seen := make(map[string]string)
	var defs []Definition
	for _, path := range paths {
		m, err := schema.LoadFile(path)
		if err != nil {
			if errors.Is(err, schema.ErrNotMapping) {
				continue
			}
			logger.Warn("skipping unreadable yaml file", "path", path, "error", err)
			continue
		}
		if !schema.IsModelDefinition(m) {
			continue
		}
		if err := schema.Validate(m); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		id := m.ModelID()
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("model %q is declared in both %s and %s", id, prev, path)
		}
		seen[id] = path

		logger.Debug("discovered model", "model", id, "path", path)
		defs = append(defs, Definition{
			YAMLPath:  path,
			ModelRoot: filepath.Dir(path),
			Metadata:  m,
		})
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Metadata.ModelID() < defs[j].Metadata.ModelID()
	})
	return defs, nil
}

// ModelFiles returns the files of the model defined by def. Include patterns
// default to every file under the model root. A pattern that starts with "/"
// is matched relative to repoRoot, so models can pull in shared code; other
// patterns are matched relative to the model root. Exclude patterns follow
// the same rule. The metadata document itself is never a model file.
func ModelFiles(def Definition, repoRoot string) ([]string, error) {
	include, _ := def.Metadata.Get(schema.VersionKey, schema.IncludeGlobKey).Strings()
	exclude, _ := def.Metadata.Get(schema.VersionKey, schema.ExcludeGlobKey).Strings()
	if len(include) == 0 {
		include = []string{DefaultIncludePattern}
	}

	selected := make(map[string]struct{})
	for _, pattern := range include {
		base, rel := splitPattern(pattern, def.ModelRoot, repoRoot)
		if !doublestar.ValidatePattern(rel) {
			return nil, fmt.Errorf("invalid include pattern %q", pattern)
		}
		matches, err := doublestar.Glob(os.DirFS(base), rel, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to expand include pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if isHidden(m) {
				continue
			}
			selected[filepath.Join(base, filepath.FromSlash(m))] = struct{}{}
		}
	}

	yamlPath := filepath.Clean(def.YAMLPath)
	files := make([]string, 0, len(selected))
	for path := range selected {
		if path == yamlPath {
			continue
		}
		excluded, err := matchesAny(exclude, path, def.ModelRoot, repoRoot)
		if err != nil {
			return nil, err
		}
		if !excluded {
			files = append(files, path)
		}
	}

	sort.Strings(files)
	return files, nil
}

// splitPattern returns the directory a pattern is anchored at and the pattern
// relative to it.
func splitPattern(pattern, modelRoot, repoRoot string) (string, string) {
	if strings.HasPrefix(pattern, "/") {
		return repoRoot, strings.TrimLeft(pattern, "/")
	}
	return modelRoot, pattern
}

func matchesAny(patterns []string, path, modelRoot, repoRoot string) (bool, error) {
	for _, pattern := range patterns {
		base, rel := splitPattern(pattern, modelRoot, repoRoot)
		name, err := filepath.Rel(base, path)
		if err != nil || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			continue
		}
		ok, err := doublestar.Match(rel, filepath.ToSlash(name))
		if err != nil {
			return false, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func isHidden(slashPath string) bool {
	for _, part := range strings.Split(slashPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
