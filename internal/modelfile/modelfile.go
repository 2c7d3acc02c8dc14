// Package modelfile classifies files that belong to a model relative to the
// model's root directory and the repository root.
package modelfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// RelativeTo describes where a model file lives.
type RelativeTo int

const (
	// RelativeToModel marks files below the model's root directory.
	RelativeToModel RelativeTo = iota + 1
	// RelativeToRoot marks files below the repository root but outside the
	// model's root directory (shared code pulled in by a model).
	RelativeToRoot
)

func (r RelativeTo) String() string {
	switch r {
	case RelativeToModel:
		return "model"
	case RelativeToRoot:
		return "root"
	default:
		return fmt.Sprintf("RelativeTo(%d)", int(r))
	}
}

// ErrOutsideRepository is matched by every ClassificationError.
var ErrOutsideRepository = errors.New("path is outside the repository")

// ClassificationError reports a path that is neither under the model root nor
// under the repository root.
type ClassificationError struct {
	Path      string
	ModelRoot string
	RepoRoot  string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%s is outside model root %s and repository root %s", e.Path, e.ModelRoot, e.RepoRoot)
}

// Is lets errors.Is(err, ErrOutsideRepository) match.
func (e *ClassificationError) Is(target error) bool {
	return target == ErrOutsideRepository
}

// Path is a classified model file.
type Path struct {
	Resolved   string     // canonical absolute path, the file's identity
	RelativeTo RelativeTo // which root the file was classified against
	UnderModel string     // slash-separated name inside the model's file tree
}

func (p Path) String() string {
	return fmt.Sprintf("%s (%s: %s)", p.Resolved, p.RelativeTo, p.UnderModel)
}

// Classifier classifies paths for a single model. Both roots are resolved once
// when the classifier is created.
type Classifier struct {
	resolver  *Resolver
	modelRoot string
	repoRoot  string
}

// NewClassifier creates a classifier for the model rooted at modelRoot inside
// the repository rooted at repoRoot. A nil resolver uses an uncached one.
func NewClassifier(resolver *Resolver, modelRoot, repoRoot string) (*Classifier, error) {
	if resolver == nil {
		resolver = uncachedResolver()
	}
	model, err := resolver.Resolve(modelRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model root: %w", err)
	}
	repo, err := resolver.Resolve(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	return &Classifier{resolver: resolver, modelRoot: model, repoRoot: repo}, nil
}

// Classify resolves path and classifies it. Containment in the model root is
// checked before containment in the repository root.
func (c *Classifier) Classify(path string) (Path, error) {
	resolved, err := c.resolver.Resolve(path)
	if err != nil {
		return Path{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if rel, ok := within(c.modelRoot, resolved); ok {
		return Path{Resolved: resolved, RelativeTo: RelativeToModel, UnderModel: rel}, nil
	}
	if rel, ok := within(c.repoRoot, resolved); ok {
		return Path{Resolved: resolved, RelativeTo: RelativeToRoot, UnderModel: rel}, nil
	}

	return Path{}, &ClassificationError{Path: resolved, ModelRoot: c.modelRoot, RepoRoot: c.repoRoot}
}

// Classify is a one-shot helper for callers that classify a single path.
func Classify(path, modelRoot, repoRoot string) (Path, error) {
	c, err := NewClassifier(nil, modelRoot, repoRoot)
	if err != nil {
		return Path{}, err
	}
	return c.Classify(path)
}

// within reports whether path is a strict descendant of root and returns the
// slash-separated relative name.
func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
