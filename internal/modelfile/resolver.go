package modelfile

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of canonical paths kept by a Resolver.
const DefaultCacheSize = 4096

// Resolver turns arbitrary paths into canonical ones: absolute, cleaned and
// with symlinks evaluated. Paths that do not exist (deleted files in a diff)
// are resolved through their deepest existing ancestor.
//
// Resolutions are cached, so a Resolver should live for one reconciliation
// run only.
type Resolver struct {
	cache *lru.Cache[string, string]
}

// NewResolver creates a resolver caching up to size entries.
func NewResolver(size int) (*Resolver, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create path cache: %w", err)
	}
	return &Resolver{cache: cache}, nil
}

func uncachedResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the canonical form of path.
func (r *Resolver) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return r.resolve(abs)
}

func (r *Resolver) resolve(abs string) (string, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(abs); ok {
			return cached, nil
		}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return abs, nil
		}
		resolvedParent, err := r.resolve(parent)
		if err != nil {
			return "", err
		}
		// not cached: the file may appear later in the run
		return filepath.Join(resolvedParent, filepath.Base(abs)), nil
	}

	if r.cache != nil {
		r.cache.Add(abs, resolved)
	}
	return resolved, nil
}

// Len returns the number of cached resolutions.
func (r *Resolver) Len() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Len()
}
