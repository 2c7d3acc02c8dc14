// Package modelinfo holds what is known about one model from the local source
// tree during a single reconciliation run: its metadata, its files, and the
// changes recorded against it while walking a commit diff.
//
// A ModelInfo is not safe for concurrent mutation. Independent ModelInfo
// values may be processed in parallel.
package modelinfo

import (
	"log/slog"

	"github.com/schaermu/modelsyncd/internal/modelfile"
	"github.com/schaermu/modelsyncd/internal/schema"
)

// MainProgramName is the entry point every model is expected to provide.
const MainProgramName = "custom.py"

// Flags are set by the driving process from external triggers.
type Flags struct {
	ShouldUploadAllFiles bool
	ShouldUpdateSettings bool
}

// FileChanges accumulates the file level changes of a model. Both lists are
// append-only.
type FileChanges struct {
	ChangedOrNew []modelfile.Path
	DeletedIDs   []string
}

// AddChanged appends a changed or new file. Callers deduplicate.
func (c *FileChanges) AddChanged(p modelfile.Path) {
	c.ChangedOrNew = append(c.ChangedOrNew, p)
}

// ExtendDeleted appends the registry ids of deleted files, in order.
func (c *FileChanges) ExtendDeleted(ids ...string) {
	c.DeletedIDs = append(c.DeletedIDs, ids...)
}

// TestMode tells apart the reasons a model is or is not tested.
type TestMode int

const (
	TestNotConfigured TestMode = iota
	TestSkipped
	TestEnabled
)

func (m TestMode) String() string {
	switch m {
	case TestSkipped:
		return "skipped"
	case TestEnabled:
		return "enabled"
	default:
		return "not-configured"
	}
}

// ModelInfo describes a model declared in the local source tree.
type ModelInfo struct {
	yamlPath  string
	modelRoot string
	metadata  schema.Metadata
	files     map[string]modelfile.Path
	resolver  *modelfile.Resolver
	logger    *slog.Logger

	Flags       Flags
	FileChanges FileChanges
}

// Option configures a ModelInfo.
type Option func(*ModelInfo)

// WithResolver shares a path resolver (and its cache) between models of the
// same run.
func WithResolver(r *modelfile.Resolver) Option {
	return func(m *ModelInfo) {
		m.resolver = r
	}
}

// New creates a ModelInfo for the model declared in yamlPath whose files live
// under modelRoot.
func New(yamlPath, modelRoot string, metadata schema.Metadata, logger *slog.Logger, opts ...Option) *ModelInfo {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &ModelInfo{
		yamlPath:  yamlPath,
		modelRoot: modelRoot,
		metadata:  metadata,
		files:     make(map[string]modelfile.Path),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With("model", m.UserProvidedID())
	return m
}

// YAMLPath is the metadata document this model was read from.
func (m *ModelInfo) YAMLPath() string { return m.yamlPath }

// ModelRoot is the model's root directory.
func (m *ModelInfo) ModelRoot() string { return m.modelRoot }

// Metadata returns the model's metadata. Callers must not modify it.
func (m *ModelInfo) Metadata() schema.Metadata { return m.metadata }

// UserProvidedID is the model's unique id from its metadata.
func (m *ModelInfo) UserProvidedID() string { return m.metadata.ModelID() }

// Files returns the model's files keyed by resolved path. Callers must not
// modify the returned map.
func (m *ModelInfo) Files() map[string]modelfile.Path { return m.files }

// Lookup returns the tracked file with the given resolved path.
func (m *ModelInfo) Lookup(resolved string) (modelfile.Path, bool) {
	p, ok := m.files[resolved]
	return p, ok
}

// Classify classifies path against this model's root and repoRoot.
func (m *ModelInfo) Classify(path, repoRoot string) (modelfile.Path, error) {
	c, err := modelfile.NewClassifier(m.resolver, m.modelRoot, repoRoot)
	if err != nil {
		return modelfile.Path{}, err
	}
	return c.Classify(path)
}

// ReplacePaths replaces the model's file set with the classification of
// paths. It never merges: files tracked before the call and missing from
// paths are dropped. On error the previous file set is kept.
func (m *ModelInfo) ReplacePaths(paths []string, repoRoot string) error {
	m.logger.Debug("replacing model paths", "count", len(paths))

	c, err := modelfile.NewClassifier(m.resolver, m.modelRoot, repoRoot)
	if err != nil {
		return err
	}

	files := make(map[string]modelfile.Path, len(paths))
	for _, path := range paths {
		p, err := c.Classify(path)
		if err != nil {
			return err
		}
		files[p.Resolved] = p
	}
	m.files = files
	return nil
}

// PathsUnderModel returns the in-model names of all files with the given
// relation.
func (m *ModelInfo) PathsUnderModel(relation modelfile.RelativeTo) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range m.files {
		if p.RelativeTo == relation {
			out[p.UnderModel] = struct{}{}
		}
	}
	return out
}

// MainProgramPath returns the model's entry point: a tracked file whose
// logical name is MainProgramName. A model-relative file wins over a
// root-relative one; ties are broken by resolved path.
func (m *ModelInfo) MainProgramPath() (modelfile.Path, bool) {
	var best modelfile.Path
	found := false
	for _, p := range m.files {
		if p.UnderModel != MainProgramName {
			continue
		}
		if !found || mainProgramBefore(p, best) {
			best, found = p, true
		}
	}
	return best, found
}

func mainProgramBefore(a, b modelfile.Path) bool {
	if a.RelativeTo != b.RelativeTo {
		return a.RelativeTo == modelfile.RelativeToModel
	}
	return a.Resolved < b.Resolved
}

// MainProgramExists reports whether the model has an entry point.
func (m *ModelInfo) MainProgramExists() bool {
	_, ok := m.MainProgramPath()
	return ok
}
