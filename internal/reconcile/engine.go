package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/modelsyncd/internal/config"
	"github.com/schaermu/modelsyncd/internal/fsutil"
	"github.com/schaermu/modelsyncd/internal/git"
	"github.com/schaermu/modelsyncd/internal/modelfile"
	"github.com/schaermu/modelsyncd/internal/modelinfo"
	"github.com/schaermu/modelsyncd/internal/registry"
	"github.com/schaermu/modelsyncd/internal/scan"
	"github.com/schaermu/modelsyncd/internal/schema"
)

// Metadata sections hashed into the digests stored in state.
var (
	settingsSections = []string{schema.SettingsSectionKey, schema.TestKey, schema.TargetTypeKey}
	versionSections  = []string{schema.VersionKey}
)

// Engine orchestrates the reconciliation process
type Engine struct {
	cfg      *config.Config
	git      git.Client
	registry registry.Registry
	logger   *slog.Logger
	dryRun   bool

	checkout    bool
	workingTree bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckout fetches repo.url at repo.ref into repo.root before each run.
func WithCheckout() Option {
	return func(e *Engine) { e.checkout = true }
}

// WithWorkingTree diffs against the files on disk instead of HEAD.
func WithWorkingTree() Option {
	return func(e *Engine) { e.workingTree = true }
}

// NewEngine creates a new reconcile engine
func NewEngine(cfg *config.Config, gitClient git.Client, reg registry.Registry, logger *slog.Logger, dryRun bool, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		git:      gitClient,
		registry: reg,
		logger:   logger,
		dryRun:   dryRun,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one complete reconciliation run
func (e *Engine) Run(ctx context.Context) error {
	logger := e.logger.With("run_id", uuid.NewString())
	logger.Info("starting sync",
		"repo", e.cfg.Repo.Root,
		"base_ref", e.cfg.Repo.BaseRef,
		"dry_run", e.dryRun)

	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if e.checkout {
		logger.Info("fetching repository", "url", e.cfg.Repo.URL, "ref", e.cfg.Repo.Ref)
		commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Ref, e.cfg.Repo.Root)
		if err != nil {
			return fmt.Errorf("failed to checkout repository: %w", err)
		}
		logger.Info("repository checked out", "commit", commit)
	}

	prevState, err := e.loadState()
	if err != nil {
		logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		prevState = newState()
	}

	plan, err := e.buildPlan(ctx, logger, prevState)
	if err != nil {
		return fmt.Errorf("failed to build sync plan: %w", err)
	}

	logger.Info("sync plan",
		"commit", plan.Commit,
		"from", plan.From,
		"models", len(plan.Models),
		"delete", len(plan.Delete))
	for _, id := range plan.Deferred {
		logger.Info("model no longer declared, deletion deferred until merge",
			"model", id,
			"base_ref", e.cfg.Repo.BaseRef)
	}
	if plan.Empty() {
		logger.Info("no models affected")
	}

	if e.dryRun {
		e.logPlanDetails(logger, plan)
		logger.Info("dry-run complete, no changes applied")
		return nil
	}

	newState, err := e.applyPlan(ctx, logger, plan, prevState)
	if err != nil {
		return fmt.Errorf("failed to apply sync plan: %w", err)
	}

	if err := e.saveState(newState); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	logger.Info("sync completed successfully")
	return nil
}

// buildPlan loads every declared model, feeds the commit's diff into each of
// them and turns the resulting decisions into registry operations.
func (e *Engine) buildPlan(ctx context.Context, logger *slog.Logger, prevState *State) (*Plan, error) {
	root := e.cfg.Repo.Root

	commit, err := e.git.HeadCommit(ctx, root)
	if err != nil {
		return nil, err
	}

	from := prevState.Commit
	if e.cfg.Repo.BaseRef != "" {
		from, err = e.git.MergeBase(ctx, root, e.cfg.Repo.BaseRef, commit)
		if err != nil {
			return nil, err
		}
	}

	to := commit
	if e.workingTree {
		to = git.WorkingTree
	}
	diff, err := e.git.ChangedFiles(ctx, root, from, to)
	if err != nil {
		return nil, err
	}
	logger.Info("computed diff", "from", from, "changed", len(diff.Changed), "deleted", len(diff.Deleted))

	defs, err := scan.LoadModels(root, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	logger.Info("discovered models", "count", len(defs))

	resolver, err := modelfile.NewResolver(modelfile.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	infos, err := e.loadModelInfos(ctx, logger, defs, resolver)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Commit: commit, From: from}
	declared := make(map[string]bool, len(infos))
	for _, info := range infos {
		declared[info.UserProvidedID()] = true

		prev, known := prevState.Models[info.UserProvidedID()]
		mp, err := e.aggregate(info, prev, known, diff, resolver)
		if err != nil {
			return nil, err
		}
		if mp != nil {
			plan.Models = append(plan.Models, mp)
		}
	}

	if e.cfg.Sync.Prune {
		var removed []string
		for id := range prevState.Models {
			if !declared[id] {
				removed = append(removed, id)
			}
		}
		sort.Strings(removed)

		// A pull request only announces the deletion; it happens after merge
		if e.cfg.Repo.BaseRef != "" {
			plan.Deferred = removed
		} else {
			plan.Delete = removed
		}
	}

	return plan, nil
}

// loadModelInfos builds a ModelInfo per definition, scanning model files on
// at most sync.workers goroutines.
func (e *Engine) loadModelInfos(ctx context.Context, logger *slog.Logger, defs []scan.Definition, resolver *modelfile.Resolver) ([]*modelinfo.ModelInfo, error) {
	root := e.cfg.Repo.Root
	infos := make([]*modelinfo.ModelInfo, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Sync.Workers, 1))
	for i, def := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			files, err := scan.ModelFiles(def, root)
			if err != nil {
				return fmt.Errorf("model %s: %w", def.Metadata.ModelID(), err)
			}
			info := modelinfo.New(def.YAMLPath, def.ModelRoot, def.Metadata, logger, modelinfo.WithResolver(resolver))
			if err := info.ReplacePaths(files, root); err != nil {
				return fmt.Errorf("model %s: %w", def.Metadata.ModelID(), err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// aggregate records the diff on info and returns the model's plan, or nil
// when the model is not affected.
func (e *Engine) aggregate(info *modelinfo.ModelInfo, prev ModelState, known bool, diff *git.Diff, resolver *modelfile.Resolver) (*ModelPlan, error) {
	root := e.cfg.Repo.Root

	seen := make(map[string]bool)
	for _, p := range diff.Changed {
		resolved, err := resolver.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", info.UserProvidedID(), err)
		}
		if seen[resolved] {
			continue
		}
		if mp, ok := info.Lookup(resolved); ok {
			seen[resolved] = true
			info.FileChanges.AddChanged(mp)
		}
	}

	repoRoot, err := resolver.Resolve(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}

	// Only a path that was one of this model's sources at the last sync
	// deletes a registry file; a same-named file elsewhere does not.
	for _, p := range diff.Deleted {
		mp, err := info.Classify(p, root)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", info.UserProvidedID(), err)
		}
		name, tracked := prev.Sources[repoRelative(repoRoot, mp.Resolved)]
		if !tracked || name != mp.UnderModel {
			continue
		}
		if id, ok := prev.Files[name]; ok {
			info.FileChanges.ExtendDeleted(id)
		}
	}

	settingsDigest, err := schema.Digest(info.Metadata(), settingsSections...)
	if err != nil {
		return nil, err
	}
	versionDigest, err := schema.Digest(info.Metadata(), versionSections...)
	if err != nil {
		return nil, err
	}

	if !known || e.cfg.Sync.UploadAll || prev.LatestVersion == "" || prev.VersionDigest != versionDigest {
		info.Flags.ShouldUploadAllFiles = true
	}
	if !known || prev.SettingsDigest != settingsDigest {
		info.Flags.ShouldUpdateSettings = true
	}

	if !info.IsAffectedByCommit() {
		return nil, nil
	}

	rel, err := filepath.Rel(root, info.YAMLPath())
	if err != nil {
		rel = info.YAMLPath()
	}
	mp := &ModelPlan{
		Info:           info,
		New:            !known,
		CreateVersion:  info.ShouldCreateNewVersion(),
		UpdateSettings: info.Flags.ShouldUpdateSettings,
		MetadataPath:   filepath.ToSlash(rel),
		SettingsDigest: settingsDigest,
		VersionDigest:  versionDigest,
		Sources:        sourcesFor(repoRoot, info.Files()),
	}
	if mp.CreateVersion {
		mp.RunTests = info.ShouldRunTest()
		mp.FromScratch = info.Flags.ShouldUploadAllFiles
		if mp.FromScratch {
			mp.Uploads = uploadsFor(info.Files())
		} else {
			changed := make(map[string]modelfile.Path, len(info.FileChanges.ChangedOrNew))
			for _, p := range info.FileChanges.ChangedOrNew {
				changed[p.Resolved] = p
			}
			mp.Uploads = uploadsFor(changed)
			mp.DeleteIDs = info.FileChanges.DeletedIDs
		}
	}
	return mp, nil
}

// sourcesFor maps the repo-relative path of every file to its in-model name.
func sourcesFor(repoRoot string, files map[string]modelfile.Path) map[string]string {
	sources := make(map[string]string, len(files))
	for _, p := range files {
		sources[repoRelative(repoRoot, p.Resolved)] = p.UnderModel
	}
	return sources
}

func repoRelative(repoRoot, resolved string) string {
	rel, err := filepath.Rel(repoRoot, resolved)
	if err != nil {
		return filepath.ToSlash(resolved)
	}
	return filepath.ToSlash(rel)
}

func uploadsFor(files map[string]modelfile.Path) []registry.Upload {
	uploads := make([]registry.Upload, 0, len(files))
	for _, p := range files {
		uploads = append(uploads, registry.Upload{Name: p.UnderModel, Path: p.Resolved})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Name < uploads[j].Name })
	return uploads
}

// applyPlan executes the plan against the registry and returns the new state
func (e *Engine) applyPlan(ctx context.Context, logger *slog.Logger, plan *Plan, prevState *State) (*State, error) {
	state := &State{
		Commit: plan.Commit,
		Models: make(map[string]ModelState, len(prevState.Models)),
	}
	for id, ms := range prevState.Models {
		state.Models[id] = ms
	}

	for _, mp := range plan.Models {
		ms, err := e.applyModel(ctx, logger, mp, state.Models[mp.ID()])
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mp.ID(), err)
		}
		state.Models[mp.ID()] = ms
	}

	for _, id := range plan.Delete {
		logger.Info("deleting model", "model", id)
		if err := e.registry.DeleteModel(ctx, id); err != nil && !errors.Is(err, registry.ErrModelNotFound) {
			return nil, fmt.Errorf("failed to delete model %s: %w", id, err)
		}
		delete(state.Models, id)
	}

	return state, nil
}

func (e *Engine) applyModel(ctx context.Context, logger *slog.Logger, mp *ModelPlan, ms ModelState) (ModelState, error) {
	info := mp.Info
	logger = logger.With("model", mp.ID())

	if mp.UpdateSettings {
		logger.Info("updating settings")
		settings, _ := info.Value(schema.SettingsSectionKey).Map()
		if err := e.registry.UpdateSettings(ctx, mp.ID(), settings); err != nil {
			return ms, fmt.Errorf("failed to update settings: %w", err)
		}
	}

	if mp.CreateVersion {
		if !info.MainProgramExists() {
			logger.Warn("model has no main program", "name", modelinfo.MainProgramName)
		}
		logger.Info("creating version",
			"from_scratch", mp.FromScratch,
			"uploads", len(mp.Uploads),
			"deletes", len(mp.DeleteIDs))
		version, err := e.registry.CreateVersion(ctx, registry.VersionRequest{
			ModelID:     mp.ID(),
			TargetType:  info.Metadata().TargetType(),
			FromScratch: mp.FromScratch,
			Uploads:     mp.Uploads,
			DeleteIDs:   mp.DeleteIDs,
			Resources:   resources(info),
		})
		if err != nil {
			return ms, fmt.Errorf("failed to create version: %w", err)
		}
		ms.LatestVersion = version.ID
		ms.Files = version.FileIDs()
		ms.Sources = mp.Sources
		logger.Info("created version", "version", version.ID, "files", len(version.Files))

		if mp.RunTests {
			run, err := e.registry.RunTests(ctx, mp.ID(), version.ID)
			if err != nil {
				return ms, fmt.Errorf("failed to run tests: %w", err)
			}
			if run.Status != registry.TestPassed {
				// A failing test does not roll back the version
				logger.Warn("model tests failed", "version", version.ID, "message", run.Message)
			} else {
				logger.Info("model tests passed", "version", version.ID)
			}
		}
	}

	ms.MetadataPath = mp.MetadataPath
	ms.SettingsDigest = mp.SettingsDigest
	ms.VersionDigest = mp.VersionDigest
	return ms, nil
}

// resources collects the version scoped resource overrides.
func resources(info *modelinfo.ModelInfo) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{schema.ModelEnvironmentIDKey, schema.MemoryKey, schema.ReplicasKey} {
		if v := info.Value(schema.VersionKey, key); !v.IsNull() {
			out[key] = v.Raw()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, plan *Plan) {
	for _, mp := range plan.Models {
		if mp.UpdateSettings {
			logger.Info("[dry-run] would update settings", "model", mp.ID(), "new", mp.New)
		}
		if mp.CreateVersion {
			logger.Info("[dry-run] would create version",
				"model", mp.ID(),
				"from_scratch", mp.FromScratch,
				"uploads", len(mp.Uploads),
				"deletes", len(mp.DeleteIDs),
				"run_tests", mp.RunTests)
			for _, up := range mp.Uploads {
				logger.Info("[dry-run] would upload", "model", mp.ID(), "name", up.Name, "source", up.Path)
			}
		}
	}
	for _, id := range plan.Delete {
		logger.Info("[dry-run] would delete model", "model", id)
	}
}

// loadState loads the previous state from disk
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.cfg.StateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}

	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Models == nil {
		state.Models = make(map[string]ModelState)
	}

	return state, nil
}

// saveState persists the state to disk
func (e *Engine) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return fsutil.WriteFile(e.cfg.StateFilePath(), data, 0644)
}
