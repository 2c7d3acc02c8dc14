package reconcile

import (
	"github.com/schaermu/modelsyncd/internal/modelinfo"
	"github.com/schaermu/modelsyncd/internal/registry"
)

// State tracks what was last pushed for each model
type State struct {
	Commit string                `json:"commit"`
	Models map[string]ModelState `json:"models"`
}

// ModelState is the last pushed state of one model
type ModelState struct {
	MetadataPath   string            `json:"metadata_path"`   // relative path within repo
	SettingsDigest string            `json:"settings_digest"` // hash of settings, test and target_type
	VersionDigest  string            `json:"version_digest"`  // hash of the version section
	LatestVersion  string            `json:"latest_version,omitempty"`
	Files          map[string]string `json:"files,omitempty"`   // in-model name -> registry file id
	Sources        map[string]string `json:"sources,omitempty"` // repo-relative path -> in-model name
}

func newState() *State {
	return &State{Models: make(map[string]ModelState)}
}

// Plan represents the registry operations to perform
type Plan struct {
	Commit string // commit the plan was computed for
	From   string // commit the diff started at, empty for a full sync
	Models []*ModelPlan
	Delete []string // ids of models no longer declared

	// Deferred holds models no longer declared whose deletion waits until
	// the change reaches the base ref.
	Deferred []string
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Models) == 0 && len(p.Delete) == 0
}

// ModelPlan holds the operations for a single model
type ModelPlan struct {
	Info *modelinfo.ModelInfo
	New  bool // not present in the previous state

	CreateVersion bool
	FromScratch   bool
	Uploads       []registry.Upload
	DeleteIDs     []string

	UpdateSettings bool
	RunTests       bool

	MetadataPath   string
	SettingsDigest string
	VersionDigest  string
	Sources        map[string]string // repo-relative path -> in-model name, for all files
}

// ID returns the user provided model id.
func (p *ModelPlan) ID() string { return p.Info.UserProvidedID() }
