// Package registry defines where reconciled models are pushed to.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrModelNotFound is returned when a model has never been pushed.
var ErrModelNotFound = errors.New("model not found")

// Registry is the remote side of a sync: it holds model settings and an
// append-only list of versions per model.
type Registry interface {
	// Model returns the current registry view of a model
	Model(ctx context.Context, modelID string) (*Model, error)
	// CreateVersion creates a new version derived from the latest one
	CreateVersion(ctx context.Context, req VersionRequest) (*Version, error)
	// UpdateSettings replaces the model's settings
	UpdateSettings(ctx context.Context, modelID string, settings map[string]any) error
	// RunTests records a test run against a version
	RunTests(ctx context.Context, modelID, versionID string) (*TestRun, error)
	// DeleteModel removes the model and all of its versions
	DeleteModel(ctx context.Context, modelID string) error
}

// Upload is a local file pushed into a version under its in-model name.
type Upload struct {
	Name string // slash-separated name inside the model
	Path string // absolute local path
}

// VersionRequest describes a new version.
type VersionRequest struct {
	ModelID    string
	TargetType string
	// FromScratch starts from an empty file set instead of the latest version.
	FromScratch bool
	Uploads     []Upload
	DeleteIDs   []string
	Resources   map[string]any
}

// File is a file stored in a version.
type File struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Digest string `json:"digest"` // sha256 of content
	Size   int64  `json:"size"`
}

// Version is an immutable snapshot of a model's files.
type Version struct {
	ID        string         `json:"id"`
	ModelID   string         `json:"model_id"`
	Number    int            `json:"number"`
	Files     []File         `json:"files"`
	Resources map[string]any `json:"resources,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FileIDs maps in-model names to file ids.
func (v *Version) FileIDs() map[string]string {
	ids := make(map[string]string, len(v.Files))
	for _, f := range v.Files {
		ids[f.Name] = f.ID
	}
	return ids
}

// TestRun is the outcome of testing a version.
type TestRun struct {
	ID        string    `json:"id"`
	VersionID string    `json:"version_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Test run statuses.
const (
	TestPassed = "passed"
	TestFailed = "failed"
)

// Model is the registry view of a model.
type Model struct {
	ID            string         `json:"id"`
	TargetType    string         `json:"target_type,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	LatestVersion int            `json:"latest_version"`
	TestRuns      []TestRun      `json:"test_runs,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
