package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/modelsyncd/internal/fsutil"
	"github.com/schaermu/modelsyncd/internal/modelinfo"
)

// FS is a Registry stored in a local directory:
//
//	<dir>/models/<model>/model.json
//	<dir>/models/<model>/versions/<n>/manifest.json
//	<dir>/blobs/<sha256[:2]>/<sha256>
//
// Blobs are content addressed and shared between models. Every file is
// written to a temp file first and renamed into place.
type FS struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

var _ Registry = (*FS)(nil)

// NewFS creates a registry rooted at dir.
func NewFS(dir string) *FS {
	return &FS{dir: dir, now: time.Now}
}

// Model returns the stored model record.
func (r *FS) Model(ctx context.Context, modelID string) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadModel(modelID)
}

// Version returns a stored version of a model.
func (r *FS) Version(ctx context.Context, modelID, versionID string) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := versionNumber(versionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadVersion(modelID, n)
}

// CreateVersion stores the uploads as blobs and writes a new manifest that
// carries forward the latest version's files, minus the deleted ids.
func (r *FS) CreateVersion(ctx context.Context, req VersionRequest) (*Version, error) {
	if req.ModelID == "" {
		return nil, errors.New("model id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	model, err := r.loadModel(req.ModelID)
	if errors.Is(err, ErrModelNotFound) {
		model = &Model{ID: req.ModelID, CreatedAt: r.now()}
	} else if err != nil {
		return nil, err
	}
	if req.TargetType != "" {
		model.TargetType = req.TargetType
	}

	files := make(map[string]File)
	if !req.FromScratch && model.LatestVersion > 0 {
		prev, err := r.loadVersion(req.ModelID, model.LatestVersion)
		if err != nil {
			return nil, err
		}
		for _, f := range prev.Files {
			files[f.Name] = f
		}
	}

	deleted := make(map[string]bool, len(req.DeleteIDs))
	for _, id := range req.DeleteIDs {
		deleted[id] = true
	}
	for name, f := range files {
		if deleted[f.ID] {
			delete(files, name)
		}
	}

	for _, up := range req.Uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := r.storeBlob(up)
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", up.Name, err)
		}
		files[up.Name] = f
	}

	version := &Version{
		ID:        "v" + strconv.Itoa(model.LatestVersion+1),
		ModelID:   req.ModelID,
		Number:    model.LatestVersion + 1,
		Files:     make([]File, 0, len(files)),
		Resources: req.Resources,
		CreatedAt: r.now(),
	}
	for _, f := range files {
		version.Files = append(version.Files, f)
	}
	sort.Slice(version.Files, func(i, j int) bool { return version.Files[i].Name < version.Files[j].Name })

	if err := writeJSON(r.manifestPath(req.ModelID, version.Number), version); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	model.LatestVersion = version.Number
	model.UpdatedAt = version.CreatedAt
	if err := r.saveModel(model); err != nil {
		return nil, err
	}
	return version, nil
}

// UpdateSettings replaces the settings of a model, creating the model record
// if it does not exist yet.
func (r *FS) UpdateSettings(ctx context.Context, modelID string, settings map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	model, err := r.loadModel(modelID)
	if errors.Is(err, ErrModelNotFound) {
		model = &Model{ID: modelID, CreatedAt: r.now()}
	} else if err != nil {
		return err
	}
	model.Settings = settings
	model.UpdatedAt = r.now()
	return r.saveModel(model)
}

// RunTests checks that the version carries a main program and records the
// result on the model.
func (r *FS) RunTests(ctx context.Context, modelID, versionID string) (*TestRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := versionNumber(versionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	model, err := r.loadModel(modelID)
	if err != nil {
		return nil, err
	}
	version, err := r.loadVersion(modelID, n)
	if err != nil {
		return nil, err
	}

	run := TestRun{
		ID:        uuid.NewString(),
		VersionID: version.ID,
		Status:    TestFailed,
		Message:   "missing " + modelinfo.MainProgramName,
		StartedAt: r.now(),
	}
	for _, f := range version.Files {
		if f.Name == modelinfo.MainProgramName {
			run.Status = TestPassed
			run.Message = ""
			break
		}
	}

	model.TestRuns = append(model.TestRuns, run)
	model.UpdatedAt = run.StartedAt
	if err := r.saveModel(model); err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteModel removes a model with all of its versions and the blobs no
// other model references.
func (r *FS) DeleteModel(ctx context.Context, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.loadModel(modelID); err != nil {
		return err
	}
	if err := os.RemoveAll(r.modelDir(modelID)); err != nil {
		return fmt.Errorf("failed to delete model %s: %w", modelID, err)
	}
	if err := r.collectBlobs(); err != nil {
		return fmt.Errorf("failed to collect blobs: %w", err)
	}
	return nil
}

// collectBlobs removes every blob that no remaining manifest references.
// Callers hold r.mu.
func (r *FS) collectBlobs() error {
	referenced := make(map[string]bool)
	err := filepath.WalkDir(filepath.Join(r.dir, "models"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		var version Version
		if err := readJSON(path, &version); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		for _, f := range version.Files {
			referenced[f.Digest] = true
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	err = filepath.WalkDir(filepath.Join(r.dir, "blobs"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || referenced[d.Name()] {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *FS) modelDir(modelID string) string {
	return filepath.Join(r.dir, "models", url.PathEscape(modelID))
}

func (r *FS) manifestPath(modelID string, n int) string {
	return filepath.Join(r.modelDir(modelID), "versions", strconv.Itoa(n), "manifest.json")
}

func (r *FS) blobPath(digest string) string {
	return filepath.Join(r.dir, "blobs", digest[:2], digest)
}

func (r *FS) loadModel(modelID string) (*Model, error) {
	var model Model
	err := readJSON(filepath.Join(r.modelDir(modelID), "model.json"), &model)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", modelID, err)
	}
	return &model, nil
}

func (r *FS) saveModel(model *Model) error {
	if err := writeJSON(filepath.Join(r.modelDir(model.ID), "model.json"), model); err != nil {
		return fmt.Errorf("failed to write model %s: %w", model.ID, err)
	}
	return nil
}

func (r *FS) loadVersion(modelID string, n int) (*Version, error) {
	var version Version
	if err := readJSON(r.manifestPath(modelID, n), &version); err != nil {
		return nil, fmt.Errorf("failed to read version %d of %s: %w", n, modelID, err)
	}
	return &version, nil
}

// storeBlob copies an upload into the blob store unless identical content is
// already there.
func (r *FS) storeBlob(up Upload) (File, error) {
	digest, size, err := fileHash(up.Path)
	if err != nil {
		return File{}, err
	}
	dst := r.blobPath(digest)
	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		if err := copyFile(up.Path, dst); err != nil {
			return File{}, err
		}
	} else if err != nil {
		return File{}, err
	}
	return File{ID: fileID(up.Name, digest), Name: up.Name, Digest: digest, Size: size}, nil
}

// fileID identifies a file by name and content, so the same content under two
// names gets two ids.
func fileID(name, digest string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + digest))
	return hex.EncodeToString(sum[:16])
}

func versionNumber(versionID string) (int, error) {
	s, ok := strings.CutPrefix(versionID, "v")
	n, err := strconv.Atoi(s)
	if !ok || err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version id %q", versionID)
	}
	return n, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes v to path with an atomic rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFile(path, data, 0644)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	return fsutil.AtomicWrite(dst, func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	}, 0444)
}

// fileHash computes the SHA256 hash and size of a file
func fileHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
