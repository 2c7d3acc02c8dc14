package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/modelsyncd/internal/config"
)

// mockSyncer counts sync runs and optionally fails them.
type mockSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSyncer) Run(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockSyncer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Repo: config.RepoConfig{
			Root: filepath.Join(tmpDir, "repo"),
			URL:  "https://github.com/test/models.git",
			Ref:  "main",
		},
		Paths: config.PathsConfig{
			StateDir: filepath.Join(tmpDir, "state"),
		},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
			AllowedRefs:             []string{"refs/heads/main"},
		},
	}

	return cfg, secret
}

func newTestServer(t *testing.T, syncer Syncer) (*Server, *config.Config, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	server, err := NewServer(cfg, syncer, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server, cfg, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	return req
}

func TestNewServer(t *testing.T) {
	server, _, _ := newTestServer(t, &mockSyncer{})

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected secret to be 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"

	if _, err := NewServer(cfg, &mockSyncer{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecret(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewServer(cfg, &mockSyncer{}, testLogger()); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestStart_PerformsInitialSync(t *testing.T) {
	syncer := &mockSyncer{}
	server, _, _ := newTestServer(t, syncer)

	// Cancel the context immediately so Start returns after the initial sync
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = server.Start(ctx, nil)

	if syncer.count() != 1 {
		t.Errorf("expected one initial sync, got %d", syncer.count())
	}
}

func TestStart_ServesOnListener(t *testing.T) {
	server, _, _ := newTestServer(t, &mockSyncer{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health/live"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() returned %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	server, _, secret := newTestServer(t, &mockSyncer{})

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: computeSignature([]byte(`{"ref":"refs/heads/main"}`), secret),
			want:      true,
		},
		{
			name:      "invalid signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "sha256=invalid",
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "notsha256",
			want:      false,
		},
		{
			name:      "empty signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "",
			want:      false,
		},
		{
			name:      "prefix only",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "sha256=",
			want:      false,
		},
		{
			name:      "wrong body",
			body:      []byte(`{"ref":"refs/heads/other"}`),
			signature: computeSignature([]byte(`{"ref":"refs/heads/main"}`), secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := server.verifySignature(tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	tests := []struct {
		name              string
		allowedEventTypes []string
		eventType         string
		want              bool
	}{
		{name: "allowed event", allowedEventTypes: []string{"push", "pull_request"}, eventType: "push", want: true},
		{name: "disallowed event", allowedEventTypes: []string{"push"}, eventType: "pull_request", want: false},
		{name: "no filter (allow all)", allowedEventTypes: []string{}, eventType: "anything", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, cfg, _ := newTestServer(t, &mockSyncer{})
			cfg.Serve.AllowedEventTypes = tt.allowedEventTypes

			if got := server.isEventTypeAllowed(tt.eventType); got != tt.want {
				t.Errorf("isEventTypeAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRefAllowed(t *testing.T) {
	tests := []struct {
		name        string
		allowedRefs []string
		ref         string
		want        bool
	}{
		{name: "allowed ref", allowedRefs: []string{"refs/heads/main", "refs/heads/develop"}, ref: "refs/heads/main", want: true},
		{name: "disallowed ref", allowedRefs: []string{"refs/heads/main"}, ref: "refs/heads/feature", want: false},
		{name: "no filter (allow all)", allowedRefs: []string{}, ref: "refs/heads/anything", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, cfg, _ := newTestServer(t, &mockSyncer{})
			cfg.Serve.AllowedRefs = tt.allowedRefs

			if got := server.isRefAllowed(tt.ref); got != tt.want {
				t.Errorf("isRefAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_ValidRequestTriggersSync(t *testing.T) {
	syncer := &mockSyncer{}
	server, _, secret := newTestServer(t, syncer)
	server.debounce.delay = 10 * time.Millisecond

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {
			"full_name": "test/models"
		}
	}`)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, pushRequest(body, "push", computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	deadline := time.Now().Add(time.Second)
	for syncer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if syncer.count() != 1 {
		t.Errorf("expected one debounced sync, got %d", syncer.count())
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	server, _, secret := newTestServer(t, &mockSyncer{})
	mainPush := []byte(`{"ref":"refs/heads/main"}`)
	feature := []byte(`{"ref":"refs/heads/feature","after":"abc123"}`)

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
		wantBody string
	}{
		{
			name:     "wrong method",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/webhook", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				req := pushRequest(mainPush, "push", computeSignature(mainPush, secret))
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid signature",
			req:      func() *http.Request { return pushRequest(mainPush, "push", "sha256=invalid") },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "invalid payload",
			req:      func() *http.Request { return pushRequest([]byte("{"), "push", computeSignature([]byte("{"), secret)) },
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "disallowed event type",
			req:      func() *http.Request { return pushRequest(mainPush, "pull_request", computeSignature(mainPush, secret)) },
			wantCode: http.StatusOK,
			wantBody: "Event type not configured",
		},
		{
			name:     "disallowed ref",
			req:      func() *http.Request { return pushRequest(feature, "push", computeSignature(feature, secret)) },
			wantCode: http.StatusOK,
			wantBody: "Ref not configured",
		},
		{
			name:     "unknown route",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodPost, "/", nil) },
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, tt.req())

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && !bytes.Contains(rec.Body.Bytes(), []byte(tt.wantBody)) {
				t.Errorf("expected %q in body, got: %s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestHealthSync(t *testing.T) {
	syncer := &mockSyncer{err: errors.New("registry unavailable")}
	server, _, _ := newTestServer(t, syncer)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/sync", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 before any sync, got %d", rec.Code)
	}

	server.performSync(context.Background())

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/sync", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 after failed sync, got %d", rec.Code)
	}

	var status syncStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Error != "registry unavailable" || status.LastSync.IsZero() {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	// Should only be called once despite 5 triggers
	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

// TestPerformSync_SingleFlight verifies that concurrent performSync calls use
// single-flight semantics: at most one sync runs at a time and at most one
// additional run is queued; excess concurrent requests are dropped.
func TestPerformSync_SingleFlight(t *testing.T) {
	syncStarted := make(chan struct{})
	syncProceed := make(chan struct{})

	slow := &slowSyncer{
		started: syncStarted,
		proceed: syncProceed,
	}
	server, _, _ := newTestServer(t, slow)

	ctx := context.Background()

	// Start first sync in background; it will block until syncProceed is closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx)
	}()

	<-syncStarted

	// Fire three more concurrent performSync calls while the first is running.
	// Only one of these should queue a pending re-run; the other two are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()

	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	close(syncProceed)
	<-done // performSync only returns once all pending syncs have completed

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning {
		t.Error("expected syncRunning to be false after all syncs completed")
	}
	if stillPending {
		t.Error("expected syncPending to be false after pending re-run was serviced")
	}

	slow.mu.Lock()
	runs := slow.runs
	slow.mu.Unlock()
	if runs != 2 {
		t.Errorf("expected exactly 2 runs, got %d", runs)
	}
}

// slowSyncer blocks Run until proceed is closed, allowing tests to control
// sync concurrency.
type slowSyncer struct {
	started chan struct{}
	proceed chan struct{}
	once    sync.Once

	mu   sync.Mutex
	runs int
}

func (m *slowSyncer) Run(_ context.Context) error {
	m.mu.Lock()
	m.runs++
	m.mu.Unlock()

	m.once.Do(func() { close(m.started) })
	<-m.proceed
	return nil
}
