package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/deploy-app/internal/config"
	"github.com/schaermu/deploy-app/internal/platform"
	"github.com/schaermu/deploy-app/internal/reconcile"
)

// mockDeployer implements Deployer for testing.
type mockDeployer struct {
	mu      sync.Mutex
	calls   int
	release chan struct{} // when set, Reconcile blocks until closed
	err     error
}

func (m *mockDeployer) Reconcile(_ context.Context, _ reconcile.Descriptor) (platform.AppState, error) {
	m.mu.Lock()
	m.calls++
	release := m.release
	m.mu.Unlock()

	if release != nil {
		<-release
	}
	if m.err != nil {
		return platform.StateCreated, m.err
	}
	return platform.StateDeployed, nil
}

func (m *mockDeployer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		App: config.AppConfig{
			Name:       "iot-dash",
			SourcePath: tmpDir,
			RemotePath: "/Workspace/Users/dev/iot-dash",
		},
		Serve: config.ServeConfig{
			ListenAddr:        "127.0.0.1:8787",
			WebhookSecretFile: secretPath,
			AllowedEventTypes: []string{"push"},
			AllowedRefs:       []string{"refs/heads/main"},
		},
	}
	return cfg, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Server, *mockDeployer, string) {
	t.Helper()

	cfg, secret := setupTestConfig(t)
	deployer := &mockDeployer{}

	server, err := NewServer(cfg, deployer, testLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, deployer, secret
}

func TestNewServer(t *testing.T) {
	server, _, _ := newTestServer(t)

	// The secret is trimmed of trailing whitespace.
	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret, got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.WebhookSecretFile = filepath.Join(t.TempDir(), "missing")

	if _, err := NewServer(cfg, &mockDeployer{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func postWebhook(t *testing.T, server *Server, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	if mutate != nil {
		mutate(req)
	}

	w := httptest.NewRecorder()
	server.handleWebhook(w, req)
	return w
}

func TestHandleWebhook_Accepted(t *testing.T) {
	server, _, secret := newTestServer(t)

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"dev/dashboards"}}`)
	w := postWebhook(t, server, body, func(r *http.Request) {
		r.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	})

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	server, deployer, _ := newTestServer(t)

	body := []byte(`{"ref":"refs/heads/main"}`)
	w := postWebhook(t, server, body, func(r *http.Request) {
		r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if deployer.callCount() != 0 {
		t.Error("no deployment may be triggered by an unsigned request")
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := postWebhook(t, server, []byte(`{}`), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleWebhook_WrongMethod(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	server.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleWebhook_WrongContentType(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := postWebhook(t, server, []byte(`{}`), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleWebhook_DisallowedEventType(t *testing.T) {
	server, _, secret := newTestServer(t)

	body := []byte(`{"ref":"refs/heads/main"}`)
	w := postWebhook(t, server, body, func(r *http.Request) {
		r.Header.Set("X-GitHub-Event", "issues")
		r.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	})

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for ignored event, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("not configured")) {
		t.Errorf("expected ignore message, got %s", w.Body.String())
	}
}

func TestHandleWebhook_DisallowedRef(t *testing.T) {
	server, _, secret := newTestServer(t)

	body := []byte(`{"ref":"refs/heads/feature"}`)
	w := postWebhook(t, server, body, func(r *http.Request) {
		r.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	})

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for ignored ref, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("Ref not configured")) {
		t.Errorf("expected ignore message, got %s", w.Body.String())
	}
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	server, _, secret := newTestServer(t)

	body := []byte(`{not json`)
	w := postWebhook(t, server, body, func(r *http.Request) {
		r.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPerformDeploy(t *testing.T) {
	server, deployer, _ := newTestServer(t)

	server.performDeploy(context.Background())

	if deployer.callCount() != 1 {
		t.Errorf("expected 1 deployment, got %d", deployer.callCount())
	}
}

func TestPerformDeploy_SingleFlightWithPendingRerun(t *testing.T) {
	server, deployer, _ := newTestServer(t)

	release := make(chan struct{})
	deployer.release = release

	done := make(chan struct{})
	go func() {
		server.performDeploy(context.Background())
		close(done)
	}()

	// Wait for the first deployment to be in flight.
	waitFor(t, func() bool { return deployer.callCount() == 1 })

	// Concurrent triggers collapse into a single pending re-run.
	server.performDeploy(context.Background())
	server.performDeploy(context.Background())
	server.performDeploy(context.Background())

	deployer.mu.Lock()
	deployer.release = nil
	deployer.mu.Unlock()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("performDeploy did not finish")
	}

	if got := deployer.callCount(); got != 2 {
		t.Errorf("expected 2 deployments (initial + one pending), got %d", got)
	}
}

func TestPerformDeploy_FailureDoesNotStopServing(t *testing.T) {
	server, deployer, _ := newTestServer(t)
	deployer.err = context.DeadlineExceeded

	server.performDeploy(context.Background())
	server.performDeploy(context.Background())

	if deployer.callCount() != 2 {
		t.Errorf("expected deployments to keep running after a failure, got %d", deployer.callCount())
	}
}

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	d := &debouncer{delay: 20 * time.Millisecond}

	var mu sync.Mutex
	fired := 0

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			fired++
			mu.Unlock()
		})
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("expected a single coalesced trigger, got %d", fired)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
