package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/deploy-app/internal/activation"
	"github.com/schaermu/deploy-app/internal/config"
	"github.com/schaermu/deploy-app/internal/platform"
	"github.com/schaermu/deploy-app/internal/reconcile"
)

// PushEvent carries the fields of a repository push webhook the daemon
// cares about.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Deployer runs one reconcile pass. Satisfied by *reconcile.Reconciler.
type Deployer interface {
	Reconcile(ctx context.Context, desc reconcile.Descriptor) (platform.AppState, error)
}

// Server is the webhook HTTP daemon: it accepts signed push events and
// triggers deployments of the configured app. Concurrent triggers are
// collapsed into single-flight execution with at most one pending rerun,
// which serializes reconciliations of the app name as the reconciler
// requires.
type Server struct {
	cfg           *config.Config
	deployer      Deployer
	logger        *slog.Logger
	secret        []byte
	deployMu      sync.Mutex // guards deployRunning and deployPending
	deployRunning bool
	deployPending bool
	debounce      *debouncer
}

// debouncer coalesces bursts of webhook deliveries into one trigger.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a webhook server. The HMAC secret is read from the
// configured secret file.
func NewServer(cfg *config.Config, deployer Deployer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))

	s := &Server{
		cfg:      cfg,
		deployer: deployer,
		logger:   logger,
		secret:   secret,
	}
	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}
	return s, nil
}

// Start performs an initial deployment, then serves webhooks until the
// context is cancelled. The listener comes from systemd socket activation
// when available, otherwise from the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial deployment before serving webhooks")
	s.performDeploy(ctx)

	ln, err := activation.Listener(s.cfg.Serve.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to open listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook validates and filters an incoming webhook delivery and
// schedules a debounced deployment when it passes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if contentType := r.Header.Get("Content-Type"); contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for deployment\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for deployment\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performDeploy(context.Background())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Deployment triggered\n")
}

// verifySignature checks the HMAC-SHA256 delivery signature.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks the event type against the configured filter.
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}
	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks the pushed ref against the configured filter.
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}
	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// performDeploy runs one reconcile with single-flight semantics. If a
// deployment is already in progress, at most one additional run is queued;
// further concurrent triggers are dropped.
func (s *Server) performDeploy(ctx context.Context) {
	s.deployMu.Lock()
	if s.deployRunning {
		s.deployPending = true
		s.deployMu.Unlock()
		s.logger.Info("deployment already in progress, queuing pending re-run")
		return
	}
	s.deployRunning = true
	s.deployMu.Unlock()

	desc := reconcile.DescriptorFromConfig(s.cfg)

	for {
		s.logger.Info("performing deployment")

		state, err := s.deployer.Reconcile(ctx, desc)
		if err != nil {
			s.logger.Error("deployment failed", "state", state, "error", err)
		} else {
			s.logger.Info("deployment completed", "state", state)
		}

		// Atomically check whether another deployment was requested while
		// we were running; service at most that one pending request.
		s.deployMu.Lock()
		if !s.deployPending {
			s.deployRunning = false
			s.deployMu.Unlock()
			break
		}
		s.deployPending = false
		s.deployMu.Unlock()

		s.logger.Info("re-running deployment due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
