package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/schaermu/deploy-app/internal/bundle"
	"github.com/schaermu/deploy-app/internal/config"
	"github.com/schaermu/deploy-app/internal/platform"
)

// Descriptor identifies the app to reconcile. It is constructed once per
// invocation from configuration; Name uniquely identifies at most one
// remote resource at a time.
type Descriptor struct {
	Name        string
	SourcePath  string
	RemotePath  string
	Description string
}

// DescriptorFromConfig builds the reconcile descriptor from the merged
// configuration.
func DescriptorFromConfig(cfg *config.Config) Descriptor {
	return Descriptor{
		Name:        cfg.App.Name,
		SourcePath:  cfg.App.SourcePath,
		RemotePath:  cfg.App.RemotePath,
		Description: cfg.App.Description,
	}
}

// Reconciler drives a remote app resource to the deployed (and, when the
// platform auto-starts, running) state. It holds no state between runs:
// remote state is queried fresh at the start of every reconcile.
type Reconciler struct {
	cfg      *config.Config
	platform platform.Client
	logger   *slog.Logger
	dryRun   bool
}

// New creates a reconciler.
func New(cfg *config.Config, client platform.Client, logger *slog.Logger, dryRun bool) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		platform: client,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Reconcile executes the full reconcile pipeline: sync files, check
// existence, create or update the resource, deploy, report. Steps run
// strictly in sequence; each error is wrapped with the step and app name
// and returned immediately.
//
// Cancellation is honored between steps, never mid-call. A cancelled run
// returns the last observed state with a nil error, since no remote state
// has been corrupted.
func (r *Reconciler) Reconcile(ctx context.Context, desc Descriptor) (platform.AppState, error) {
	runID := uuid.NewString()
	logger := r.logger.With("app", desc.Name, "run_id", runID)

	state := platform.StateAbsent

	stats, err := bundle.Collect(desc.SourcePath)
	if err != nil {
		return state, NewArgumentError("invalid source path %q: %v", desc.SourcePath, err)
	}
	logger.Info("starting reconcile",
		"source", desc.SourcePath,
		"remote", desc.RemotePath,
		"bundle_files", stats.Files,
		"bundle_bytes", stats.TotalBytes,
		"dry_run", r.dryRun)

	// Step 1: sync the bundle to the remote path.
	if cancelled(ctx, logger, state) {
		return state, nil
	}
	if r.dryRun {
		logger.Info("[dry-run] would sync bundle", "files", stats.Files)
	} else {
		result, err := r.platform.SyncFiles(ctx, desc.SourcePath, desc.RemotePath)
		if err != nil {
			return state, &SyncError{App: desc.Name, Result: result, Err: err}
		}
		if result != nil && len(result.Errors) > 0 {
			return state, &SyncError{
				App:    desc.Name,
				Result: result,
				Err:    fmt.Errorf("%d file(s) failed to transfer (first: %s: %s)", len(result.Errors), result.Errors[0].Path, result.Errors[0].Cause),
			}
		}
		logger.Info("sync complete",
			"files_transferred", result.FilesTransferred,
			"bytes_transferred", result.BytesTransferred)
	}

	// Step 2: existence check, retried with bounded backoff.
	if cancelled(ctx, logger, state) {
		return state, nil
	}
	exists, err := r.checkExists(ctx, desc.Name)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("reconcile cancelled during existence check", "state", state)
			return state, nil
		}
		return state, &QueryError{App: desc.Name, Attempts: r.cfg.Retry.MaxAttempts, Err: err}
	}
	if exists {
		state = platform.StateCreated
	}

	// Step 3: create or update. Create is never issued for a name known
	// to exist; a duplicate-name answer from create (a resource left
	// behind by a prior failed run, or a lost race) degrades to update.
	if cancelled(ctx, logger, state) {
		return state, nil
	}
	if exists {
		logger.Info("app exists, updating metadata")
		if r.dryRun {
			logger.Info("[dry-run] would update app", "description", desc.Description)
		} else if err := r.platform.UpdateApp(ctx, desc.Name, desc.Description); err != nil {
			return state, fmt.Errorf("update failed for app %q: %w", desc.Name, err)
		}
	} else {
		logger.Info("app absent, creating")
		if r.dryRun {
			logger.Info("[dry-run] would create app", "description", desc.Description)
		} else if err := r.platform.CreateApp(ctx, desc.Name, desc.Description); err != nil {
			if !platform.IsAlreadyExists(err) {
				return state, &CreateError{App: desc.Name, Err: err}
			}
			logger.Warn("create raced with an existing resource, updating instead", "error", err)
			if err := r.platform.UpdateApp(ctx, desc.Name, desc.Description); err != nil {
				return state, fmt.Errorf("update failed for app %q: %w", desc.Name, err)
			}
		}
	}
	state = platform.StateCreated

	// Step 4: deploy the synced bundle into the app.
	if cancelled(ctx, logger, state) {
		return state, nil
	}
	if r.dryRun {
		logger.Info("[dry-run] would deploy app", "remote", desc.RemotePath)
		logger.Info("dry-run complete, no changes applied")
		return state, nil
	}
	if err := r.deploy(ctx, desc); err != nil {
		if ctx.Err() != nil {
			logger.Info("reconcile cancelled during deploy retry", "state", state)
			return state, nil
		}
		// The resource stays created; a later run resumes from here
		// without re-creating it.
		return state, &DeployError{App: desc.Name, Err: err}
	}
	state = platform.StateDeployed

	// Step 5: report the final observed state. Deployed is a terminal
	// success; running is only reported when the platform says so.
	if cancelled(ctx, logger, state) {
		return state, nil
	}
	observed, err := r.platform.GetAppStatus(ctx, desc.Name)
	if err != nil {
		logger.Warn("status check failed after deploy", "error", err)
	} else if observed == platform.StateRunning {
		state = observed
	}

	logger.Info("reconcile complete", "state", state)
	return state, nil
}

// checkExists queries app existence under the configured bounded retry. A
// definitive not-found answer is returned as false immediately; transient
// query failures are retried with exponential backoff.
func (r *Reconciler) checkExists(ctx context.Context, name string) (bool, error) {
	return backoff.Retry(ctx, func() (bool, error) {
		return r.platform.AppExists(ctx, name)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.Retry.MaxAttempts)))
}

// deploy triggers the deployment, optionally retrying transient failures
// when retry_deploy is configured. Non-retryable failures (size limits,
// malformed bundle, quota) are surfaced on the first attempt.
func (r *Reconciler) deploy(ctx context.Context, desc Descriptor) error {
	if !r.cfg.Retry.RetryDeploy {
		return r.platform.DeployApp(ctx, desc.Name, desc.RemotePath)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := r.platform.DeployApp(ctx, desc.Name, desc.RemotePath); err != nil {
			if platform.IsRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.Retry.MaxAttempts)))
	return err
}

func (r *Reconciler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Retry.InitialInterval
	b.MaxInterval = r.cfg.Retry.MaxInterval
	return b
}

// cancelled reports whether the context has been cancelled, logging the
// last known state when it has.
func cancelled(ctx context.Context, logger *slog.Logger, state platform.AppState) bool {
	if ctx.Err() != nil {
		logger.Info("reconcile cancelled", "state", state)
		return true
	}
	return false
}
