package platform

import (
	"context"
	"io"
)

// AppState describes the lifecycle state of a remote app resource.
type AppState string

const (
	StateAbsent   AppState = "absent"
	StateCreated  AppState = "created"
	StateDeployed AppState = "deployed"
	StateRunning  AppState = "running"
	StateFailed   AppState = "failed"
)

// FileError records a single failed transfer within a sync.
type FileError struct {
	Path  string
	Cause string
}

// SyncResult summarizes a file sync to the remote workspace. A sync that
// fails part-way reports what was transferred; nothing is rolled back.
type SyncResult struct {
	FilesTransferred int
	BytesTransferred int64
	Errors           []FileError
}

// Client provides operations against the remote app platform. All
// mutating calls are idempotent from the caller's perspective: repeating
// a call with unchanged inputs must not duplicate remote state.
type Client interface {
	// SyncFiles transfers the bundle under local to the remote path.
	SyncFiles(ctx context.Context, local, remote string) (*SyncResult, error)
	// AppExists reports whether an app resource with the given name exists.
	AppExists(ctx context.Context, name string) (bool, error)
	// CreateApp creates a new app resource. A duplicate name yields an
	// error satisfying IsAlreadyExists.
	CreateApp(ctx context.Context, name, description string) error
	// UpdateApp updates description/metadata of an existing app in place.
	UpdateApp(ctx context.Context, name, description string) error
	// DeployApp deploys the bundle at the remote path into the named app.
	DeployApp(ctx context.Context, name, remote string) error
	// StartApp starts the named app's compute.
	StartApp(ctx context.Context, name string) error
	// StopApp stops the named app's compute.
	StopApp(ctx context.Context, name string) error
	// GetAppStatus returns the current observed state of the named app.
	GetAppStatus(ctx context.Context, name string) (AppState, error)
	// StreamAppLogs writes the app's log lines to w, optionally following.
	StreamAppLogs(ctx context.Context, name string, follow bool, tailLines int, w io.Writer) error
}
