package reconcile

import (
	"errors"
	"fmt"

	"github.com/schaermu/deploy-app/internal/platform"
)

// Exit codes for the deploy-app CLI.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitDeploy   = 2
	ExitQuery    = 3
	ExitArgument = 4
)

// exitCoder is implemented by errors that map to a specific exit code.
type exitCoder interface {
	ExitCode() int
}

// ExitCode maps an error to the process exit code. nil maps to 0 and
// unclassified errors to the generic failure code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return ExitFailure
}

// SyncError reports a failed file transfer. Result holds whatever was
// transferred before the failure; nothing is rolled back.
type SyncError struct {
	App    string
	Result *platform.SyncResult
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for app %q: %v", e.App, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ExitCode implements the CLI exit code contract.
func (e *SyncError) ExitCode() int { return ExitFailure }

// QueryError reports that the app's remote state could not be determined
// after the configured number of attempts.
type QueryError struct {
	App      string
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("existence check failed for app %q after %d attempts: %v", e.App, e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ExitCode implements the CLI exit code contract.
func (e *QueryError) ExitCode() int { return ExitQuery }

// CreateError reports a failed create call. Duplicate-name answers are
// normally degraded to an update by the reconciler; anything else the
// create step returns ends up here.
type CreateError struct {
	App string
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create failed for app %q: %v", e.App, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// ExitCode implements the CLI exit code contract.
func (e *CreateError) ExitCode() int { return ExitFailure }

// DeployError reports a failed deployment. The app resource remains in
// its created state and a later run may retry without re-creating it.
type DeployError struct {
	App string
	Err error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy failed for app %q: %v", e.App, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// ExitCode implements the CLI exit code contract.
func (e *DeployError) ExitCode() int { return ExitDeploy }

// ArgumentError reports malformed CLI input, detected before any remote
// call is made.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

// ExitCode implements the CLI exit code contract.
func (e *ArgumentError) ExitCode() int { return ExitArgument }

// NewArgumentError builds an ArgumentError from a format string.
func NewArgumentError(format string, args ...any) *ArgumentError {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}
