package reconcile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schaermu/deploy-app/internal/platform"
)

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "sync", err: &SyncError{App: "a", Err: cause}, want: ExitFailure},
		{name: "deploy", err: &DeployError{App: "a", Err: cause}, want: ExitDeploy},
		{name: "query", err: &QueryError{App: "a", Attempts: 3, Err: cause}, want: ExitQuery},
		{name: "argument", err: NewArgumentError("bad flag"), want: ExitArgument},
		{name: "create", err: &CreateError{App: "a", Err: cause}, want: ExitFailure},
		{name: "unclassified", err: cause, want: ExitFailure},
		{name: "wrapped deploy", err: fmt.Errorf("outer: %w", &DeployError{App: "a", Err: cause}), want: ExitDeploy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestErrorMessagesCarryStepAndApp(t *testing.T) {
	cause := errors.New("underlying cause")

	assert.Contains(t, (&SyncError{App: "iot-dash", Err: cause}).Error(), "iot-dash")
	assert.Contains(t, (&SyncError{App: "iot-dash", Err: cause}).Error(), "sync")
	assert.Contains(t, (&DeployError{App: "iot-dash", Err: cause}).Error(), "deploy")
	assert.Contains(t, (&QueryError{App: "iot-dash", Attempts: 3, Err: cause}).Error(), "3 attempts")
	assert.Contains(t, (&CreateError{App: "iot-dash", Err: cause}).Error(), "create")
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("%w: throttled", platform.ErrRetryable)
	err := &DeployError{App: "iot-dash", Err: cause}

	assert.True(t, errors.Is(err, platform.ErrRetryable))

	syncCause := errors.New("io failure")
	assert.True(t, errors.Is(&SyncError{App: "a", Err: syncCause}, syncCause))
	assert.True(t, errors.Is(&QueryError{App: "a", Err: syncCause}, syncCause))
	assert.True(t, errors.Is(&CreateError{App: "a", Err: syncCause}, syncCause))
}
