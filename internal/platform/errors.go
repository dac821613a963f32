package platform

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the named app resource does not exist.
	ErrNotFound = errors.New("app not found")
	// ErrAlreadyExists indicates a create hit an existing resource.
	ErrAlreadyExists = errors.New("app already exists")
	// ErrRetryable marks a transient platform failure worth retrying.
	ErrRetryable = errors.New("transient platform error")
)

// IsNotFound reports whether err indicates a missing app resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err indicates a duplicate-name conflict.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsRetryable reports whether err is a transient failure that may succeed
// on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// notFoundMarkers are substrings the platform CLI emits when a resource
// does not exist.
var notFoundMarkers = []string{
	"RESOURCE_DOES_NOT_EXIST",
	"does not exist",
	"not found",
}

// alreadyExistsMarkers are substrings emitted on duplicate-name conflicts.
var alreadyExistsMarkers = []string{
	"RESOURCE_ALREADY_EXISTS",
	"already exists",
}

// retryableMarkers are substrings indicating a transient failure class.
var retryableMarkers = []string{
	"TEMPORARILY_UNAVAILABLE",
	"REQUEST_LIMIT_EXCEEDED",
	"429",
	"503",
	"timed out",
	"timeout",
	"connection refused",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
