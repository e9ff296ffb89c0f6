package common

import "errors"

// Sentinel errors for the VPN core.
// Callers match them with errors.Is; structured errors in other packages
// unwrap to one of these.
var (
	// Validation errors: bad input, never retried automatically.
	ErrValidation = errors.New("invalid configuration")

	// Storage errors: the secure-storage facility could not be reached.
	ErrStorageUnavailable = errors.New("credential storage unavailable")
	ErrEmptySecret        = errors.New("secret is empty")

	// Permission errors: terminal for the attempt.
	ErrPermissionDenied  = errors.New("permission denied")
	ErrPermissionTimeout = errors.New("permission request timed out")

	// Platform errors: the adapter or tunnel failed.
	ErrPlatform = errors.New("platform error")

	// Lifecycle errors.
	ErrNotPrepared   = errors.New("vpn not prepared")
	ErrAlreadyActive = errors.New("connection already active")
	ErrClosed        = errors.New("controller closed")

	// Profile persistence errors.
	ErrProfileNotFound = errors.New("profile not found")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
