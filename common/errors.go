// Package common provides shared constants, types, and utilities
// used across ocvpn.
package common

import "errors"

// Sentinel errors. Every error returned across package boundaries wraps
// one of these so callers can classify it with errors.Is().
var (
	// ErrConfig reports bad or missing connect parameters.
	ErrConfig = errors.New("configuration error")
	// ErrEngine reports a failed protocol engine call.
	ErrEngine = errors.New("engine error")
	// ErrCipher reports an encryption or decryption failure.
	ErrCipher = errors.New("cipher error")
	// ErrStore reports a credential store failure.
	ErrStore = errors.New("store error")
	// ErrIPC reports a control channel failure.
	ErrIPC = errors.New("ipc error")

	// Store errors.
	ErrInvalidOperation = errors.New("invalid operation")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrDuplicateName    = errors.New("duplicate profile name")

	// Session errors.
	ErrAlreadyConnected = errors.New("session already active")
	ErrNotConnected     = errors.New("no active session")
	ErrAuthAborted      = errors.New("authentication aborted")
	ErrCancelled        = errors.New("operation cancelled")

	// Endpoint errors.
	ErrAddressInUse = errors.New("address in use")
	ErrNoDaemon     = errors.New("no daemon running")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
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

// KindError tags err with a taxonomy sentinel so that errors.Is matches
// both the sentinel and the original error.
func KindError(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
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

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
