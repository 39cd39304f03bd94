package service

import (
	"errors"
	"fmt"
)

// ConfigError is a structural configuration problem (unknown plugin, missing
// required parameter, dangling provider reference, invalid external DB).
// Surfaced at job start; a job with a ConfigError never enters running.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// ConfigErrorf builds a ConfigError with a formatted reason.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// MissingSecretError reports an unresolved "process.env.NAME" reference. It
// fails job creation, not execution.
type MissingSecretError struct {
	Name string
}

func (e *MissingSecretError) Error() string { return "missing secret: " + e.Name }

// QuotaError reports a refused run due to an exhausted counter.
type QuotaError struct {
	Kind string // e.g. "daily-runs", "max-configs", "banned"
}

func (e *QuotaError) Error() string { return "quota exhausted: " + e.Kind }

// retryableError wraps a transient external fault. The pipeline retries these
// with bounded exponential backoff before skipping the affected plugin for the
// cycle.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return "retryable: " + e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// RetryableErr marks err as transient. Returns nil when err is nil.
func RetryableErr(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryable reports whether err carries the transient classification.
func Retryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// fatalError wraps an unrecoverable storage or logic fault. It fails the job.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// FatalErr marks err as unrecoverable. Returns nil when err is nil.
func FatalErr(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatal reports whether err carries the fatal classification.
func Fatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
