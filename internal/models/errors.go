package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStorage          = errors.New("storage error")
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("checkpoint already open for scope")
	ErrRateLimited      = errors.New("upload rate limited")
	ErrNotDiscardable   = errors.New("only permanently failed entries can be discarded")
	ErrIdentityConflict = errors.New("local id already reconciled to a different server id")
	ErrShutdown         = errors.New("sync worker is shut down")
	ErrInvalidWrite     = errors.New("invalid queued write")
)

// StorageError reports that the durable store could not serve an operation
// or returned a record that could not be decoded.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err unless it already is a StorageError.
func NewStorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// TransientNetworkError is a transport failure that should be retried.
type TransientNetworkError struct {
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient network error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PermanentRejection is a server refusal that retrying cannot fix.
type PermanentRejection struct {
	StatusCode int
	Reason     string
}

func (e *PermanentRejection) Error() string {
	return fmt.Sprintf("permanent rejection (status %d): %s", e.StatusCode, e.Reason)
}

// ConflictError is returned when a second checkpoint is opened in a scope.
type ConflictError struct {
	Scope        Scope
	CheckpointID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: scope %s has open checkpoint %s", ErrConflict, e.Scope, e.CheckpointID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// RateLimitError carries the wait suggested by the upload limiter.
type RateLimitError struct {
	SubjectID  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: subject %s, retry after %s", ErrRateLimited, e.SubjectID, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
