package chronos

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the chronos package.
var (
	// ErrClosed is returned when operations are attempted on a shut-down store.
	ErrClosed = errors.New("store is closed")

	// ErrValidation is returned when a payload or query violates a collection map.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when an optimistic-concurrency check fails.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound is returned for unknown items, versions, or routing keys.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration is returned for unresolvable routing or connection
	// configuration. Fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrStorage is returned for transient metadata or object store failures.
	ErrStorage = errors.New("storage failure")

	// ErrCapacity is returned when the write buffer is full.
	ErrCapacity = errors.New("write buffer at capacity")
)

// ValidationError reports a schema or indexed-field violation.
type ValidationError struct {
	Collection string
	Field      string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s.%s: %s", e.Collection, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Collection, e.Message)
}

// Is implements error matching for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports an optimistic-concurrency mismatch on update.
type ConflictError struct {
	Collection string
	ID         string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected ov %d, current ov %d",
		e.Collection, e.ID, e.Expected, e.Actual)
}

// Is implements error matching for ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NotFoundError reports an unknown item, version, or scope key.
type NotFoundError struct {
	Kind string // "item", "version", "collection", "database", "tier"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Is implements error matching for NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConfigError reports invalid or unresolvable configuration.
type ConfigError struct {
	Section string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("invalid configuration [%s]: %s", e.Section, e.Message)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// StorageError reports a metadata-store or object-store failure.
type StorageError struct {
	Op    string // "put", "get", "head", "delete", "list", "meta"
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("storage %s failed [%s]: %v", e.Op, e.Key, e.Cause)
		}
		return fmt.Sprintf("storage %s failed [%s]", e.Op, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// CapacityError reports an overflowing write buffer.
type CapacityError struct {
	Buffered int
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("write buffer at capacity: %d buffered, limit %d", e.Buffered, e.Limit)
}

// Is implements error matching for CapacityError.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// newStorageError wraps a low-level store failure.
func newStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}
