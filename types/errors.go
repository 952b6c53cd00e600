package types

import (
	"errors"
	"strings"
)

// Sentinel errors for the chatroute engine.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Error Naming Convention:
//   - Use descriptive names with Err prefix
//   - Group by component (Engine, Lifecycle, Store, etc.)
//   - Use consistent messages across similar error types

// Engine errors - Public API errors returned by the Engine.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreRequired is returned when no state store is supplied.
	ErrStoreRequired = errors.New("state store is required")

	// ErrAlreadyStarted is returned when Start is called on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned when operations require a started engine.
	ErrNotStarted = errors.New("engine not started")

	// ErrElectionFailed is returned when leader election fails.
	ErrElectionFailed = errors.New("leader election failed")

	// ErrInvalidArgument is returned when an intent is missing a required field.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Lifecycle errors - outcomes of routing intents.
//
// ErrAlreadyHandled, ErrCapacityExceeded and ErrOperatorUnavailable are rejections:
// expected outcomes that tell the caller to refresh its view and try elsewhere.
var (
	// ErrNotFound is returned when a request, assignment, customer or operator does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyHandled is returned when a claim or terminal transition arrives after the
	// request already left the waiting state, or was superseded by a newer request.
	ErrAlreadyHandled = errors.New("already handled")

	// ErrCapacityExceeded is returned when the operator is at maxChats at commit time.
	ErrCapacityExceeded = errors.New("operator capacity exceeded")

	// ErrOperatorUnavailable is returned when the operator is offline or has opted out.
	ErrOperatorUnavailable = errors.New("operator unavailable")

	// ErrStoreUnavailable is returned when the shared state store cannot be reached.
	// It is fatal to the current operation and is never retried for writes.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrConflict is returned when a compare-and-swap loop exhausts its retries.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store errors - returned by StateStore implementations.
var (
	// ErrKeyNotFound is returned when a key does not exist or was deleted.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by Create when the key already exists.
	ErrKeyExists = errors.New("key exists")

	// ErrRevisionMismatch is returned by Update when the stored revision differs.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrWatcherStopped is returned when operating on a stopped watcher.
	ErrWatcherStopped = errors.New("watcher stopped")
)

// Component errors - background component lifecycle.
var (
	// ErrComponentAlreadyStarted is returned when Start is called on a running component.
	ErrComponentAlreadyStarted = errors.New("component already started")

	// ErrComponentAlreadyStopped is returned when Start is called after Stop.
	ErrComponentAlreadyStopped = errors.New("component already stopped")

	// ErrComponentNotStarted is returned when Stop is called before Start.
	ErrComponentNotStarted = errors.New("component not started")
)

// IsRejection reports whether err is an expected claim rejection rather than a failure.
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true for ErrAlreadyHandled, ErrCapacityExceeded and ErrOperatorUnavailable
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyHandled) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrOperatorUnavailable)
}

// IsNoKeysFoundError checks if an error indicates that a store listing returned no keys.
//
// NATS KV reports an empty bucket as an error ("nats: no keys found"), possibly wrapped.
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "no keys found")
}
