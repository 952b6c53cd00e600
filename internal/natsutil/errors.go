// Package natsutil classifies NATS and JetStream errors.
//
// Kept in internal/ so the types package stays free of NATS imports.
package natsutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/chatroute/types"
)

// IsConnectivityError checks if an error is caused by connectivity issues.
//
// This includes NATS timeouts, connection refused, disconnections, etc.
//
// Parameters:
//   - err: Error to check
//
// Returns:
//   - bool: true if error indicates connectivity issue
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, types.ErrStoreUnavailable) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// IsWrongLastSequence reports whether a JetStream KV write failed its
// expected-revision check.
func IsWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}

	return false
}

// MapKVError translates a JetStream KV error into the store sentinel errors.
//
// Unknown errors are returned wrapped with op so callers keep the original cause.
//
// Parameters:
//   - op: Operation name used as error context
//   - err: Error returned by the JetStream KV API
//
// Returns:
//   - error: nil, a store sentinel error, or the wrapped original error
func MapKVError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return types.ErrKeyNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return types.ErrKeyExists
	case IsWrongLastSequence(err):
		return types.ErrRevisionMismatch
	case IsConnectivityError(err):
		return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
