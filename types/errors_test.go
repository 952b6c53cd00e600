package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("wrapped errors keep identity", func(t *testing.T) {
		wrapped := fmt.Errorf("claim req-1: %w", ErrAlreadyHandled)
		require.ErrorIs(t, wrapped, ErrAlreadyHandled)
		require.NotErrorIs(t, wrapped, ErrCapacityExceeded)

		joined := errors.Join(ErrStoreUnavailable, errors.New("dial tcp: connection refused"))
		require.ErrorIs(t, joined, ErrStoreUnavailable)
	})

	t.Run("all errors are distinct", func(t *testing.T) {
		allErrors := []error{
			ErrInvalidConfig,
			ErrStoreRequired,
			ErrAlreadyStarted,
			ErrNotStarted,
			ErrElectionFailed,
			ErrInvalidArgument,
			ErrNotFound,
			ErrAlreadyHandled,
			ErrCapacityExceeded,
			ErrOperatorUnavailable,
			ErrStoreUnavailable,
			ErrConflict,
			ErrKeyNotFound,
			ErrKeyExists,
			ErrRevisionMismatch,
			ErrWatcherStopped,
			ErrComponentAlreadyStarted,
			ErrComponentAlreadyStopped,
			ErrComponentNotStarted,
		}

		for i, err1 := range allErrors {
			for j, err2 := range allErrors {
				if i == j {
					require.ErrorIs(t, err1, err2)
				} else {
					require.False(t, errors.Is(err1, err2), "errors should be distinct: %v vs %v", err1, err2)
				}
			}
		}
	})
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "already handled", err: ErrAlreadyHandled, want: true},
		{name: "wrapped capacity", err: fmt.Errorf("op-1: %w", ErrCapacityExceeded), want: true},
		{name: "operator unavailable", err: ErrOperatorUnavailable, want: true},
		{name: "not found", err: ErrNotFound, want: false},
		{name: "store unavailable", err: ErrStoreUnavailable, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRejection(tt.err))
		})
	}
}

func TestIsNoKeysFoundError(t *testing.T) {
	require.False(t, IsNoKeysFoundError(nil))
	require.True(t, IsNoKeysFoundError(errors.New("nats: no keys found")))
	require.True(t, IsNoKeysFoundError(fmt.Errorf("failed to list KV keys: %w", errors.New("nats: no keys found"))))
	require.False(t, IsNoKeysFoundError(errors.New("nats: timeout")))
}
