package chatroute

import "github.com/arloliu/chatroute/types"

// Sentinel errors returned by the Engine.
//
// They are re-exported from the types package so callers can match them with
// errors.Is without importing types.
var (
	ErrInvalidConfig   = types.ErrInvalidConfig
	ErrStoreRequired   = types.ErrStoreRequired
	ErrAlreadyStarted  = types.ErrAlreadyStarted
	ErrNotStarted      = types.ErrNotStarted
	ErrElectionFailed  = types.ErrElectionFailed
	ErrInvalidArgument = types.ErrInvalidArgument

	// Routing rejections and failures.
	ErrNotFound            = types.ErrNotFound
	ErrAlreadyHandled      = types.ErrAlreadyHandled
	ErrCapacityExceeded    = types.ErrCapacityExceeded
	ErrOperatorUnavailable = types.ErrOperatorUnavailable
	ErrStoreUnavailable    = types.ErrStoreUnavailable
	ErrConflict            = types.ErrConflict

	// Store-level errors.
	ErrKeyNotFound      = types.ErrKeyNotFound
	ErrKeyExists        = types.ErrKeyExists
	ErrRevisionMismatch = types.ErrRevisionMismatch
)
