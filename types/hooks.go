package types

import "context"

// Hooks defines callbacks for engine lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so routing operations never wait on them. Hooks receive the engine's lifecycle
// context which is cancelled during shutdown.
//
// Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - Hook errors are logged but don't fail routing operations
//
// Example:
//
//	hooks := &chatroute.Hooks{
//	    OnAssigned: func(ctx context.Context, a chatroute.ChatAssignment) error {
//	        return audit.Record(ctx, a.ID)
//	    },
//	}
type Hooks struct {
	// OnAssigned is called after a claim commits.
	OnAssigned func(ctx context.Context, assignment ChatAssignment) error

	// OnEnded is called after an assignment completes.
	OnEnded func(ctx context.Context, assignment ChatAssignment) error

	// OnRequestExpired is called after the dispatcher expires a waiting request.
	OnRequestExpired func(ctx context.Context, request ChatRequest) error

	// OnLeadershipChanged is called when this instance gains or loses leadership.
	OnLeadershipChanged func(ctx context.Context, isLeader bool) error

	// OnError is called when a background component hits a recoverable error.
	OnError func(ctx context.Context, err error) error
}
