// Package hooks provides default Hooks implementations.
package hooks

import (
	"context"

	"github.com/arloliu/chatroute/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.ChatAssignment) error = (*NopHooks)(nil).OnAssigned
	_ func(context.Context, types.ChatRequest) error    = (*NopHooks)(nil).OnRequestExpired
	_ func(context.Context, bool) error                 = (*NopHooks)(nil).OnLeadershipChanged
	_ func(context.Context, error) error                = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnAssigned:          h.OnAssigned,
		OnEnded:             h.OnEnded,
		OnRequestExpired:    h.OnRequestExpired,
		OnLeadershipChanged: h.OnLeadershipChanged,
		OnError:             h.OnError,
	}
}

// Fill returns a copy of h with every nil callback replaced by a no-op.
//
// Parameters:
//   - h: Caller-supplied hooks (may be nil)
//
// Returns:
//   - *types.Hooks: Hooks safe to call without nil checks
func Fill(h *types.Hooks) *types.Hooks {
	out := NewNop()
	if h == nil {
		return &out
	}
	if h.OnAssigned != nil {
		out.OnAssigned = h.OnAssigned
	}
	if h.OnEnded != nil {
		out.OnEnded = h.OnEnded
	}
	if h.OnRequestExpired != nil {
		out.OnRequestExpired = h.OnRequestExpired
	}
	if h.OnLeadershipChanged != nil {
		out.OnLeadershipChanged = h.OnLeadershipChanged
	}
	if h.OnError != nil {
		out.OnError = h.OnError
	}

	return &out
}

// OnAssigned is a no-op implementation.
func (h *NopHooks) OnAssigned(_ context.Context, _ types.ChatAssignment) error {
	return nil
}

// OnEnded is a no-op implementation.
func (h *NopHooks) OnEnded(_ context.Context, _ types.ChatAssignment) error {
	return nil
}

// OnRequestExpired is a no-op implementation.
func (h *NopHooks) OnRequestExpired(_ context.Context, _ types.ChatRequest) error {
	return nil
}

// OnLeadershipChanged is a no-op implementation.
func (h *NopHooks) OnLeadershipChanged(_ context.Context, _ bool) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
