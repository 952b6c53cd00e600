package strategy

import "github.com/arloliu/chatroute/types"

// LeastLoaded picks the assignable operator with the fewest active chats.
type LeastLoaded struct{}

var _ types.SelectionStrategy = (*LeastLoaded)(nil)

// NewLeastLoaded creates the default selection strategy.
//
// Returns:
//   - *LeastLoaded: Initialized least-loaded strategy
//
// Example:
//
//	eng, err := chatroute.NewEngine(&cfg, st, chatroute.WithStrategy(strategy.NewLeastLoaded()))
func NewLeastLoaded() *LeastLoaded {
	return &LeastLoaded{}
}

// Select returns the assignable operator with minimum ActiveChats.
//
// The algorithm:
//  1. Skip operators that are offline, unavailable or at capacity
//  2. Keep the first operator with the lowest ActiveChats
//
// Ties go to the earlier operator in the snapshot, so the same snapshot always
// yields the same choice.
//
// Parameters:
//   - operators: Registry snapshot in registration order
//
// Returns:
//   - string: Chosen operator ID
//   - bool: false when no operator is assignable
func (s *LeastLoaded) Select(operators []types.OperatorStatus) (string, bool) {
	best := -1
	for i := range operators {
		if !operators[i].IsAssignable() {
			continue
		}
		if best < 0 || operators[i].ActiveChats < operators[best].ActiveChats {
			best = i
		}
	}

	if best < 0 {
		return "", false
	}

	return operators[best].ID, true
}
