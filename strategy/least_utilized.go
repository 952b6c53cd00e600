package strategy

import "github.com/arloliu/chatroute/types"

// LeastUtilized picks the assignable operator with the lowest load ratio.
type LeastUtilized struct{}

var _ types.SelectionStrategy = (*LeastUtilized)(nil)

// NewLeastUtilized creates a capacity-proportional selection strategy.
func NewLeastUtilized() *LeastUtilized {
	return &LeastUtilized{}
}

// Select returns the assignable operator with minimum ActiveChats/MaxChats.
//
// Equal ratios fall back to fewer ActiveChats, then snapshot order.
func (s *LeastUtilized) Select(operators []types.OperatorStatus) (string, bool) {
	best := -1
	for i := range operators {
		op := &operators[i]
		if !op.IsAssignable() {
			continue
		}
		if best < 0 {
			best = i
			continue
		}

		cur := &operators[best]
		ratio, bestRatio := op.Utilization(), cur.Utilization()
		if ratio < bestRatio || (ratio == bestRatio && op.ActiveChats < cur.ActiveChats) {
			best = i
		}
	}

	if best < 0 {
		return "", false
	}

	return operators[best].ID, true
}
