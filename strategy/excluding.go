package strategy

import (
	"slices"

	"github.com/arloliu/chatroute/types"
)

// excluding filters operators out of the snapshot before delegating.
type excluding struct {
	inner types.SelectionStrategy
	ids   []string
}

// Excluding wraps s so the given operator IDs are never selected.
//
// Used to re-run selection after an operator rejected a claim at commit time.
// Exclusions do not reorder the remaining snapshot.
//
// Parameters:
//   - s: Strategy to delegate to
//   - ids: Operator IDs to skip
//
// Returns:
//   - types.SelectionStrategy: The filtered strategy (s itself when ids is empty)
func Excluding(s types.SelectionStrategy, ids ...string) types.SelectionStrategy {
	if len(ids) == 0 {
		return s
	}

	return &excluding{inner: s, ids: slices.Clone(ids)}
}

func (e *excluding) Select(operators []types.OperatorStatus) (string, bool) {
	return e.inner.Select(e.filter(operators))
}

// SelectFor keeps customer routing of the wrapped strategy.
func (e *excluding) SelectFor(customerID string, operators []types.OperatorStatus) (string, bool) {
	return SelectFor(e.inner, customerID, e.filter(operators))
}

func (e *excluding) filter(operators []types.OperatorStatus) []types.OperatorStatus {
	filtered := make([]types.OperatorStatus, 0, len(operators))
	for _, op := range operators {
		if !slices.Contains(e.ids, op.ID) {
			filtered = append(filtered, op)
		}
	}

	return filtered
}
