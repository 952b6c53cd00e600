package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/types"
)

// ReconcileResult lists what a Reconcile pass repaired.
type ReconcileResult struct {
	LoadRepaired []string // Operators whose ActiveChats was rewritten
	SlotsCleared []string // Customers whose dangling live-assignment slot was cleared
}

type loadDrift struct {
	stored  int
	counted int
}

// Reconcile repairs state left inconsistent by a process that died between
// the steps of a claim or an end.
//
// Two kinds of drift are detected: an operator whose ActiveChats differs from
// its number of live assignments, and a customer record pointing at an
// assignment that is missing or completed. Both also occur for a moment while
// a claim is in flight, so a drift is only repaired when the previous pass saw
// exactly the same drift. Repairs are compare-and-swap guarded against the
// observed values. Call it periodically from one process.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	ops, err := m.cfg.Registry.Snapshot(ctx)
	if err != nil {
		return result, err
	}
	all, err := m.loadAssignments(ctx)
	if err != nil {
		return result, err
	}
	var customers []types.CustomerRecord
	err = kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		var err error
		customers, err = kvjson.LoadAll[types.CustomerRecord](ctx, m.cfg.Customers, queue.CustomerKeyPrefix)

		return err
	})
	if err != nil {
		return result, fmt.Errorf("customer snapshot: %w", err)
	}

	counts := make(map[string]int, len(ops))
	live := make(map[string]bool, len(all))
	for _, a := range all {
		if a.Status.IsLive() {
			counts[a.OperatorID]++
			live[a.ID] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loadSuspects := make(map[string]loadDrift)
	for _, op := range ops {
		d := loadDrift{stored: op.ActiveChats, counted: counts[op.ID]}
		if d.stored == d.counted {
			continue
		}
		if prev, seen := m.loadSuspects[op.ID]; !seen || prev != d {
			loadSuspects[op.ID] = d
			continue
		}

		applied, err := m.cfg.Registry.SetLoad(ctx, op.ID, d.stored, d.counted)
		if err != nil {
			return result, err
		}
		if applied {
			m.cfg.Logger.Warn("repaired operator load", "operator", op.ID, "stored", d.stored, "live", d.counted)
			result.LoadRepaired = append(result.LoadRepaired, op.ID)
		}
	}
	m.loadSuspects = loadSuspects

	slotSuspects := make(map[string]string)
	for _, rec := range customers {
		if rec.ActiveAssignmentID == "" || live[rec.ActiveAssignmentID] {
			continue
		}
		if m.slotSuspects[rec.CustomerID] != rec.ActiveAssignmentID {
			slotSuspects[rec.CustomerID] = rec.ActiveAssignmentID
			continue
		}

		// Re-check: a slow claim may have written the assignment since the snapshot.
		a, _, err := m.GetAssignment(ctx, rec.ActiveAssignmentID)
		if err == nil && a.Status.IsLive() {
			continue
		}
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return result, err
		}

		if err := m.releaseSlot(ctx, rec.CustomerID, rec.ActiveAssignmentID); err != nil {
			return result, err
		}
		m.cfg.Logger.Warn("cleared dangling customer slot", "customer", rec.CustomerID, "assignment", rec.ActiveAssignmentID)
		result.SlotsCleared = append(result.SlotsCleared, rec.CustomerID)
	}
	m.slotSuspects = slotSuspects

	return result, nil
}
