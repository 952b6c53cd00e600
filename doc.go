// Package chatroute routes customer chat requests to human operators.
//
// An Engine keeps operator status and load, the queue of waiting requests and
// the active chat assignments in a shared watchable key-value store. Any number
// of engines in different processes may share one store: every transition is a
// compare-and-swap on a record revision, so concurrent claims, capacity checks
// and chat completions stay consistent without a central coordinator.
//
// # Quick Start
//
//	import (
//	    "github.com/arloliu/chatroute"
//	    "github.com/arloliu/chatroute/store"
//	)
//
//	st, err := store.NewNATS(nc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := chatroute.DefaultConfig()
//	eng, err := chatroute.NewEngine(&cfg, st)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(context.Background())
//
//	req, _ := eng.RequestChat(ctx, "cust-1", "Alice", "my order is late")
//	a, err := eng.Claim(ctx, req.ID, "op-7")
//	if types.IsRejection(err) {
//	    // another operator was faster, or op-7 is full or offline
//	}
//	_, _ = eng.EndChat(ctx, a.ID, chatroute.PartyOperator)
//
// # Key Features
//
//   - Atomic claims: of any number of concurrent claims on one request exactly one wins
//   - Capacity: an operator never exceeds MaxChats, checked at commit time
//   - One live chat per customer: re-requests return the existing assignment
//   - Auto-assign: pluggable selection (least-loaded, least-utilized, customer-affinity)
//   - Real-time feeds: coalescing subscriptions for dashboards and widgets
//   - Presence: operators go offline when their dashboards stop heartbeating
//
// # Architecture
//
// A request moves through a small state machine:
//
//	waiting → assigned → (assignment) active → completed
//	waiting → rejected (declined | expired | superseded)
//
// One engine holds a lease in the election bucket and runs the background
// work: expiring stale requests, dispatching the queue when Dispatch.Enabled
// is set, marking silent operators offline and reconciling load counters.
//
// Collaborators are injected as options: WithHandoff tells the chat transport
// which pairs are live, WithNotifier sends customer and operator
// notifications, and WithJournal records an audit trail. The chatrouted
// daemon can also consume message activity from a JetStream stream and apply
// it through RecordActivityAt.
package chatroute
