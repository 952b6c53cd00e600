// Package strategy provides built-in operator selection strategies.
//
// A selection strategy picks the operator for a new chat from a registry
// snapshot. The package includes three built-in strategies:
//
//   - LeastLoaded: fewest active chats wins (default)
//   - LeastUtilized: lowest ActiveChats/MaxChats ratio wins
//   - Affinity: a customer keeps reaching the same operator
//
// # Strategy Selection Guide
//
// LeastLoaded:
//   - Use when operators have similar capacities
//   - Spreads chats evenly by absolute count
//
// LeastUtilized:
//   - Use when capacities differ widely (for example trainees with MaxChats=1
//     next to seniors with MaxChats=8)
//   - Fills operators proportionally to their capacity
//
// Affinity:
//   - Use when returning customers should reach the operator who knows them
//   - Hashes customers onto a ring of operators; falls through to the next
//     operator on the ring when the owner is busy
//
// All strategies consider only assignable operators (online, available and
// below capacity). The load-based ones break ties by snapshot order, which is
// registration order.
// Finding no operator is a normal outcome reported as ok=false.
//
// Excluding wraps any strategy to skip operators that just rejected a claim.
//
// Custom strategies can be implemented by satisfying the types.SelectionStrategy interface.
package strategy
