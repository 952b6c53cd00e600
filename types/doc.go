// Package types provides core type definitions and interfaces for the chatroute engine.
//
// This package contains the records, collaborator interfaces and sentinel errors shared
// by the root chatroute package and its internal implementations. Keeping them here
// avoids import cycles between the engine and its components.
//
// Key types:
//   - OperatorStatus: Operator availability and load
//   - ChatRequest: A customer's request waiting for an operator
//   - ChatAssignment: An operator/customer pairing
//   - CustomerRecord: Per-customer anchor for latest request and live assignment
//   - StateStore, KeyValue: Watchable compare-and-swap key-value store
//   - SelectionStrategy: Operator selection policy
//   - Logger, MetricsCollector, Hooks: Ambient collaborators
package types
