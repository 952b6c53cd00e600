package chatroute

import (
	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/types"
)

// Re-export types from the types package.
//
// Internal packages depend on types, not on the root package, which avoids
// import cycles while still offering chatroute.ChatRequest and friends.
type (
	OperatorStatus   = types.OperatorStatus
	StatusUpdate     = types.StatusUpdate
	ChatRequest      = types.ChatRequest
	ChatAssignment   = types.ChatAssignment
	CustomerView     = types.CustomerView
	RequestStatus    = types.RequestStatus
	RejectReason     = types.RejectReason
	AssignmentStatus = types.AssignmentStatus
	Party            = types.Party
	JournalEvent     = types.JournalEvent
)

// Re-export interfaces from the types package for convenience.
type (
	StateStore         = types.StateStore
	KeyValue           = types.KeyValue
	SelectionStrategy  = types.SelectionStrategy
	ElectionAgent      = types.ElectionAgent
	TransportHandoff   = types.TransportHandoff
	NotificationSender = types.NotificationSender
	Journal            = types.Journal
	MetricsCollector   = types.MetricsCollector
	Logger             = types.Logger
	Hooks              = types.Hooks
)

// Subscription is a coalescing stream of snapshots.
//
// C delivers the newest snapshot; intermediate ones a slow reader missed are
// dropped. The channel is closed when the subscription's context ends, Close
// is called, or the engine stops.
type Subscription[T any] = fanout.Subscription[T]

// Re-export status constants.
const (
	RequestWaiting  = types.RequestWaiting
	RequestAssigned = types.RequestAssigned
	RequestRejected = types.RequestRejected

	AssignmentActive    = types.AssignmentActive
	AssignmentCompleted = types.AssignmentCompleted

	PartyCustomer = types.PartyCustomer
	PartyOperator = types.PartyOperator
	PartySystem   = types.PartySystem
)
