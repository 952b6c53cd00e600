package types

import (
	"context"
	"time"
)

// HandoffKind identifies a transport handoff event.
type HandoffKind string

// Handoff kinds.
const (
	HandoffActivated HandoffKind = "activated"
	HandoffEnded     HandoffKind = "ended"
)

// HandoffEvent is handed to the message transport when a pairing starts or ends.
type HandoffEvent struct {
	Kind         HandoffKind `json:"kind"`
	AssignmentID string      `json:"assignmentId"`
	CustomerID   string      `json:"customerId"`
	OperatorID   string      `json:"operatorId"`
	At           time.Time   `json:"at"`
}

// TransportHandoff is the outbound boundary to the chat message transport.
//
// The engine never inspects message content; it only tells the transport which
// (customer, operator) pair is live. Handoff failures are logged, not propagated,
// because the assignment is already committed.
type TransportHandoff interface {
	Handoff(ctx context.Context, event HandoffEvent) error
}

// Notification is a rendered outbound notification (email/push collaborator).
type Notification struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NotificationSender delivers rendered notifications.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// JournalEventType identifies a lifecycle journal record.
type JournalEventType string

// Journal event types.
const (
	JournalRequested JournalEventType = "requested"
	JournalAssigned  JournalEventType = "assigned"
	JournalDeclined  JournalEventType = "declined"
	JournalExpired   JournalEventType = "expired"
	JournalEnded     JournalEventType = "ended"
	JournalOrphaned  JournalEventType = "orphaned"
)

// JournalEvent is one append-only lifecycle record.
type JournalEvent struct {
	Type         JournalEventType `json:"type"`
	CustomerID   string           `json:"customerId"`
	RequestID    string           `json:"requestId,omitempty"`
	AssignmentID string           `json:"assignmentId,omitempty"`
	OperatorID   string           `json:"operatorId,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	At           time.Time        `json:"at"`
}

// Journal records lifecycle transitions for audit.
type Journal interface {
	Append(ctx context.Context, event JournalEvent) error
	History(ctx context.Context, customerID string, limit int) ([]JournalEvent, error)
}
