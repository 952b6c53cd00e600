package types

import "time"

// AssignmentStatus is the state of a ChatAssignment.
type AssignmentStatus string

// Assignment states. Pending is reserved; claims create assignments directly as active.
const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
)

// IsLive reports whether the assignment still occupies the customer and the operator.
func (s AssignmentStatus) IsLive() bool {
	return s == AssignmentPending || s == AssignmentActive
}

// Party identifies who ended a chat.
type Party string

// Parties that can end a chat.
const (
	PartyCustomer Party = "customer"
	PartyOperator Party = "operator"
	PartySystem   Party = "system"
)

// ChatAssignment pairs one customer with one operator for the lifetime of a chat.
//
// It references the ChatRequest it fulfilled and the operator whose ActiveChats it
// incremented. Completing an assignment decrements that load exactly once.
type ChatAssignment struct {
	ID            string           `json:"id"`
	RequestID     string           `json:"requestId"`
	CustomerID    string           `json:"customerId"`
	CustomerName  string           `json:"customerName"`
	OperatorID    string           `json:"operatorId"`
	OperatorName  string           `json:"operatorName"`
	Status        AssignmentStatus `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	AcceptedAt    *time.Time       `json:"acceptedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	EndedBy       Party            `json:"endedBy,omitempty"`
}

// LastActivity returns LastMessageAt, falling back to CreatedAt.
func (a ChatAssignment) LastActivity() time.Time {
	if a.LastMessageAt != nil {
		return *a.LastMessageAt
	}

	return a.CreatedAt
}

// CustomerRecord tracks a customer's most recent request and live assignment.
//
// Every claim updates it with compare-and-swap, which serializes claims per customer
// and enforces at most one live assignment per customer.
type CustomerRecord struct {
	CustomerID         string `json:"customerId"`
	LatestRequestID    string `json:"latestRequestId,omitempty"`
	ActiveAssignmentID string `json:"activeAssignmentId,omitempty"`
}

// CustomerView is the customer's own slice of routing state.
type CustomerView struct {
	CustomerID string          `json:"customerId"`
	Request    *ChatRequest    `json:"request,omitempty"`
	Assignment *ChatAssignment `json:"assignment,omitempty"`
}
