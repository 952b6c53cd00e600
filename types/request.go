package types

import "time"

// RequestStatus is the state of a ChatRequest.
type RequestStatus string

// Request states. Assigned and rejected are terminal.
const (
	RequestWaiting  RequestStatus = "waiting"
	RequestAssigned RequestStatus = "assigned"
	RequestRejected RequestStatus = "rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestAssigned || s == RequestRejected
}

// RejectReason records why a request was rejected.
type RejectReason string

// Reject reasons.
const (
	RejectNone     RejectReason = ""
	RejectDeclined RejectReason = "declined"
	RejectExpired  RejectReason = "expired"
)

// ChatRequest is a customer's request for an operator.
//
// A request leaves waiting at most once; assigned and rejected records are immutable.
// Requests are never deleted, only superseded by a newer request from the same customer.
type ChatRequest struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customerId"`
	CustomerName       string        `json:"customerName"`
	Message            string        `json:"message"`
	Status             RequestStatus `json:"status"`
	CreatedAt          time.Time     `json:"createdAt"`
	AssignedOperatorID string        `json:"assignedOperatorId,omitempty"`
	AssignedAt         *time.Time    `json:"assignedAt,omitempty"`
	RejectReason       RejectReason  `json:"rejectReason,omitempty"`
	ResolvedAt         *time.Time    `json:"resolvedAt,omitempty"`
}

// IsWaiting reports whether the request can still be claimed.
func (r ChatRequest) IsWaiting() bool {
	return r.Status == RequestWaiting
}
