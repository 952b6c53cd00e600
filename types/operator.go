package types

import "time"

// OperatorStatus is the registry record of a single operator.
//
// IsOnline, IsAvailable, MaxChats and Name are owned by the operator registry and
// written from status reports. ActiveChats is written only by the lifecycle manager
// through load adjustments.
type OperatorStatus struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsOnline     bool      `json:"isOnline"`
	IsAvailable  bool      `json:"isAvailable"`
	ActiveChats  int       `json:"activeChats"`
	MaxChats     int       `json:"maxChats"`
	LastSeen     time.Time `json:"lastSeen"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// IsAssignable reports whether the operator can take one more chat right now.
//
// Returns:
//   - bool: true when online, available and below capacity
func (o OperatorStatus) IsAssignable() bool {
	return o.IsOnline && o.IsAvailable && o.ActiveChats < o.MaxChats
}

// Utilization returns ActiveChats/MaxChats, or 1 when MaxChats is not positive.
func (o OperatorStatus) Utilization() float64 {
	if o.MaxChats <= 0 {
		return 1
	}

	return float64(o.ActiveChats) / float64(o.MaxChats)
}

// StatusUpdate carries the operator-owned fields of a status report.
//
// Nil fields are left unchanged. LastSeen is always refreshed.
type StatusUpdate struct {
	Name        *string `json:"name,omitempty"`
	IsOnline    *bool   `json:"isOnline,omitempty"`
	IsAvailable *bool   `json:"isAvailable,omitempty"`
	MaxChats    *int    `json:"maxChats,omitempty"`
}

// Online returns a StatusUpdate that only sets IsOnline.
func Online(online bool) StatusUpdate {
	return StatusUpdate{IsOnline: &online}
}
