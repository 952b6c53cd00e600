// Package notify renders and delivers customer and operator notifications.
//
// Notification content is a closed set of templates. Each template is a Go
// type implementing Template; Render turns it into a types.Notification for a
// types.NotificationSender.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/chatroute/types"
)

// Kind identifies a notification template.
type Kind string

// Template kinds.
const (
	KindOperatorAssigned Kind = "operator_assigned"
	KindChatEnded        Kind = "chat_ended"
	KindRequestExpired   Kind = "request_expired"
	KindRequestDeclined  Kind = "request_declined"
)

// Template is one of OperatorAssigned, ChatEnded, RequestExpired or RequestDeclined.
//
// The interface is sealed: only this package defines templates.
type Template interface {
	Kind() Kind
	sealed()
}

// OperatorAssigned tells a customer which operator took the chat.
type OperatorAssigned struct {
	CustomerID   string
	CustomerName string
	OperatorID   string
	OperatorName string
	AssignmentID string
}

// ChatEnded tells the other party that a chat was closed.
type ChatEnded struct {
	Recipient    string
	AssignmentID string
	EndedBy      types.Party
}

// RequestExpired tells a customer nobody picked up in time.
type RequestExpired struct {
	CustomerID string
	RequestID  string
	Waited     time.Duration
}

// RequestDeclined tells a customer the request was declined.
type RequestDeclined struct {
	CustomerID string
	RequestID  string
}

// Kind returns KindOperatorAssigned.
func (OperatorAssigned) Kind() Kind { return KindOperatorAssigned }

// Kind returns KindChatEnded.
func (ChatEnded) Kind() Kind { return KindChatEnded }

// Kind returns KindRequestExpired.
func (RequestExpired) Kind() Kind { return KindRequestExpired }

// Kind returns KindRequestDeclined.
func (RequestDeclined) Kind() Kind { return KindRequestDeclined }

func (OperatorAssigned) sealed() {}
func (ChatEnded) sealed()        {}
func (RequestExpired) sealed()   {}
func (RequestDeclined) sealed()  {}

// Render builds the notification for a template.
//
// Parameters:
//   - t: Template value
//   - now: Creation timestamp
//
// Returns:
//   - types.Notification: Rendered notification with a fresh ID
func Render(t Template, now time.Time) types.Notification {
	n := types.Notification{
		ID:        uuid.NewString(),
		Kind:      string(t.Kind()),
		CreatedAt: now.UTC(),
	}

	switch v := t.(type) {
	case OperatorAssigned:
		name := v.OperatorName
		if name == "" {
			name = "An operator"
		}
		n.Recipient = v.CustomerID
		n.Subject = "You are now connected"
		n.Body = fmt.Sprintf("%s has joined your chat.", name)
		n.Data = map[string]string{"assignmentId": v.AssignmentID, "operatorId": v.OperatorID}
	case ChatEnded:
		n.Recipient = v.Recipient
		n.Subject = "Chat ended"
		n.Body = fmt.Sprintf("The chat was ended by the %s.", v.EndedBy)
		n.Data = map[string]string{"assignmentId": v.AssignmentID, "endedBy": string(v.EndedBy)}
	case RequestExpired:
		n.Recipient = v.CustomerID
		n.Subject = "No operator available"
		n.Body = fmt.Sprintf("Nobody was available after %s. Please try again.", v.Waited.Round(time.Second))
		n.Data = map[string]string{"requestId": v.RequestID}
	case RequestDeclined:
		n.Recipient = v.CustomerID
		n.Subject = "Request declined"
		n.Body = "Your chat request was declined. You can send a new one at any time."
		n.Data = map[string]string{"requestId": v.RequestID}
	default:
		panic(fmt.Sprintf("notify: unhandled template %T", t))
	}

	return n
}
