package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Event reports a message exchanged on an active assignment.
type Event struct {
	AssignmentID string    `json:"assignmentId"`
	At           time.Time `json:"at"`
}

// Subject returns the subject an event for assignmentID is published on.
func Subject(prefix, assignmentID string) string {
	return prefix + "." + subjectToken(assignmentID)
}

// Publish sends an activity event to the stream.
//
// Example:
//
//	err := activity.Publish(ctx, js, activity.DefaultSubjectPrefix, activity.Event{
//	    AssignmentID: a.ID,
//	    At:           time.Now(),
//	})
func Publish(ctx context.Context, js jetstream.JetStream, prefix string, ev Event) error {
	if ev.AssignmentID == "" {
		return fmt.Errorf("%w: assignment ID is required", ErrInvalidEvent)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal activity event: %w", err)
	}
	if _, err := js.Publish(ctx, Subject(prefix, ev.AssignmentID), data); err != nil {
		return fmt.Errorf("publish activity event: %w", err)
	}

	return nil
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.AssignmentID == "" {
		return ev, fmt.Errorf("%w: assignment ID is required", ErrInvalidEvent)
	}

	return ev, nil
}

// subjectToken replaces characters NATS does not allow inside a subject token.
func subjectToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '.' || r == '*' || r == '>' || r <= ' ' || r == 127 {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}
