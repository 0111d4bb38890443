package domain

import "time"

// MessageType classifies a coordination message.
type MessageType string

const (
	MessageInfo         MessageType = "info"
	MessageWarning      MessageType = "warning"
	MessageCoordination MessageType = "coordination"
	MessageOptimization MessageType = "optimization"
)

// Priority orders coordination messages by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is an addressed note one principal leaves for the other. Created
// once by the sender; only the receiver mutates it, and only the Read flag.
type Message struct {
	ID        string
	From      string
	To        string
	Type      MessageType
	Priority  Priority
	Title     string
	Body      string
	Metadata  map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
	Read      bool
}

// Expired reports whether the message is past its expiry at the given time.
// A zero ExpiresAt never expires.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}
