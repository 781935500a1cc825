package reconciler

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the reconciled transcript.
//
// Content grows while streaming fragments arrive. Once IsComplete is set the content is
// frozen against delta events.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ItemID     string    `json:"itemId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsComplete bool      `json:"isComplete,omitempty"`
}

// InProgress reports whether m is an untagged, still-streaming message.
func (m Message) InProgress() bool {
	return m.ItemID == "" && !m.IsComplete
}

// CloneMessages returns a copy that callers may keep or mutate.
func CloneMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
