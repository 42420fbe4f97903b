package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat transcript entry. Immutable once created; the log is
// append-only and cleared only on conversation reset.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(text string, isUser bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		IsUser:    isUser,
		Timestamp: time.Now(),
	}
}
