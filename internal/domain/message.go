package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message types stored in the message_type column.
// MessageTypeCallSignal is reserved for call signaling envelopes riding on
// the chat transport; chat clients filter it out of rendered history.
const (
	MessageTypeText       = "text"
	MessageTypeImage      = "image"
	MessageTypeVideo      = "video"
	MessageTypeFile       = "file"
	MessageTypeCallSignal = "call_signal"
)

// Message represents a chat message entity.
// Maps to the Cassandra messages table. Signaling envelopes are carried as
// ordinary rows with Content holding the serialized envelope.
type Message struct {
	MessageID      uuid.UUID `json:"message_id" cql:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id" cql:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id" cql:"sender_id"`
	Content        string    `json:"content" cql:"content"`
	MessageType    string    `json:"message_type" cql:"message_type"`
	Bucket         int       `json:"-" cql:"bucket"`
	CreatedAt      time.Time `json:"created_at" cql:"created_at"`
}

// CalculateBucket maps a timestamp to its daily partition bucket.
// Messages within the same conversation and day share a Cassandra partition.
func CalculateBucket(t time.Time) int {
	return int(t.UTC().Unix() / 86400)
}
