package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Call outcomes recorded in the call log.
const (
	CallOutcomeCompleted = "completed"
	CallOutcomeMissed    = "missed"
	CallOutcomeRejected  = "rejected"
	CallOutcomeFailed    = "failed"
)

// Call kinds.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Call represents one call attempt in the call log.
// Maps to the CockroachDB calls table. One row is written per attempt and
// finalized on the terminal transition, whatever it was.
type Call struct {
	CallID         uuid.UUID  `json:"call_id" db:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id" db:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id" db:"caller_id"`
	CalleeID       *uuid.UUID `json:"callee_id,omitempty" db:"callee_id"`
	CallType       string     `json:"call_type" db:"call_type"`
	Outcome        string     `json:"outcome" db:"outcome"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Duration       int        `json:"duration,omitempty" db:"duration"` // seconds
}

// CallLink is a shareable slug resolving to a call entry point. Settings is
// an opaque JSON blob the creator chose; clients interpret it.
type CallLink struct {
	LinkID    uuid.UUID       `json:"link_id" db:"link_id"`
	Slug      string          `json:"slug" db:"slug"`
	CreatorID uuid.UUID       `json:"creator_id" db:"creator_id"`
	Settings  json.RawMessage `json:"settings" db:"settings"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
