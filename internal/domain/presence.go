package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is a user's best-effort availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is one user's current presence, updated in place.
// Only the owning user's tracker ever writes it; upserts are idempotent and
// last-write-wins, so repeated Online writes just refresh LastUpdatedAt.
type PresenceRecord struct {
	UserID        uuid.UUID      `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}
