// Package redis holds the Redis-backed repositories. Presence lives here:
// it is soft state that expires on its own when a client stops refreshing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"peerlink-backend/internal/database"
	"peerlink-backend/internal/domain"
)

// presenceTTL outlives the tracker's refresh interval with headroom, so a
// crashed client decays to offline without an explicit write.
const presenceTTL = 5 * time.Minute

// PresenceRepository stores per-user presence records with a TTL plus a set
// of currently-online users for listing. Implements presence.Store.
type PresenceRepository struct {
	client *database.RedisClient
}

func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

const onlineSetKey = "presence:online"

// Upsert replaces the user's presence record. Offline deletes the record
// instead of storing it; the TTL handles clients that never say goodbye.
func (r *PresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	key := presenceKey(record.UserID)

	if record.Status == domain.PresenceOffline {
		if err := r.client.SafeDel(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear presence: %w", err)
		}
		if err := r.client.SafeSRem(ctx, onlineSetKey, record.UserID.String()).Err(); err != nil {
			return fmt.Errorf("failed to leave online set: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode presence record: %w", err)
	}
	if err := r.client.SafeSet(ctx, key, payload, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}

	switch record.Status {
	case domain.PresenceOnline:
		err = r.client.SafeSAdd(ctx, onlineSetKey, record.UserID.String()).Err()
	case domain.PresenceAway:
		err = r.client.SafeSRem(ctx, onlineSetKey, record.UserID.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update online set: %w", err)
	}
	return nil
}

// Get returns the user's presence, or an offline record if none is stored.
func (r *PresenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.PresenceRecord, error) {
	payload, err := r.client.SafeGet(ctx, presenceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return &domain.PresenceRecord{UserID: userID, Status: domain.PresenceOffline}, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	record := &domain.PresenceRecord{}
	if err := json.Unmarshal([]byte(payload), record); err != nil {
		return nil, fmt.Errorf("failed to decode presence record: %w", err)
	}
	return record, nil
}

// OnlineUsers lists currently-online user IDs.
func (r *PresenceRepository) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	users := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		userID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		users = append(users, userID)
	}
	return users, nil
}

// OnlineCount returns the number of online users.
func (r *PresenceRepository) OnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// IsDegraded reports whether Redis is currently unavailable.
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
