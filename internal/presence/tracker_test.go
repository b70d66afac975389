package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink-backend/internal/domain"
)

type recordingStore struct {
	mu      sync.Mutex
	records []*domain.PresenceRecord
	err     error
}

func (s *recordingStore) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingStore) statuses() []domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PresenceStatus, len(s.records))
	for i, r := range s.records {
		out[i] = r.Status
	}
	return out
}

func (s *recordingStore) last() domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return ""
	}
	return s.records[len(s.records)-1].Status
}

func waitForStatus(t *testing.T, store *recordingStore, want domain.PresenceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, status := range store.statuses() {
			if status == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "status %q never written", want)
}

func TestTrackerAssertsOnlineOnStart(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop())

	tracker.Start()
	defer tracker.Stop()

	waitForStatus(t, store, domain.PresenceOnline)
}

func TestTrackerFollowsVisibility(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop())

	tracker.Start()
	defer tracker.Stop()
	waitForStatus(t, store, domain.PresenceOnline)

	tracker.SetVisible(false)
	waitForStatus(t, store, domain.PresenceAway)

	tracker.SetVisible(true)
	require.Eventually(t, func() bool {
		return store.last() == domain.PresenceOnline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackerReassertsOnInterval(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop(), WithInterval(20*time.Millisecond))

	tracker.Start()
	defer tracker.Stop()

	require.Eventually(t, func() bool {
		count := 0
		for _, status := range store.statuses() {
			if status == domain.PresenceOnline {
				count++
			}
		}
		return count >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackerTickRespectsVisibility(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop(), WithInterval(20*time.Millisecond))

	tracker.Start()
	defer tracker.Stop()
	waitForStatus(t, store, domain.PresenceOnline)

	tracker.SetVisible(false)
	waitForStatus(t, store, domain.PresenceAway)

	// Subsequent ticks keep asserting Away, not Online.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.PresenceAway, store.last())
}

func TestTrackerStopWritesOfflineSynchronously(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop())

	tracker.Start()
	waitForStatus(t, store, domain.PresenceOnline)

	tracker.Stop()
	assert.Equal(t, domain.PresenceOffline, store.last())
}

func TestTrackerStopIsIdempotent(t *testing.T) {
	store := &recordingStore{}
	tracker := NewTracker(store, uuid.New(), zap.NewNop())

	tracker.Start()
	tracker.Stop()
	offlineCount := func() int {
		count := 0
		for _, status := range store.statuses() {
			if status == domain.PresenceOffline {
				count++
			}
		}
		return count
	}
	first := offlineCount()

	tracker.Stop()
	assert.Equal(t, first, offlineCount())

	// Status changes after Stop are ignored.
	tracker.SetVisible(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.PresenceOffline, store.last())
}

func TestTrackerSurvivesStoreFailures(t *testing.T) {
	store := &recordingStore{err: errors.New("redis down")}
	tracker := NewTracker(store, uuid.New(), zap.NewNop(), WithInterval(20*time.Millisecond))

	tracker.Start()
	time.Sleep(80 * time.Millisecond)

	// Failures are swallowed; recovery resumes writes.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	waitForStatus(t, store, domain.PresenceOnline)
	tracker.Stop()
	assert.Equal(t, domain.PresenceOffline, store.last())
}
