// Package presence maintains and publishes one user's online/away/offline
// status on a timer and on visibility changes.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink-backend/internal/domain"
	"peerlink-backend/pkg/metrics"
)

// DefaultInterval is how often the tracker re-asserts its current status.
const DefaultInterval = 2 * time.Minute

// DefaultWriteTimeout bounds one presence write.
const DefaultWriteTimeout = 3 * time.Second

// Store persists presence records. Upserts are last-write-wins; only the
// owning tracker writes its user's record.
type Store interface {
	Upsert(ctx context.Context, record *domain.PresenceRecord) error
}

// Tracker publishes one user's presence. All writes are fire-and-forget:
// they queue onto a worker goroutine, failures are logged and never surfaced,
// and a missed write is superseded by the next periodic tick.
type Tracker struct {
	store        Store
	userID       uuid.UUID
	interval     time.Duration
	writeTimeout time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	visible bool

	writes chan domain.PresenceStatus
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval overrides the periodic re-assert interval.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithWriteTimeout overrides the per-write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.writeTimeout = d }
}

// NewTracker creates a tracker for userID backed by store.
func NewTracker(store Store, userID uuid.UUID, log *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:        store,
		userID:       userID,
		interval:     DefaultInterval,
		writeTimeout: DefaultWriteTimeout,
		log:          log,
		visible:      true,
		writes:       make(chan domain.PresenceStatus, 8),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start asserts Online immediately and begins the periodic refresh.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writeLoop()
	go t.tickLoop()

	t.enqueue(domain.PresenceOnline)
}

// SetVisible flips the tracker between Online and Away as the host context
// gains or loses foreground visibility.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.visible = visible
	t.mu.Unlock()

	if visible {
		t.enqueue(domain.PresenceOnline)
	} else {
		t.enqueue(domain.PresenceAway)
	}
}

// Stop cancels the timer, stops accepting status changes and asserts Offline.
// Idempotent; it must run on every teardown path, so callers defer it.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.stopped = true
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	// Final write happens inline so Offline lands before Stop returns.
	t.write(domain.PresenceOffline)
}

func (t *Tracker) tickLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			visible := t.visible
			t.mu.Unlock()
			if visible {
				t.enqueue(domain.PresenceOnline)
			} else {
				t.enqueue(domain.PresenceAway)
			}
		}
	}
}

func (t *Tracker) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case status := <-t.writes:
			t.write(status)
		}
	}
}

// enqueue hands a status to the write loop without blocking. A full queue
// means earlier writes are already stale; the newest status wins.
func (t *Tracker) enqueue(status domain.PresenceStatus) {
	select {
	case t.writes <- status:
	default:
		select {
		case <-t.writes:
		default:
		}
		select {
		case t.writes <- status:
		default:
		}
	}
}

func (t *Tracker) write(status domain.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	record := &domain.PresenceRecord{
		UserID:        t.userID,
		Status:        status,
		LastUpdatedAt: time.Now().UTC(),
	}
	if err := t.store.Upsert(ctx, record); err != nil {
		metrics.PresenceWriteFailuresTotal.Inc()
		t.log.Warn("presence write failed",
			zap.String("user_id", t.userID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	metrics.PresenceWritesTotal.WithLabelValues(string(status)).Inc()
}
