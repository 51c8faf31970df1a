// Package scheduler fires sessions whose scheduled send time has arrived.
// A poll loop queries due sessions and hands them to the executor; a
// distributed lock keeps multiple workers from double-firing the same poll.
// Fire times missed while the process was down satisfy the same predicate
// and fire on the first poll after startup.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/pkg/distlock"
)

// Store lists sessions whose fire time has arrived.
type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Starter launches a session run. Implemented by the executor manager.
type Starter interface {
	Start(ctx context.Context, sessionID uuid.UUID) error
}

// Scheduler polls for due sessions.
type Scheduler struct {
	store    Store
	starter  Starter
	lock     distlock.DistLock
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool

	now func() time.Time
}

// New creates a scheduler. lock may be nil in single-worker deployments.
func New(store Store, starter Starter, lock distlock.DistLock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		starter:  starter,
		lock:     lock,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start launches the poll loop. The first poll runs immediately so missed
// fire times recover without waiting a full interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()
	log.Printf("[Scheduler] Started (poll every %s)", s.interval)
}

// Stop terminates the poll loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.Poll(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Poll(s.ctx)
		}
	}
}

// Poll fires every due session once. Exported so tests can drive it without
// the ticker.
func (s *Scheduler) Poll(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Scheduler] Lock acquire: %v", err)
			return
		}
		if !ok {
			return // another worker is polling
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				log.Printf("[Scheduler] Lock release: %v", err)
			}
		}()
	}

	due, err := s.store.ListDueScheduled(ctx, s.now())
	if err != nil {
		log.Printf("[Scheduler] List due: %v", err)
		return
	}

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.starter.Start(ctx, id); err != nil {
			// A lease held elsewhere means someone beat us to it; anything
			// else is worth surfacing.
			if domain.CodeOf(err) == domain.CodeLeaseHeld {
				continue
			}
			log.Printf("[Scheduler] Fire session %s: %v", id, err)
			continue
		}
		log.Printf("[Scheduler] Fired scheduled session %s", id)
	}
}
