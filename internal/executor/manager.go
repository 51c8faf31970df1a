// Package executor drives dispatch sessions: it owns the per-session send
// loop, the pause/resume/stop control surface, checkpointing, and the
// completion grace window for queued retries. One process-wide Manager
// enforces the parallel session cap and the session lease.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/compliance"
	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/events"
	"github.com/ignite/smscast/internal/ratelimit"
	"github.com/ignite/smscast/internal/retry"
	"github.com/ignite/smscast/internal/store"
	"github.com/ignite/smscast/internal/template"
	"github.com/ignite/smscast/internal/tracker"
	"github.com/ignite/smscast/internal/transport"
)

// Store is the persistence surface the executor needs.
type Store interface {
	LoadSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	LoadActiveSession(ctx context.Context) (*domain.Session, error)
	Checkpoint(ctx context.Context, id uuid.UUID, cp domain.Checkpoint) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error

	AcquireLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sessionID uuid.UUID, ownerID string) error

	InsertOutbound(ctx context.Context, m *domain.OutboundMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error
	ReclaimStuck(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager starts and controls session runs.
type Manager struct {
	store    Store
	gate     *compliance.Gate
	renderer *template.Renderer
	limiter  *ratelimit.Limiter
	retries  *retry.Queue
	tracker  *tracker.Tracker
	tp       transport.Transport
	bus      *events.Bus
	cfg      config.DispatchConfig
	ownerID  string

	mu      sync.Mutex
	runs    map[uuid.UUID]*run
	sem     chan struct{}
	wg      sync.WaitGroup
	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewManager wires the executor. ownerID identifies this process in the
// lease table; empty derives one from the hostname and pid.
func NewManager(
	store Store,
	gate *compliance.Gate,
	renderer *template.Renderer,
	limiter *ratelimit.Limiter,
	retries *retry.Queue,
	trk *tracker.Tracker,
	tp transport.Transport,
	bus *events.Bus,
	cfg config.DispatchConfig,
	ownerID string,
) *Manager {
	if ownerID == "" {
		host, _ := os.Hostname()
		ownerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	parallel := cfg.MaxParallelSessions
	if parallel <= 0 {
		parallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		gate:     gate,
		renderer: renderer,
		limiter:  limiter,
		retries:  retries,
		tracker:  trk,
		tp:       tp,
		bus:      bus,
		cfg:      cfg,
		ownerID:  ownerID,
		runs:     make(map[uuid.UUID]*run),
		sem:      make(chan struct{}, parallel),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// OwnerID returns the lease owner identity of this manager.
func (m *Manager) OwnerID() string { return m.ownerID }

// Start begins (or resumes) sending a session. It validates the session,
// takes the lease, moves the session to sending, and launches the run loop.
// Returns an error when the session is already running here, held elsewhere,
// or not in a startable state.
func (m *Manager) Start(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	if _, running := m.runs[sessionID]; running {
		m.mu.Unlock()
		return domain.NewError(domain.CodeInvalidInput, "session %s is already running", sessionID)
	}
	m.mu.Unlock()

	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	switch sess.Status {
	case domain.SessionReady, domain.SessionScheduled, domain.SessionPaused, domain.SessionStopped:
		// startable
	default:
		return domain.NewError(domain.CodeInvalidInput,
			"session %s cannot start from status %s", sessionID, sess.Status)
	}
	if sess.LastProcessedIndex >= len(sess.Recipients) && sess.Status != domain.SessionPaused {
		return domain.NewError(domain.CodeInvalidInput, "session %s has no recipients left", sessionID)
	}

	ok, err := m.store.AcquireLease(ctx, sessionID, m.ownerID, m.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.CodeLeaseHeld, "session %s is leased by another worker", sessionID)
	}

	old := sess.Status
	sess.Status = domain.SessionSending
	if err := m.store.SetStatus(ctx, sessionID, domain.SessionSending); err != nil {
		_ = m.store.ReleaseLease(ctx, sessionID, m.ownerID)
		return err
	}
	m.bus.PublishStateChange(sessionID, old, domain.SessionSending)

	r := newRun(m, sess)
	runCtx, cancelRun := context.WithCancel(m.rootCtx)
	r.cancel = cancelRun
	m.mu.Lock()
	m.runs[sessionID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelRun()
		m.sem <- struct{}{}
		defer func() { <-m.sem }()

		r.loop(runCtx)

		m.mu.Lock()
		delete(m.runs, sessionID)
		m.mu.Unlock()
	}()

	log.Printf("[Executor] Session %s started (%d recipients, resume at %d)",
		sessionID, len(sess.Recipients), sess.LastProcessedIndex)
	return nil
}

// Pause suspends a running session, interrupting any rate-limit wait or
// pacing sleep in progress. The checkpoint and queued retries survive;
// Resume picks up where it left off.
func (m *Manager) Pause(sessionID uuid.UUID) error {
	r, err := m.running(sessionID)
	if err != nil {
		return err
	}
	r.signal(ctrlPause)
	return nil
}

// Resume restarts a paused session. Identical to Start; the run loop resumes
// from the persisted checkpoint.
func (m *Manager) Resume(ctx context.Context, sessionID uuid.UUID) error {
	return m.Start(ctx, sessionID)
}

// Stop terminates a session permanently. Queued retries for the session are
// purged; the checkpoint survives for a later explicit restart.
func (m *Manager) Stop(sessionID uuid.UUID) error {
	r, err := m.running(sessionID)
	if err != nil {
		return err
	}
	r.signal(ctrlStop)
	return nil
}

// ResumeActive restarts the session that was mid-send when the process died,
// if any. Called once at startup, after stuck-message recovery.
func (m *Manager) ResumeActive(ctx context.Context) error {
	sess, err := m.store.LoadActiveSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess == nil || sess.Status != domain.SessionSending {
		return nil
	}
	log.Printf("[Executor] Resuming interrupted session %s at index %d", sess.ID, sess.LastProcessedIndex)
	return m.Start(ctx, sess.ID)
}

// Shutdown stops all runs cooperatively and waits for them to checkpoint.
// Sessions remain in status sending and are resumed on the next start.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	log.Printf("[Executor] Shutdown complete")
}

// Running reports whether a session run is active in this process.
func (m *Manager) Running(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[sessionID]
	return ok
}

func (m *Manager) running(sessionID uuid.UUID) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[sessionID]
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidInput, "session %s is not running", sessionID)
	}
	return r, nil
}
