package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/smscast/internal/compliance"
	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/events"
	"github.com/ignite/smscast/internal/ratelimit"
	"github.com/ignite/smscast/internal/retry"
	"github.com/ignite/smscast/internal/template"
	"github.com/ignite/smscast/internal/tracker"
	"github.com/ignite/smscast/internal/transport"
)

// memStore is an in-memory stand-in for the persistence layer, shared by the
// executor, retry queue, tracker, and compliance gate in these tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	outbound map[uuid.UUID]*domain.OutboundMessage
	leases   map[uuid.UUID]string
	optouts  map[string]string

	failCheckpoints bool // mid-run checkpoints only; terminal ones land
	failInserts     bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*domain.Session),
		outbound: make(map[uuid.UUID]*domain.OutboundMessage),
		leases:   make(map[uuid.UUID]string),
		optouts:  make(map[string]string),
	}
}

func (m *memStore) put(sess *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
}

func (m *memStore) session(id uuid.UUID) domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memStore) LoadSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewError(domain.CodeStorageRead, "session %s not found", id)
	}
	cp := *sess
	cp.Recipients = append([]domain.Recipient(nil), sess.Recipients...)
	return &cp, nil
}

func (m *memStore) LoadActiveSession(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.Status.IsActive() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, domain.NewError(domain.CodeStorageRead, "no active session")
}

func (m *memStore) failWrites(checkpoints, inserts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCheckpoints = checkpoints
	m.failInserts = inserts
}

func (m *memStore) Checkpoint(ctx context.Context, id uuid.UUID, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCheckpoints && cp.Status == domain.SessionSending {
		return domain.NewError(domain.CodeStorageWrite, "disk full")
	}
	sess := m.sessions[id]
	sess.LastProcessedIndex = cp.LastProcessedIndex
	sess.SentCount = cp.SentCount
	sess.FailedCount = cp.FailedCount
	sess.SkippedCount = cp.SkippedCount
	sess.Status = cp.Status
	return nil
}

func (m *memStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id].Status = status
	return nil
}

func (m *memStore) AcquireLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.leases[sessionID]; held && holder != ownerID {
		return false, nil
	}
	m.leases[sessionID] = ownerID
	return true, nil
}

func (m *memStore) RenewLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[sessionID] == ownerID, nil
}

func (m *memStore) ReleaseLease(ctx context.Context, sessionID uuid.UUID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[sessionID] == ownerID {
		delete(m.leases, sessionID)
	}
	return nil
}

func (m *memStore) InsertOutbound(ctx context.Context, msg *domain.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts {
		return domain.NewError(domain.CodeStorageWrite, "disk full")
	}
	cp := *msg
	m.outbound[msg.ID] = &cp
	return nil
}

func (m *memStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.setStatus(id, domain.MessageSent, "", "")
}

func (m *memStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, assumed bool) error {
	status := domain.MessageDelivered
	if assumed {
		status = domain.MessageDeliveredAssumed
	}
	return m.setStatus(id, status, "", "")
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	return m.setStatus(id, domain.MessageFailed, code, message)
}

func (m *memStore) MarkExhausted(ctx context.Context, id uuid.UUID, code, message string) error {
	return m.setStatus(id, domain.MessageExhausted, code, message)
}

func (m *memStore) setStatus(id uuid.UUID, status domain.MessageStatus, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.outbound[id]
	if !ok {
		return domain.NewError(domain.CodeStorageWrite, "message %s not found", id)
	}
	msg.Status = status
	if code != "" {
		msg.ErrorCode = code
		msg.ErrorMessage = message
	}
	if status != domain.MessagePendingRetry {
		msg.NextRetryAt = nil
	}
	return nil
}

func (m *memStore) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.outbound[id]
	if !ok {
		return domain.NewError(domain.CodeStorageWrite, "message %s not found", id)
	}
	msg.Status = domain.MessagePendingRetry
	msg.RetryCount = retryCount
	msg.NextRetryAt = &nextRetryAt
	msg.ErrorCode = code
	msg.ErrorMessage = message
	return nil
}

func (m *memStore) DueRetries(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboundMessage
	for _, msg := range m.outbound {
		if msg.SessionID == sessionID && msg.Status == domain.MessagePendingRetry &&
			msg.NextRetryAt != nil && !msg.NextRetryAt.After(now) {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *memStore) PendingRetryCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.outbound {
		if msg.SessionID == sessionID && msg.Status == domain.MessagePendingRetry {
			n++
		}
	}
	return n, nil
}

func (m *memStore) PurgeRetries(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msg := range m.outbound {
		if msg.SessionID == sessionID && msg.Status == domain.MessagePendingRetry {
			delete(m.outbound, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClearExhausted(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msg := range m.outbound {
		if msg.Status == domain.MessageExhausted {
			delete(m.outbound, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReclaimStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.optouts[phone]
	return ok, nil
}

func (m *memStore) AddOptOut(ctx context.Context, phone, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optouts[phone] = reason
	return nil
}

func (m *memStore) messageStatuses(sessionID uuid.UUID) map[domain.MessageStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.MessageStatus]int)
	for _, msg := range m.outbound {
		if msg.SessionID == sessionID {
			counts[msg.Status]++
		}
	}
	return counts
}

// harness bundles a fully wired manager over in-memory infrastructure.
type harness struct {
	store   *memStore
	tp      *transport.Loopback
	manager *Manager
	bus     *events.Bus
}

func newHarness(t *testing.T, mutate func(*config.DispatchConfig)) *harness {
	return newHarnessWithLimits(t, mutate, nil)
}

func newHarnessWithLimits(t *testing.T, mutate func(*config.DispatchConfig), mutateLimits func(*config.RateLimitConfig)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rlCfg := config.RateLimitConfig{
		PerCategory: map[string]config.CategoryLimits{
			"TRANSACTIONAL": {PerSecond: 1000, PerMinute: 10000, PerHour: 100000, PerDay: 1000000},
		},
	}
	if mutateLimits != nil {
		mutateLimits(&rlCfg)
	}
	limiter := ratelimit.New(client, rlCfg)

	st := newMemStore()
	tp := transport.NewLoopback(0)
	t.Cleanup(func() { tp.Close() })

	bus := events.NewBus()
	gate := compliance.NewGate(st, config.ComplianceConfig{DefaultRegion: "KE"}, nil)
	renderer := template.NewRenderer(bus)

	cfg := config.DispatchConfig{
		SendSpeed:            3600 * 1000, // 1ms pace
		AckTimeoutMs:         1000,
		DeliveryTimeoutMs:    60000,
		RetryMaxAttempts:     3,
		RetryBaseMs:          10,
		RetryCapMs:           50,
		MaxParallelSessions:  1,
		CheckpointIntervalMs: 1,
		CheckpointEvery:      1,
		CompletionGraceMs:    3000,
		StatsIntervalMs:      50,
		ProgressIntervalMs:   1,
		SchedulerPollMs:      30000,
		LeaseTTLMs:           60000,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	retries := retry.New(st, cfg.RetryMaxAttempts, cfg.RetryBase(), cfg.RetryCap())

	trk := tracker.New(st, bus, tp.DeliveryReports(), cfg.DeliveryTimeout(), cfg.StatsInterval())
	trk.Start()
	t.Cleanup(trk.Stop)

	manager := NewManager(st, gate, renderer, limiter, retries, trk, tp, bus, cfg, "test-worker")
	t.Cleanup(manager.Shutdown)

	return &harness{store: st, tp: tp, manager: manager, bus: bus}
}

func (h *harness) newSession(phones ...string) *domain.Session {
	recipients := make([]domain.Recipient, len(phones))
	for i, p := range phones {
		recipients[i] = domain.Recipient{Index: i, Phone: p, Name: "R", Fields: map[string]string{}}
	}
	sess := &domain.Session{
		ID:         uuid.New(),
		Category:   domain.CategoryTransactional,
		Template:   "Hello {{name}}",
		Recipients: recipients,
		Status:     domain.SessionReady,
	}
	h.store.put(sess)
	return sess
}

func (h *harness) waitForStatus(t *testing.T, id uuid.UUID, want domain.SessionStatus) domain.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.session(id).Status == want
	}, 10*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return h.store.session(id)
}

func assertCountersSum(t *testing.T, sess domain.Session) {
	t.Helper()
	assert.Equal(t, sess.LastProcessedIndex, sess.SentCount+sess.FailedCount+sess.SkippedCount,
		"counters must sum to the processed index")
}

func TestRunCompletesSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001", "+254700000002", "+254700000003")

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 3, final.SentCount)
	assert.Equal(t, 0, final.FailedCount)
	assert.Equal(t, 0, final.SkippedCount)
	assert.Equal(t, 3, final.LastProcessedIndex)
	assertCountersSum(t, final)

	assert.Len(t, h.tp.Sent(), 3)
	assert.False(t, h.manager.Running(sess.ID))

	h.store.mu.Lock()
	_, leased := h.store.leases[sess.ID]
	h.store.mu.Unlock()
	assert.False(t, leased, "lease must be released")
}

func TestRunSkipsOptedOutRecipient(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001", "+254700000002")
	require.NoError(t, h.store.AddOptOut(context.Background(), "+254700000002", "keyword:STOP"))

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 1, final.SentCount)
	assert.Equal(t, 1, final.SkippedCount)
	assertCountersSum(t, final)
	assert.Len(t, h.tp.Sent(), 1)
}

func TestRunSkipsInvalidNumber(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001", "garbage")

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 1, final.SentCount)
	assert.Equal(t, 1, final.SkippedCount)
	assertCountersSum(t, final)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001")
	h.tp.Script("+254700000001",
		transport.Outcome{OK: false, Class: transport.ClassTransient, ErrorCode: "E_MODEM_BUSY"},
		transport.Outcome{OK: true, Deliver: true},
	)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 1, final.SentCount, "retry success converts the provisional failure")
	assert.Equal(t, 0, final.FailedCount)
	assertCountersSum(t, final)
	assert.Len(t, h.tp.Sent(), 2)
}

func TestRunPermanentFailure(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001")
	h.tp.Script("+254700000001",
		transport.Outcome{OK: false, Class: transport.ClassPermanentOther, ErrorCode: "E_REJECTED"},
	)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 0, final.SentCount)
	assert.Equal(t, 1, final.FailedCount)
	assertCountersSum(t, final)

	counts := h.store.messageStatuses(sess.ID)
	assert.Equal(t, 1, counts[domain.MessageFailed])
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001")
	// Every attempt fails transiently; the budget of 3 attempts runs out.
	h.tp.Script("+254700000001",
		transport.Outcome{OK: false, Class: transport.ClassTransient, ErrorCode: "E_MODEM_BUSY"},
		transport.Outcome{OK: false, Class: transport.ClassTransient, ErrorCode: "E_MODEM_BUSY"},
		transport.Outcome{OK: false, Class: transport.ClassTransient, ErrorCode: "E_MODEM_BUSY"},
	)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 0, final.SentCount)
	assert.Equal(t, 1, final.FailedCount)
	assertCountersSum(t, final)

	counts := h.store.messageStatuses(sess.ID)
	assert.Equal(t, 1, counts[domain.MessageExhausted])
}

func TestStopPurgesRetries(t *testing.T) {
	h := newHarness(t, func(cfg *config.DispatchConfig) {
		cfg.RetryBaseMs = 60000 // retries never come due during the test
		cfg.CompletionGraceMs = 60000
	})
	sess := h.newSession("+254700000001", "+254700000002")
	h.tp.Script("+254700000001",
		transport.Outcome{OK: false, Class: transport.ClassTransient, ErrorCode: "E_MODEM_BUSY"},
	)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	// Both recipients process; the first parks in the retry queue, so the
	// run sits in the completion grace window.
	require.Eventually(t, func() bool {
		counts := h.store.messageStatuses(sess.ID)
		resolved := counts[domain.MessageSent] + counts[domain.MessageDelivered]
		return counts[domain.MessagePendingRetry] == 1 && resolved >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Stop(sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionStopped)
	assertCountersSum(t, final)
	counts := h.store.messageStatuses(sess.ID)
	assert.Equal(t, 0, counts[domain.MessagePendingRetry], "stop purges queued retries")
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, func(cfg *config.DispatchConfig) {
		cfg.SendSpeed = 72000 // 50ms pace so pause lands mid-list
	})
	phones := make([]string, 50)
	for i := range phones {
		phones[i] = "+2547000001" + string(rune('0'+i/10)) + string(rune('0'+i%10))
	}
	sess := h.newSession(phones...)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	require.Eventually(t, func() bool {
		return h.store.session(sess.ID).LastProcessedIndex >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.manager.Pause(sess.ID))

	paused := h.waitForStatus(t, sess.ID, domain.SessionPaused)
	assert.Less(t, paused.LastProcessedIndex, len(phones))
	assertCountersSum(t, paused)
	assert.False(t, h.manager.Running(sess.ID))

	require.NoError(t, h.manager.Resume(context.Background(), sess.ID))
	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, len(phones), final.LastProcessedIndex)
	assert.Equal(t, len(phones), final.SentCount)
	assertCountersSum(t, final)

	// Every recipient was sent exactly once despite the pause.
	assert.Len(t, h.tp.Sent(), len(phones))
}

func TestPauseInterruptsRateLimitWait(t *testing.T) {
	h := newHarnessWithLimits(t, nil, func(rl *config.RateLimitConfig) {
		limits := rl.PerCategory["TRANSACTIONAL"]
		limits.CooldownMs = 60000
		rl.PerCategory["TRANSACTIONAL"] = limits
	})
	// The same number twice: the second send waits out a long cooldown, and
	// pause must cut that wait short instead of sitting it out.
	sess := h.newSession("+254700000001", "+254700000001")

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))
	require.Eventually(t, func() bool {
		return h.store.session(sess.ID).LastProcessedIndex == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.Pause(sess.ID))

	paused := h.waitForStatus(t, sess.ID, domain.SessionPaused)
	assert.Equal(t, 1, paused.LastProcessedIndex)
	assert.Equal(t, 1, paused.SentCount)
	assertCountersSum(t, paused)
	assert.Len(t, h.tp.Sent(), 1)
}

func TestCheckpointFailurePausesSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001", "+254700000002", "+254700000003")
	h.store.failWrites(true, false)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	paused := h.waitForStatus(t, sess.ID, domain.SessionPaused)
	assert.Less(t, paused.LastProcessedIndex, 3, "sending must not continue once a checkpoint is lost")
	assertCountersSum(t, paused)

	h.store.failWrites(false, false)
	require.NoError(t, h.manager.Resume(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 3, final.SentCount)
	assertCountersSum(t, final)
	assert.Len(t, h.tp.Sent(), 3)
}

func TestOutboundWriteFailurePausesSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001", "+254700000002")
	h.store.failWrites(false, true)

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	paused := h.waitForStatus(t, sess.ID, domain.SessionPaused)
	assert.Equal(t, 0, paused.LastProcessedIndex)
	assert.Empty(t, h.tp.Sent(), "nothing may go out without a persisted record")

	h.store.failWrites(false, false)
	require.NoError(t, h.manager.Resume(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 2, final.SentCount)
	assertCountersSum(t, final)
}

func TestRunRejectsBlockedPrefix(t *testing.T) {
	h := newHarnessWithLimits(t, nil, func(rl *config.RateLimitConfig) {
		rl.BlockedPrefixes = []string{"+7"}
	})
	sess := h.newSession("+254700000001", "+79261234567")

	require.NoError(t, h.manager.Start(context.Background(), sess.ID))

	final := h.waitForStatus(t, sess.ID, domain.SessionCompleted)
	assert.Equal(t, 1, final.SentCount)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Equal(t, 0, final.FailedCount)
	assertCountersSum(t, final)

	counts := h.store.messageStatuses(sess.ID)
	assert.Equal(t, 1, counts[domain.MessageFailed], "rejected send leaves a failed message record")
	assert.Len(t, h.tp.Sent(), 1, "rejected send never reaches the transport")
}

func TestStartRejectsForeignLease(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001")
	h.store.mu.Lock()
	h.store.leases[sess.ID] = "other-worker"
	h.store.mu.Unlock()

	err := h.manager.Start(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeLeaseHeld, domain.CodeOf(err))
}

func TestStartRejectsCompletedSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession("+254700000001")
	require.NoError(t, h.store.SetStatus(context.Background(), sess.ID, domain.SessionCompleted))

	err := h.manager.Start(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}
