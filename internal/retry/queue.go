// Package retry implements the durable retry queue for transient send
// failures. Rows live in the outbound message table (status pending_retry,
// indexed on next_retry_at) rather than a separate queue table, so the
// queue survives process kills for free. Delivery is at-least-once; msgID
// deduplicates on the consumer side.
package retry

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
)

// Store is the persistence surface the queue needs.
type Store interface {
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, code, message string) error
	MarkExhausted(ctx context.Context, id uuid.UUID, code, message string) error
	DueRetries(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]domain.OutboundMessage, error)
	PendingRetryCount(ctx context.Context, sessionID uuid.UUID) (int, error)
	PurgeRetries(ctx context.Context, sessionID uuid.UUID) (int64, error)
	ClearExhausted(ctx context.Context) (int64, error)
}

// Queue schedules and drains retries with exponential backoff.
type Queue struct {
	store       Store
	maxAttempts int
	base        time.Duration
	cap         time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// New creates a retry queue. maxAttempts bounds the total attempts per
// message (first send included).
func New(store Store, maxAttempts int, base, cap time.Duration) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &Queue{
		store:       store,
		maxAttempts: maxAttempts,
		base:        base,
		cap:         cap,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the queue's clock. Test hook.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Backoff computes the delay before attempt n+1 (n is the count of failed
// attempts so far): min(base*2^n, cap) with ±20% jitter.
func (q *Queue) Backoff(n int) time.Duration {
	d := float64(q.base) * math.Pow(2, float64(n))
	if d > float64(q.cap) {
		d = float64(q.cap)
	}
	q.mu.Lock()
	jitter := 1 + (q.rng.Float64()*0.4 - 0.2)
	q.mu.Unlock()
	return time.Duration(d * jitter)
}

// Enqueue schedules the message's next attempt after a transient failure.
// Returns false when the retry budget is exhausted; the message is then
// marked exhausted and counts as failed.
func (q *Queue) Enqueue(ctx context.Context, m *domain.OutboundMessage, code, message string) (bool, error) {
	next := m.RetryCount + 1
	if next >= q.maxAttempts {
		if err := q.store.MarkExhausted(ctx, m.ID, code, message); err != nil {
			return false, err
		}
		log.Printf("[RetryQueue] Message %s exhausted after %d attempts (%s)", m.ID, next, code)
		return false, nil
	}

	delay := q.Backoff(m.RetryCount)
	nextAt := q.now().Add(delay)
	if err := q.store.ScheduleRetry(ctx, m.ID, next, nextAt, code, message); err != nil {
		return false, err
	}
	m.RetryCount = next
	m.Status = domain.MessagePendingRetry
	m.NextRetryAt = &nextAt
	return true, nil
}

// DrainDue returns the session's due retries in next_retry_at order.
func (q *Queue) DrainDue(ctx context.Context, sessionID uuid.UUID) ([]domain.OutboundMessage, error) {
	return q.store.DueRetries(ctx, sessionID, q.now(), 100)
}

// Pending reports how many retries remain queued for the session.
func (q *Queue) Pending(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return q.store.PendingRetryCount(ctx, sessionID)
}

// Purge drops all queued retries for a session (stop semantics).
func (q *Queue) Purge(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	return q.store.PurgeRetries(ctx, sessionID)
}

// ExpireAll marks every remaining queued retry for the session exhausted,
// due or not. Called when the completion grace window closes; the messages
// already count as failed.
func (q *Queue) ExpireAll(ctx context.Context, sessionID uuid.UUID) (int, error) {
	msgs, err := q.store.DueRetries(ctx, sessionID, q.now().Add(365*24*time.Hour), 10000)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := q.store.MarkExhausted(ctx, m.ID, domain.CodeTransportTimeout, "retry window closed"); err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}

// ClearExhausted removes exhausted messages across all sessions.
func (q *Queue) ClearExhausted(ctx context.Context) (int64, error) {
	return q.store.ClearExhausted(ctx)
}
