package retry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/smscast/internal/domain"
)

// fakeStore records queue operations in memory.
type fakeStore struct {
	scheduled map[uuid.UUID]domain.OutboundMessage
	exhausted map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scheduled: make(map[uuid.UUID]domain.OutboundMessage),
		exhausted: make(map[uuid.UUID]string),
	}
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, code, message string) error {
	m := f.scheduled[id]
	m.ID = id
	m.RetryCount = retryCount
	m.NextRetryAt = &nextRetryAt
	m.Status = domain.MessagePendingRetry
	m.ErrorCode = code
	f.scheduled[id] = m
	return nil
}

func (f *fakeStore) MarkExhausted(ctx context.Context, id uuid.UUID, code, message string) error {
	delete(f.scheduled, id)
	f.exhausted[id] = code
	return nil
}

func (f *fakeStore) DueRetries(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	var out []domain.OutboundMessage
	for _, m := range f.scheduled {
		if m.NextRetryAt != nil && !m.NextRetryAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) PendingRetryCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return len(f.scheduled), nil
}

func (f *fakeStore) PurgeRetries(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n := int64(len(f.scheduled))
	f.scheduled = make(map[uuid.UUID]domain.OutboundMessage)
	return n, nil
}

func (f *fakeStore) ClearExhausted(ctx context.Context) (int64, error) {
	n := int64(len(f.exhausted))
	f.exhausted = make(map[uuid.UUID]string)
	return n, nil
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	q := New(newFakeStore(), 5, 5*time.Second, 5*time.Minute)

	prevMax := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := q.Backoff(n)
		// ±20% jitter around min(5s * 2^n, 5m)
		base := 5 * time.Second * (1 << n)
		if base > 5*time.Minute || base <= 0 {
			base = 5 * time.Minute
		}
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.79), "attempt %d", n)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.21), "attempt %d", n)
		if base < 5*time.Minute {
			assert.Greater(t, d, time.Duration(float64(prevMax)*0.6))
		}
		prevMax = d
	}
}

func TestEnqueueSchedulesWithBackoff(t *testing.T) {
	store := newFakeStore()
	q := New(store, 5, 5*time.Second, 5*time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	m := &domain.OutboundMessage{ID: uuid.New(), SessionID: uuid.New(), Status: domain.MessagePending}

	queued, err := q.Enqueue(context.Background(), m, domain.CodeTransportTimeout, "no ack")
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, domain.MessagePendingRetry, m.Status)
	require.NotNil(t, m.NextRetryAt)

	delay := m.NextRetryAt.Sub(now)
	assert.GreaterOrEqual(t, delay, 4*time.Second)
	assert.LessOrEqual(t, delay, 6*time.Second)

	stored := store.scheduled[m.ID]
	assert.Equal(t, domain.CodeTransportTimeout, stored.ErrorCode)
}

func TestEnqueueExhaustsBudget(t *testing.T) {
	store := newFakeStore()
	q := New(store, 3, time.Second, time.Minute)

	m := &domain.OutboundMessage{ID: uuid.New(), RetryCount: 2}

	queued, err := q.Enqueue(context.Background(), m, domain.CodeTransportSend, "boom")
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, domain.CodeTransportSend, store.exhausted[m.ID])
	assert.Empty(t, store.scheduled)
}

func TestDrainDueReturnsOnlyDue(t *testing.T) {
	store := newFakeStore()
	q := New(store, 5, time.Second, time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)
	dueID, notDueID := uuid.New(), uuid.New()
	require.NoError(t, store.ScheduleRetry(context.Background(), dueID, 1, past, "", ""))
	require.NoError(t, store.ScheduleRetry(context.Background(), notDueID, 1, future, "", ""))

	due, err := q.DrainDue(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)
}

func TestExpireAll(t *testing.T) {
	store := newFakeStore()
	q := New(store, 5, time.Second, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.ScheduleRetry(context.Background(), uuid.New(), 1, time.Now().Add(time.Hour), "", ""))
	}

	n, err := q.ExpireAll(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, store.scheduled)
	assert.Len(t, store.exhausted, 3)
}
