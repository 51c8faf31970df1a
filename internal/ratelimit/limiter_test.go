package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/domain"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg), mr
}

func openLimits(cooldownMs int) config.RateLimitConfig {
	return config.RateLimitConfig{
		PerCategory: map[string]config.CategoryLimits{
			"TRANSACTIONAL": {PerSecond: 1000, PerMinute: 10000, PerHour: 100000, PerDay: 1000000, CooldownMs: cooldownMs},
		},
	}
}

func TestCheckAdmits(t *testing.T) {
	l, _ := newTestLimiter(t, openLimits(0))

	dec, err := l.Check(context.Background(), "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Admitted, dec.Outcome)

	last, ok := l.LastSend("+254700000001")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), last, time.Second)
}

func TestBlockedPrefixRejectsWithoutConsumingQuota(t *testing.T) {
	cfg := openLimits(0)
	cfg.PerCategory["TRANSACTIONAL"] = config.CategoryLimits{PerSecond: 1, PerMinute: 10, PerHour: 100, PerDay: 1000}
	cfg.BlockedPrefixes = []string{"+7", "+850"}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	dec, err := l.Check(ctx, "+79990000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Rejected, dec.Outcome)
	assert.Equal(t, "blocked_prefix", dec.Reason)

	// The reject consumed nothing: a clean number still fits the 1/sec window.
	dec, err = l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Admitted, dec.Outcome)
}

func TestBlockedPrefixChecksRunLast(t *testing.T) {
	cfg := openLimits(60000)
	cfg.BlockedPrefixes = []string{"+7"}
	l, mr := newTestLimiter(t, cfg)
	ctx := context.Background()

	// A number cooling down defers even when its prefix is blocked; the
	// cooldown layer decides before the hard block does.
	require.NoError(t, mr.Set(cooldownKey("+79990000001"), "1"))
	mr.SetTTL(cooldownKey("+79990000001"), 30*time.Second)

	dec, err := l.Check(ctx, "+79990000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)

	mr.FastForward(31 * time.Second)

	dec, err = l.Check(ctx, "+79990000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Rejected, dec.Outcome)
}

func TestBlockedPrefixDefersBehindSaturatedWindow(t *testing.T) {
	cfg := openLimits(0)
	cfg.PerCategory["TRANSACTIONAL"] = config.CategoryLimits{PerSecond: 1, PerMinute: 10, PerHour: 100, PerDay: 1000}
	cfg.BlockedPrefixes = []string{"+7"}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 100*1000*1000, time.UTC)
	l.SetClock(func() time.Time { return now })

	dec, err := l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	require.Equal(t, Admitted, dec.Outcome)

	// The 1/sec window is full: even a blocked number defers first.
	dec, err = l.Check(ctx, "+79990000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)
}

func TestPerNumberCooldown(t *testing.T) {
	l, _ := newTestLimiter(t, openLimits(60000))
	ctx := context.Background()

	dec, err := l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	require.Equal(t, Admitted, dec.Outcome)

	// Same number defers inside the cooldown.
	dec, err = l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))

	// A different number is unaffected.
	dec, err = l.Check(ctx, "+254700000002", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Admitted, dec.Outcome)
}

func TestCooldownExpires(t *testing.T) {
	l, mr := newTestLimiter(t, openLimits(60000))
	ctx := context.Background()

	dec, err := l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	require.Equal(t, Admitted, dec.Outcome)

	mr.FastForward(61 * time.Second)

	dec, err = l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Admitted, dec.Outcome)
}

func TestSecondWindowDefers(t *testing.T) {
	cfg := openLimits(0)
	cfg.PerCategory["TRANSACTIONAL"] = config.CategoryLimits{PerSecond: 2, PerMinute: 1000, PerHour: 10000, PerDay: 100000}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	// Pin the clock so all three checks land in the same second bucket.
	now := time.Date(2026, 8, 24, 12, 0, 0, 100*1000*1000, time.UTC)
	l.SetClock(func() time.Time { return now })

	for i, phone := range []string{"+254700000001", "+254700000002"} {
		dec, err := l.Check(ctx, phone, domain.CategoryTransactional)
		require.NoError(t, err)
		require.Equal(t, Admitted, dec.Outcome, "send %d", i)
	}

	dec, err := l.Check(ctx, "+254700000003", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, dec.RetryAfter, time.Second)
}

func TestUnknownCategoryGetsStrictDefaults(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{})
	ctx := context.Background()

	dec, err := l.Check(ctx, "+254700000001", domain.CampaignCategory("MYSTERY"))
	require.NoError(t, err)
	require.Equal(t, Admitted, dec.Outcome)

	// Strict defaults carry a 60s cooldown.
	dec, err = l.Check(ctx, "+254700000001", domain.CampaignCategory("MYSTERY"))
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)
}

func TestQuietHoursDefer(t *testing.T) {
	cfg := openLimits(0)
	cfg.QuietHours = map[string]config.QuietHours{
		"TRANSACTIONAL": {Enabled: true, Start: "22:00", End: "07:00"},
	}
	l, _ := newTestLimiter(t, cfg)

	// 23:30 is inside the wrapped window; defer until 07:00.
	l.SetClock(func() time.Time {
		return time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
	})
	dec, err := l.Check(context.Background(), "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Deferred, dec.Outcome)
	assert.InDelta(t, (7*time.Hour + 30*time.Minute).Seconds(), dec.RetryAfter.Seconds(), 60)

	// 12:00 is outside.
	l.SetClock(func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	})
	dec, err = l.Check(context.Background(), "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	assert.Equal(t, Admitted, dec.Outcome)
}

func TestAwaitRejectsBlockedPrefix(t *testing.T) {
	cfg := openLimits(0)
	cfg.BlockedPrefixes = []string{"+7"}
	l, _ := newTestLimiter(t, cfg)

	err := l.Await(context.Background(), "+79990000001", domain.CategoryTransactional)
	require.Error(t, err)
	assert.Equal(t, domain.CodeRateRejectPrefix, domain.CodeOf(err))
}

func TestAwaitHonorsContextCancel(t *testing.T) {
	l, _ := newTestLimiter(t, openLimits(60000))
	ctx := context.Background()

	dec, err := l.Check(ctx, "+254700000001", domain.CategoryTransactional)
	require.NoError(t, err)
	require.Equal(t, Admitted, dec.Outcome)

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = l.Await(cancelCtx, "+254700000001", domain.CategoryTransactional)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
