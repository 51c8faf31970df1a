// Package ratelimit enforces layered sending quotas for the shared radio:
// quiet hours, per-number cooldown, sliding 1s/1m/1h/1d windows, and hard
// country-prefix blocks. Window counters live in Redis and are checked and
// incremented atomically with a Lua script, so concurrent callers can never
// race past a limit.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/domain"
)

// Outcome is the admission verdict for one send.
type Outcome int

const (
	Admitted Outcome = iota
	Deferred
	Rejected
)

// Decision is the result of one admission check. RetryAfter is set for
// Deferred; Reason for Rejected.
type Decision struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Reason     string
}

// Lua script for atomic multi-window rate limit check.
// Checks all four windows BEFORE incrementing; increments only if all pass
// and ARGV[5] asks for a commit. Blocked numbers run with commit=0 so a
// later rejection never consumes window quota.
const windowLuaScript = `
local secKey = KEYS[1]
local minKey = KEYS[2]
local hourKey = KEYS[3]
local dayKey = KEYS[4]
local secLimit = tonumber(ARGV[1])
local minLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])

local sec = tonumber(redis.call("GET", secKey) or "0")
local min = tonumber(redis.call("GET", minKey) or "0")
local hour = tonumber(redis.call("GET", hourKey) or "0")
local day = tonumber(redis.call("GET", dayKey) or "0")

if sec + 1 > secLimit then
    return 1
end
if min + 1 > minLimit then
    return 2
end
if hour + 1 > hourLimit then
    return 3
end
if day + 1 > dayLimit then
    return 4
end

if tonumber(ARGV[5]) == 0 then
    return 0
end

local newSec = redis.call("INCR", secKey)
if newSec == 1 then
    redis.call("EXPIRE", secKey, 2)
end
local newMin = redis.call("INCR", minKey)
if newMin == 1 then
    redis.call("EXPIRE", minKey, 120)
end
local newHour = redis.call("INCR", hourKey)
if newHour == 1 then
    redis.call("EXPIRE", hourKey, 7200)
end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, 90000)
end

return 0
`

// Limiter is the process-global admission gate. Admission is serialized by a
// single mutex; callers may be concurrent.
type Limiter struct {
	redis        *redis.Client
	cfg          config.RateLimitConfig
	windowScript *redis.Script

	mu  sync.Mutex
	now func() time.Time

	// lastSendPerPhone mirrors the cooldown keys for in-process invariants
	// and tests; Redis remains the source of truth across restarts.
	lastSendPerPhone map[string]time.Time
}

// New creates a limiter with pre-compiled Lua scripts.
func New(redisClient *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		redis:            redisClient,
		cfg:              cfg,
		windowScript:     redis.NewScript(windowLuaScript),
		now:              func() time.Time { return time.Now() },
		lastSendPerPhone: make(map[string]time.Time),
	}
}

// SetClock overrides the limiter's clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// LastSend returns the last admitted send time for a phone, if any.
func (l *Limiter) LastSend(phone string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastSendPerPhone[phone]
	return t, ok
}

func (l *Limiter) limitsFor(category domain.CampaignCategory) config.CategoryLimits {
	if lim, ok := l.cfg.PerCategory[string(category)]; ok {
		return lim
	}
	// Unknown categories get the strictest defaults.
	return config.CategoryLimits{PerSecond: 1, PerMinute: 30, PerHour: 500, PerDay: 2000, CooldownMs: 60000}
}

// Check evaluates the layered admission rules in order; the first failing
// layer decides the outcome. On admission the send is recorded in all
// windows and the per-number cooldown starts.
func (l *Limiter) Check(ctx context.Context, phone string, category domain.CampaignCategory) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// 1. Quiet hours
	if d, in := l.inQuietHours(now, category); in {
		return Decision{Outcome: Deferred, RetryAfter: d}, nil
	}

	limits := l.limitsFor(category)

	// 2. Per-number cooldown
	cooldown := time.Duration(limits.CooldownMs) * time.Millisecond
	if cooldown > 0 {
		remain, err := l.redis.PTTL(ctx, cooldownKey(phone)).Result()
		if err != nil && err != redis.Nil {
			return Decision{}, fmt.Errorf("cooldown check: %w", err)
		}
		if remain > 0 {
			return Decision{Outcome: Deferred, RetryAfter: remain}, nil
		}
	}

	// 3. Sliding windows (atomic check-and-increment). Blocked numbers are
	// checked without committing: the windows still decide first, but quota
	// is only consumed for sends that will actually be admitted.
	blocked := l.isBlocked(phone)
	commit := 1
	if blocked {
		commit = 0
	}
	keys := []string{
		fmt.Sprintf("smscast:rl:%s:sec:%d", category, now.Unix()),
		fmt.Sprintf("smscast:rl:%s:min:%d", category, now.Unix()/60),
		fmt.Sprintf("smscast:rl:%s:hour:%d", category, now.Unix()/3600),
		fmt.Sprintf("smscast:rl:%s:day:%s", category, now.UTC().Format("2006-01-02")),
	}
	denied, err := l.windowScript.Run(ctx, l.redis, keys,
		limits.PerSecond, limits.PerMinute, limits.PerHour, limits.PerDay, commit,
	).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("window check: %w", err)
	}
	if denied != 0 {
		return Decision{Outcome: Deferred, RetryAfter: waitForWindow(denied, now)}, nil
	}

	// 4. Hard blocks (country prefix blocklist)
	if blocked {
		return Decision{Outcome: Rejected, Reason: "blocked_prefix"}, nil
	}

	// Admitted: start the cooldown and record the send time.
	if cooldown > 0 {
		if err := l.redis.Set(ctx, cooldownKey(phone), 1, cooldown).Err(); err != nil {
			log.Printf("[RateLimiter] Failed to set cooldown for %s: %v", phone, err)
		}
	}
	l.lastSendPerPhone[phone] = now

	return Decision{Outcome: Admitted}, nil
}

// Await blocks until the send is admitted, the limiter rejects it, or ctx is
// cancelled. Defers sleep cooperatively so pause/stop interrupts them.
func (l *Limiter) Await(ctx context.Context, phone string, category domain.CampaignCategory) error {
	for {
		dec, err := l.Check(ctx, phone, category)
		if err != nil {
			return err
		}
		switch dec.Outcome {
		case Admitted:
			return nil
		case Rejected:
			return domain.NewError(domain.CodeRateRejectPrefix, "send to %s rejected: %s", phone, dec.Reason)
		case Deferred:
			wait := dec.RetryAfter
			if wait <= 0 {
				wait = 50 * time.Millisecond
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (l *Limiter) isBlocked(phone string) bool {
	for _, prefix := range l.cfg.BlockedPrefixes {
		if prefix != "" && strings.HasPrefix(phone, prefix) {
			return true
		}
	}
	return false
}

func cooldownKey(phone string) string {
	return "smscast:rl:cooldown:" + phone
}

// waitForWindow estimates when the saturated window frees a slot: the time
// until the current bucket rolls over.
func waitForWindow(denied int, now time.Time) time.Duration {
	switch denied {
	case 1:
		return time.Second - time.Duration(now.Nanosecond())
	case 2:
		return time.Duration(60-now.Second()) * time.Second
	case 3:
		return time.Duration(60-now.Minute()) * time.Minute
	default:
		tomorrow := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		return tomorrow.Sub(now.UTC())
	}
}

// inQuietHours reports whether now falls inside the category's configured
// quiet window, and if so how long until the window ends. Windows may wrap
// midnight ("22:00"–"07:00").
func (l *Limiter) inQuietHours(now time.Time, category domain.CampaignCategory) (time.Duration, bool) {
	qh, ok := l.cfg.QuietHours[string(category)]
	if !ok || !qh.Enabled {
		return 0, false
	}
	start, err1 := parseClock(qh.Start)
	end, err2 := parseClock(qh.End)
	if err1 != nil || err2 != nil {
		log.Printf("[RateLimiter] Invalid quiet hours for %s: %q-%q", category, qh.Start, qh.End)
		return 0, false
	}

	minutes := now.Hour()*60 + now.Minute()
	var inside bool
	if start <= end {
		inside = minutes >= start && minutes < end
	} else {
		// Wraps midnight
		inside = minutes >= start || minutes < end
	}
	if !inside {
		return 0, false
	}

	untilEnd := (end - minutes + 24*60) % (24 * 60)
	if untilEnd == 0 {
		untilEnd = 24 * 60
	}
	d := time.Duration(untilEnd)*time.Minute - time.Duration(now.Second())*time.Second
	return d, true
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
