// Package tracker owns the post-send message lifecycle. A single goroutine
// consumes transport acknowledgments and network delivery reports, keeps the
// per-message state machine, times out reportless messages into
// delivered_assumed, and publishes statistics snapshots on the event bus.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/events"
	"github.com/ignite/smscast/internal/transport"
)

// correlationWindow bounds fallback matching of reports that arrive without
// a known message id.
const correlationWindow = 60 * time.Second

// Store is the persistence surface the tracker needs.
type Store interface {
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, assumed bool) error
}

// tracked is one message awaiting a delivery report.
type tracked struct {
	msgID  uuid.UUID
	phone  string
	sentAt time.Time
}

// Tracker resolves sent messages to delivered, delivered_assumed, or failed.
// All state is owned by the run goroutine; external callers talk to it over
// channels.
type Tracker struct {
	store           Store
	bus             *events.Bus
	deliveryTimeout time.Duration
	statsInterval   time.Duration

	sentCh   chan tracked
	failedCh chan struct{}
	reports  <-chan transport.DeliveryReport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool

	now func() time.Time

	// run-goroutine state
	awaiting map[uuid.UUID]tracked
	stats    statsAccum
}

type statsAccum struct {
	total            int
	sent             int
	delivered        int
	deliveredAssumed int
	failed           int
	latencySum       time.Duration
	latencyCount     int
}

// New creates a tracker wired to the transport's report stream. bus may be
// nil for tests that only care about persistence.
func New(store Store, bus *events.Bus, reports <-chan transport.DeliveryReport, deliveryTimeout, statsInterval time.Duration) *Tracker {
	if deliveryTimeout <= 0 {
		deliveryTimeout = 15 * time.Minute
	}
	if statsInterval <= 0 {
		statsInterval = 2 * time.Second
	}
	return &Tracker{
		store:           store,
		bus:             bus,
		deliveryTimeout: deliveryTimeout,
		statsInterval:   statsInterval,
		sentCh:          make(chan tracked, 256),
		failedCh:        make(chan struct{}, 256),
		reports:         reports,
		now:             func() time.Time { return time.Now().UTC() },
		awaiting:        make(map[uuid.UUID]tracked),
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Start launches the tracking loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return
	}
	t.active = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.wg.Add(1)
	go t.run()
	log.Printf("[Tracker] Started (delivery timeout %s)", t.deliveryTimeout)
}

// Stop terminates the loop and waits for it to drain.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	log.Printf("[Tracker] Stopped")
}

// TrackSent registers a transport-acknowledged message. The sent transition
// is persisted here so the executor never races the tracker on the same row.
func (t *Tracker) TrackSent(ctx context.Context, m *domain.OutboundMessage, at time.Time) error {
	if err := t.store.MarkSent(ctx, m.ID, at); err != nil {
		return err
	}
	m.Status = domain.MessageSent
	m.SentAt = &at

	select {
	case t.sentCh <- tracked{msgID: m.ID, phone: m.Phone, sentAt: at}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// TrackFailed counts a terminal failure (permanent or exhausted) toward the
// statistics stream. Persistence already happened at the failure site.
func (t *Tracker) TrackFailed() {
	select {
	case t.failedCh <- struct{}{}:
	default:
	}
}

// run is the single writer over the tracker's state.
func (t *Tracker) run() {
	defer t.wg.Done()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	statsTick := time.NewTicker(t.statsInterval)
	defer statsTick.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case tm := <-t.sentCh:
			t.awaiting[tm.msgID] = tm
			t.stats.total++
			t.stats.sent++

		case <-t.failedCh:
			t.stats.total++
			t.stats.failed++

		case rep, ok := <-t.reports:
			if !ok {
				return
			}
			t.handleReport(rep)

		case <-sweep.C:
			t.sweepTimeouts()

		case <-statsTick.C:
			t.publishStats()
		}
	}
}

func (t *Tracker) handleReport(rep transport.DeliveryReport) {
	tm, ok := t.awaiting[rep.MsgID]
	if !ok {
		// Some modems report without the id we know. Fall back to the
		// most recent awaiting message for the same phone inside the
		// correlation window.
		tm, ok = t.correlate(rep)
		if !ok {
			log.Printf("[Tracker] Uncorrelated delivery report for %s", rep.MsgID)
			return
		}
	}
	delete(t.awaiting, tm.msgID)

	at := rep.At
	if at.IsZero() {
		at = t.now()
	}

	if rep.Delivered {
		if err := t.store.MarkDelivered(t.ctx, tm.msgID, at, false); err != nil {
			log.Printf("[Tracker] Persist delivered %s: %v", tm.msgID, err)
		}
		t.stats.delivered++
		t.stats.latencySum += at.Sub(tm.sentAt)
		t.stats.latencyCount++
	} else {
		// Negative report after a successful submit. The send already
		// counted; reclassify it as failed.
		t.stats.sent--
		t.stats.failed++
	}
}

func (t *Tracker) correlate(rep transport.DeliveryReport) (tracked, bool) {
	var best tracked
	found := false
	for _, tm := range t.awaiting {
		if tm.phone != rep.Phone {
			continue
		}
		if rep.At.Sub(tm.sentAt) > t.deliveryTimeout || tm.sentAt.Sub(rep.At) > correlationWindow {
			continue
		}
		if !found || tm.sentAt.After(best.sentAt) {
			best = tm
			found = true
		}
	}
	return best, found
}

// sweepTimeouts promotes messages past the delivery timeout to
// delivered_assumed. A missing report is overwhelmingly a reporting gap,
// not a delivery failure.
func (t *Tracker) sweepTimeouts() {
	cutoff := t.now().Add(-t.deliveryTimeout)
	for id, tm := range t.awaiting {
		if tm.sentAt.After(cutoff) {
			continue
		}
		delete(t.awaiting, id)
		if err := t.store.MarkDelivered(t.ctx, id, t.now(), true); err != nil {
			log.Printf("[Tracker] Persist delivered_assumed %s: %v", id, err)
		}
		t.stats.deliveredAssumed++
	}
}

func (t *Tracker) publishStats() {
	if t.bus == nil {
		return
	}
	t.bus.PublishStats(t.Snapshot())
}

// Snapshot derives the current statistics. Delivered includes assumed
// deliveries; pending is the count still awaiting a report. The run loop
// owns the underlying state: live consumers read statistics from the event
// bus, and Snapshot is for the loop itself and for tests after Stop.
func (t *Tracker) Snapshot() domain.DeliveryStats {
	s := t.stats
	stats := domain.DeliveryStats{
		Total:            s.total,
		Sent:             s.sent,
		Delivered:        s.delivered + s.deliveredAssumed,
		DeliveredAssumed: s.deliveredAssumed,
		Failed:           s.failed,
		Pending:          len(t.awaiting),
	}
	// Rate over acknowledged sends, not over all attempts: failed submits
	// never had a delivery to lose.
	denom := s.sent
	if denom < 1 {
		denom = 1
	}
	stats.DeliveryRate = float64(stats.Delivered) / float64(denom)
	if s.latencyCount > 0 {
		stats.AvgLatencyMs = (s.latencySum / time.Duration(s.latencyCount)).Milliseconds()
	}
	return stats
}
