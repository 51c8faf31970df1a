package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/smscast/internal/config"
)

// Maintenance runs the background sweeps that keep the outbound table
// healthy: reclaiming messages stuck in pending after a crash, and deleting
// terminal rows past the retention horizon.
type Maintenance struct {
	store      Store
	ackTimeout time.Duration
	retention  config.RetentionConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewMaintenance creates the sweep worker.
func NewMaintenance(store Store, dispatch config.DispatchConfig, retention config.RetentionConfig) *Maintenance {
	return &Maintenance{
		store:      store,
		ackTimeout: dispatch.AckTimeout(),
		retention:  retention,
	}
}

// Start launches the sweeps. The stuck-message sweep runs immediately so a
// crashed run's orphans become due retries before the session resumes.
func (w *Maintenance) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return
	}
	w.active = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.sweepStuck()

	w.wg.Add(1)
	go w.run()
	log.Printf("[Maintenance] Started")
}

// Stop terminates the sweeps.
func (w *Maintenance) Stop() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	log.Printf("[Maintenance] Stopped")
}

func (w *Maintenance) run() {
	defer w.wg.Done()

	stuck := time.NewTicker(time.Minute)
	defer stuck.Stop()
	retention := time.NewTicker(time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-stuck.C:
			w.sweepStuck()
		case <-retention.C:
			w.sweepRetention()
		}
	}
}

// sweepStuck reschedules messages created but never acknowledged within the
// ack timeout, e.g. after a worker crash mid-send.
func (w *Maintenance) sweepStuck() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	n, err := w.store.ReclaimStuck(ctx, time.Now().UTC().Add(-w.ackTimeout))
	if err != nil {
		log.Printf("[Maintenance] Reclaim stuck: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Maintenance] Reclaimed %d stuck messages into retry", n)
	}
}

func (w *Maintenance) sweepRetention() {
	if !w.retention.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, 60*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-time.Duration(w.retention.MaxAgeHours) * time.Hour)
	n, err := w.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[Maintenance] Retention cleanup: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Maintenance] Deleted %d terminal messages older than %s", n, cutoff.Format(time.RFC3339))
	}
}
