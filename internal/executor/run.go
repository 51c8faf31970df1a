package executor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/pkg/logger"
	"github.com/ignite/smscast/internal/transport"
)

type ctrlSignal int32

const (
	ctrlNone ctrlSignal = iota
	ctrlPause
	ctrlStop
)

// outcome classifies one recipient's processing result.
type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeAborted
)

// run is one session's send loop. All mutation of the session happens on the
// loop goroutine; control arrives through the ctrl flag.
type run struct {
	m      *Manager
	sess   *domain.Session
	ctrl   atomic.Int32
	cancel context.CancelFunc

	lastCheckpoint  time.Time
	sinceCheckpoint int
	lastProgress    time.Time
	nextRetryDrain  time.Time
}

func newRun(m *Manager, sess *domain.Session) *run {
	return &run{m: m, sess: sess}
}

// signal requests pause or stop. Cancelling the run context interrupts every
// suspension point, rate-limit defers and pacing sleeps included, so a
// session deep in a cooldown still reacts promptly.
func (r *run) signal(c ctrlSignal) {
	r.ctrl.Store(int32(c))
	if r.cancel != nil {
		r.cancel()
	}
}

// signalPause requests a pause without overriding an operator stop already
// in flight. Used for storage failures.
func (r *run) signalPause() {
	r.ctrl.CompareAndSwap(int32(ctrlNone), int32(ctrlPause))
	if r.cancel != nil {
		r.cancel()
	}
}

// loop processes recipients from the checkpoint to the end of the list, then
// drains the retry queue inside the completion grace window. It always exits
// through finish, which persists the terminal checkpoint and drops the lease.
func (r *run) loop(ctx context.Context) {
	m := r.m
	sess := r.sess

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Executor] Session %s panicked: %v", sess.ID, rec)
			m.bus.PublishError(sess.ID, domain.CodePanic, "session loop panicked")
			r.finish(domain.SessionFailed)
		}
	}()

	// Lease renewal runs beside the loop; long rate-limit waits must not let
	// the lease lapse.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go r.renewLease(renewCtx)

	m.gate.BeginPass()

	interval := r.paceInterval()
	for i := sess.LastProcessedIndex; i < len(sess.Recipients); i++ {
		if done, status := r.checkControl(ctx); done {
			r.finish(status)
			return
		}

		r.drainDueRetries(ctx)

		oc := r.processRecipient(ctx, sess.Recipients[i])
		if oc == outcomeAborted {
			r.finish(r.exitStatus(ctx))
			return
		}

		sess.LastProcessedIndex = i + 1
		switch oc {
		case outcomeSent:
			sess.SentCount++
		case outcomeFailed:
			sess.FailedCount++
		case outcomeSkipped:
			sess.SkippedCount++
		}
		r.sinceCheckpoint++
		r.maybeCheckpoint(ctx)
		r.maybeProgress()

		if oc == outcomeSent && !r.pace(ctx, interval) {
			r.finish(r.exitStatus(ctx))
			return
		}
	}

	r.drainGrace(ctx)

	if done, status := r.checkControl(ctx); done {
		r.finish(status)
		return
	}
	r.finish(domain.SessionCompleted)
}

// checkControl reads the control flag and the run context. Returns the
// terminal status to persist when the loop must exit. The flag is consulted
// first: pause and stop cancel the context too, and must not be mistaken for
// a process shutdown (which keeps the session in sending for resume).
func (r *run) checkControl(ctx context.Context) (bool, domain.SessionStatus) {
	switch ctrlSignal(r.ctrl.Load()) {
	case ctrlPause:
		return true, domain.SessionPaused
	case ctrlStop:
		return true, domain.SessionStopped
	}
	if ctx.Err() != nil {
		return true, domain.SessionSending
	}
	return false, ""
}

// exitStatus maps an interrupted loop to the status it must finish with.
func (r *run) exitStatus(ctx context.Context) domain.SessionStatus {
	if done, status := r.checkControl(ctx); done {
		return status
	}
	return domain.SessionSending
}

// pauseStorage suspends the session on a persistence failure. The checkpoint
// survives and Resume retries from it; sending on without durable state
// would risk silent loss.
func (r *run) pauseStorage(code string, err error) outcome {
	log.Printf("[Executor] Session %s: storage failure, pausing: %v", r.sess.ID, err)
	r.m.bus.PublishError(r.sess.ID, code, err.Error())
	r.signalPause()
	return outcomeAborted
}

// processRecipient runs the gate -> render -> admit -> send pipeline for one
// recipient. Transient send failures are enqueued for retry and counted as
// failed until a retry succeeds, so the progress counters always sum to the
// processed index.
func (r *run) processRecipient(ctx context.Context, rcpt domain.Recipient) outcome {
	m := r.m
	sess := r.sess

	phone, ok := m.gate.Normalize(rcpt.Phone)
	if !ok {
		log.Printf("[Executor] Session %s: recipient %d has invalid number", sess.ID, rcpt.Index)
		return outcomeSkipped
	}

	res, err := m.gate.Check(ctx, phone, sess.Category)
	if err != nil {
		return r.pauseStorage(domain.CodeStorageRead, err)
	}
	if res.Status != domain.ComplianceOK {
		log.Printf("[Executor] Session %s: skipping %s (%s)", sess.ID, logger.RedactPhone(phone), res.Status)
		return outcomeSkipped
	}

	body, err := m.renderer.Render(sess.ID, sess.Template, rcpt)
	if err != nil {
		m.bus.PublishError(sess.ID, domain.CodeOf(err), err.Error())
		return outcomeFailed
	}

	if err := m.limiter.Await(ctx, phone, sess.Category); err != nil {
		if ctx.Err() != nil {
			return outcomeAborted
		}
		if domain.CodeOf(err) == domain.CodeRateRejectPrefix {
			// Hard reject: the message is recorded failed, the recipient
			// counts as skipped.
			msg := &domain.OutboundMessage{
				ID:             uuid.New(),
				SessionID:      sess.ID,
				RecipientIndex: rcpt.Index,
				Phone:          phone,
				Body:           body,
				SIMSlot:        sess.SIMSlot,
				Status:         domain.MessageFailed,
				ErrorCode:      domain.CodeRateRejectPrefix,
				ErrorMessage:   err.Error(),
				CreatedAt:      time.Now().UTC(),
			}
			if ierr := m.store.InsertOutbound(ctx, msg); ierr != nil {
				return r.pauseStorage(domain.CodeStorageWrite, ierr)
			}
			log.Printf("[Executor] Session %s: rejecting %s (blocked prefix)", sess.ID, logger.RedactPhone(phone))
			m.tracker.TrackFailed()
			return outcomeSkipped
		}
		m.bus.PublishError(sess.ID, domain.CodeOf(err), err.Error())
		return outcomeFailed
	}

	msg := &domain.OutboundMessage{
		ID:             uuid.New(),
		SessionID:      sess.ID,
		RecipientIndex: rcpt.Index,
		Phone:          phone,
		Body:           body,
		SIMSlot:        sess.SIMSlot,
		Status:         domain.MessagePending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.InsertOutbound(ctx, msg); err != nil {
		return r.pauseStorage(domain.CodeStorageWrite, err)
	}

	return r.send(ctx, msg)
}

// send performs one transport attempt under the ack timeout and routes the
// result: ack -> tracker, transient -> retry queue, permanent -> failed.
func (r *run) send(ctx context.Context, msg *domain.OutboundMessage) outcome {
	m := r.m

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout())
	res, err := m.tp.Send(sendCtx, transport.SendRequest{
		MsgID: msg.ID, Phone: msg.Phone, Body: msg.Body, SIMSlot: msg.SIMSlot,
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return outcomeAborted
		}
		// The transport gave up without a classified result. Treat it as a
		// timeout and retry.
		return r.enqueueRetry(ctx, msg, domain.CodeTransportTimeout, err.Error())
	}

	if res.OK {
		if err := m.tracker.TrackSent(ctx, msg, time.Now().UTC()); err != nil && ctx.Err() == nil {
			// The transport already acked, so the send counts either way;
			// resuming from an advanced index avoids repeating it. Pausing
			// surfaces the recording gap instead of burying it.
			r.pauseStorage(domain.CodeStorageWrite, err)
		}
		return outcomeSent
	}

	if res.Class.Permanent() {
		if err := m.store.MarkFailed(ctx, msg.ID, res.ErrorCode, res.ErrorMessage); err != nil {
			m.bus.PublishError(msg.SessionID, domain.CodeStorageWrite, err.Error())
		}
		m.tracker.TrackFailed()
		return outcomeFailed
	}
	return r.enqueueRetry(ctx, msg, res.ErrorCode, res.ErrorMessage)
}

func (r *run) enqueueRetry(ctx context.Context, msg *domain.OutboundMessage, code, errMsg string) outcome {
	queued, err := r.m.retries.Enqueue(ctx, msg, code, errMsg)
	if err != nil {
		r.m.bus.PublishError(msg.SessionID, domain.CodeStorageWrite, err.Error())
	}
	if !queued {
		r.m.tracker.TrackFailed()
	}
	// Counted failed either way; a later successful retry converts the
	// counter back to sent.
	return outcomeFailed
}

// drainDueRetries reattempts queued retries whose backoff has elapsed.
// Checked at most once per second so the main pass is not dominated by
// queue polling.
func (r *run) drainDueRetries(ctx context.Context) {
	now := time.Now()
	if now.Before(r.nextRetryDrain) {
		return
	}
	r.nextRetryDrain = now.Add(time.Second)

	due, err := r.m.retries.DrainDue(ctx, r.sess.ID)
	if err != nil {
		r.m.bus.PublishError(r.sess.ID, domain.CodeStorageRead, err.Error())
		return
	}
	for i := range due {
		if ctx.Err() != nil || ctrlSignal(r.ctrl.Load()) != ctrlNone {
			return
		}
		r.attemptRetry(ctx, &due[i])
	}
}

// attemptRetry re-sends one queued message. Success converts the provisional
// failed count back to sent.
func (r *run) attemptRetry(ctx context.Context, msg *domain.OutboundMessage) {
	m := r.m
	sess := r.sess

	if err := m.limiter.Await(ctx, msg.Phone, sess.Category); err != nil {
		if ctx.Err() != nil {
			return
		}
		if err := m.store.MarkFailed(ctx, msg.ID, domain.CodeOf(err), err.Error()); err != nil {
			m.bus.PublishError(sess.ID, domain.CodeStorageWrite, err.Error())
		}
		m.tracker.TrackFailed()
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout())
	res, err := m.tp.Send(sendCtx, transport.SendRequest{
		MsgID: msg.ID, Phone: msg.Phone, Body: msg.Body, SIMSlot: msg.SIMSlot,
	})
	cancel()

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		if _, qerr := m.retries.Enqueue(ctx, msg, domain.CodeTransportTimeout, err.Error()); qerr != nil {
			m.bus.PublishError(sess.ID, domain.CodeStorageWrite, qerr.Error())
		}
	case res.OK:
		if err := m.tracker.TrackSent(ctx, msg, time.Now().UTC()); err != nil {
			if ctx.Err() == nil {
				r.pauseStorage(domain.CodeStorageWrite, err)
			}
			return
		}
		sess.FailedCount--
		sess.SentCount++
		r.sinceCheckpoint++
		r.maybeCheckpoint(ctx)
	case res.Class.Permanent():
		if err := m.store.MarkFailed(ctx, msg.ID, res.ErrorCode, res.ErrorMessage); err != nil {
			m.bus.PublishError(sess.ID, domain.CodeStorageWrite, err.Error())
		}
		m.tracker.TrackFailed()
	default:
		queued, qerr := m.retries.Enqueue(ctx, msg, res.ErrorCode, res.ErrorMessage)
		if qerr != nil {
			m.bus.PublishError(sess.ID, domain.CodeStorageWrite, qerr.Error())
		}
		if !queued {
			m.tracker.TrackFailed()
		}
	}
}

// drainGrace holds the session open after the last recipient so queued
// retries can come due. Retries still pending when the window closes are
// exhausted; they already count as failed.
func (r *run) drainGrace(ctx context.Context) {
	deadline := time.Now().Add(r.m.cfg.CompletionGrace())

	for {
		if ctx.Err() != nil || ctrlSignal(r.ctrl.Load()) != ctrlNone {
			return
		}
		pending, err := r.m.retries.Pending(ctx, r.sess.ID)
		if err != nil {
			r.pauseStorage(domain.CodeStorageRead, err)
			return
		}
		if pending == 0 {
			return
		}
		if time.Now().After(deadline) {
			n, err := r.m.retries.ExpireAll(ctx, r.sess.ID)
			if err != nil {
				r.m.bus.PublishError(r.sess.ID, domain.CodeStorageWrite, err.Error())
			} else if n > 0 {
				log.Printf("[Executor] Session %s: %d retries expired at completion", r.sess.ID, n)
			}
			return
		}

		r.nextRetryDrain = time.Time{}
		r.drainDueRetries(ctx)
		r.maybeProgress()

		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// finish persists the terminal checkpoint, emits the state change, and drops
// the lease. Stopping additionally purges the session's queued retries.
func (r *run) finish(status domain.SessionStatus) {
	m := r.m
	sess := r.sess

	// The run's own context may already be cancelled; cleanup gets a fresh
	// deadline so the final checkpoint still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if status == domain.SessionStopped {
		if n, err := m.retries.Purge(ctx, sess.ID); err != nil {
			m.bus.PublishError(sess.ID, domain.CodeStorageWrite, err.Error())
		} else if n > 0 {
			log.Printf("[Executor] Session %s: purged %d queued retries on stop", sess.ID, n)
		}
	}

	old := sess.Status
	sess.Status = status
	if err := m.store.Checkpoint(ctx, sess.ID, domain.Checkpoint{
		LastProcessedIndex: sess.LastProcessedIndex,
		SentCount:          sess.SentCount,
		FailedCount:        sess.FailedCount,
		SkippedCount:       sess.SkippedCount,
		Status:             status,
	}); err != nil {
		m.bus.PublishError(sess.ID, domain.CodeStorageWrite, err.Error())
	}

	if old != status {
		m.bus.PublishStateChange(sess.ID, old, status)
	}
	m.bus.PublishProgress(domain.ProgressOf(sess))
	m.renderer.EndSession(sess.ID)

	if err := m.store.ReleaseLease(ctx, sess.ID, m.ownerID); err != nil {
		log.Printf("[Executor] Session %s: release lease: %v", sess.ID, err)
	}
	log.Printf("[Executor] Session %s finished as %s (%d sent, %d failed, %d skipped of %d)",
		sess.ID, status, sess.SentCount, sess.FailedCount, sess.SkippedCount, len(sess.Recipients))
}

// maybeCheckpoint persists progress when enough recipients or time passed.
func (r *run) maybeCheckpoint(ctx context.Context) {
	if r.sinceCheckpoint < r.m.cfg.CheckpointEvery &&
		time.Since(r.lastCheckpoint) < r.m.cfg.CheckpointInterval() {
		return
	}
	r.sinceCheckpoint = 0
	r.lastCheckpoint = time.Now()

	if err := r.m.store.Checkpoint(ctx, r.sess.ID, domain.Checkpoint{
		LastProcessedIndex: r.sess.LastProcessedIndex,
		SentCount:          r.sess.SentCount,
		FailedCount:        r.sess.FailedCount,
		SkippedCount:       r.sess.SkippedCount,
		Status:             domain.SessionSending,
	}); err != nil {
		r.pauseStorage(domain.CodeStorageWrite, err)
	}
}

func (r *run) maybeProgress() {
	if time.Since(r.lastProgress) < r.m.cfg.ProgressInterval() {
		return
	}
	r.lastProgress = time.Now()
	r.m.bus.PublishProgress(domain.ProgressOf(r.sess))
}

// pace waits the configured per-message interval. Returns false when the
// wait was interrupted by shutdown.
func (r *run) pace(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// paceInterval derives the gap between sends from the session's speed
// (messages per hour), falling back to the configured default.
func (r *run) paceInterval() time.Duration {
	speed := r.sess.SendSpeed
	if speed <= 0 {
		speed = r.m.cfg.SendSpeed
	}
	if speed <= 0 {
		return 0
	}
	return time.Hour / time.Duration(speed)
}

// renewLease extends the session lease at a third of its TTL until the run
// exits.
func (r *run) renewLease(ctx context.Context) {
	ttl := r.m.cfg.LeaseTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.m.store.RenewLease(ctx, r.sess.ID, r.m.ownerID, ttl)
			if err != nil {
				log.Printf("[Executor] Session %s: renew lease: %v", r.sess.ID, err)
			} else if !ok {
				// Lost the lease: another worker took over. Stop sending.
				log.Printf("[Executor] Session %s: lease lost, stopping", r.sess.ID)
				r.signal(ctrlStop)
				return
			}
		}
	}
}
