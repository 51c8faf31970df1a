package transport

import (
	"context"
	"sync"
	"time"
)

// Outcome scripts one loopback send result.
type Outcome struct {
	OK          bool
	Class       ErrorClass
	ErrorCode   string
	Deliver     bool // emit a delivery report after ReportDelay
	ReportDelay time.Duration
}

// Loopback is an in-process transport for tests and development. Results
// are scripted per phone number: each Send consumes the next outcome for
// that phone; phones without a script always succeed and deliver.
type Loopback struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	latency time.Duration
	reports chan DeliveryReport
	closed  bool

	sent []SendRequest // every request seen, in order
}

// NewLoopback creates a loopback transport with the given synchronous send
// latency.
func NewLoopback(latency time.Duration) *Loopback {
	return &Loopback{
		scripts: make(map[string][]Outcome),
		latency: latency,
		reports: make(chan DeliveryReport, 256),
	}
}

// Script queues outcomes for a phone, consumed one per Send.
func (t *Loopback) Script(phone string, outcomes ...Outcome) {
	t.mu.Lock()
	t.scripts[phone] = append(t.scripts[phone], outcomes...)
	t.mu.Unlock()
}

// Sent returns a copy of all requests handed to the transport.
func (t *Loopback) Sent() []SendRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SendRequest, len(t.sent))
	copy(out, t.sent)
	return out
}

// Send records the request and returns the next scripted outcome.
func (t *Loopback) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, req)
	var oc Outcome
	if q := t.scripts[req.Phone]; len(q) > 0 {
		oc = q[0]
		t.scripts[req.Phone] = q[1:]
	} else {
		oc = Outcome{OK: true, Deliver: true}
	}
	closed := t.closed
	t.mu.Unlock()

	res := SendResult{MsgID: req.MsgID, OK: oc.OK, Class: oc.Class, ErrorCode: oc.ErrorCode}
	if !oc.OK && res.ErrorCode == "" {
		res.ErrorCode = "E_LOOPBACK"
		res.ErrorMessage = "scripted failure"
	}

	if oc.OK && oc.Deliver && !closed {
		go func() {
			if oc.ReportDelay > 0 {
				time.Sleep(oc.ReportDelay)
			}
			// Deliver under the lock so Close cannot close the channel
			// between the check and the send. The channel is buffered; if a
			// test never drains it, the report is dropped rather than
			// deadlocking against Close.
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			select {
			case t.reports <- DeliveryReport{MsgID: req.MsgID, Phone: req.Phone, Delivered: true, At: time.Now().UTC()}:
			default:
			}
		}()
	}
	return res, nil
}

// DeliveryReports implements Transport.
func (t *Loopback) DeliveryReports() <-chan DeliveryReport { return t.reports }

// Close implements Transport.
func (t *Loopback) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.reports)
	}
	return nil
}
