// Package smpp adapts an SMPP short-message center to the Transport
// interface. One transceiver bind carries both submits and delivery
// receipts.
package smpp

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutext"
	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/transport"
)

var (
	receiptIDPattern   = regexp.MustCompile(`\bid:([0-9A-Fa-f]+)`)
	receiptStatPattern = regexp.MustCompile(`\bstat:([A-Z]+)`)
)

// Transport submits messages over an SMPP transceiver bind and converts
// delivery receipts (deliver_sm) into DeliveryReports.
type Transport struct {
	tc      *smpp.Transceiver
	source  string
	reports chan transport.DeliveryReport

	mu      sync.Mutex
	pending map[string]pendingMsg // SMSC message id -> ours
	closed  bool
}

type pendingMsg struct {
	msgID uuid.UUID
	phone string
}

// New binds to the SMSC and starts the receipt pump. The bind retries in the
// background; submits fail with a transient error until it is up.
func New(cfg config.SMPPConfig) *Transport {
	t := &Transport{
		source:  cfg.SourceAddr,
		reports: make(chan transport.DeliveryReport, 256),
		pending: make(map[string]pendingMsg),
	}
	t.tc = &smpp.Transceiver{
		Addr:       cfg.Addr,
		User:       cfg.User,
		Passwd:     cfg.Password,
		SystemType: cfg.SystemType,
		Handler:    t.handlePDU,
	}

	conn := t.tc.Bind()
	go func() {
		for status := range conn {
			if status.Error() != nil {
				log.Printf("[SMPP] Connection %s: %v", status.Status(), status.Error())
			} else {
				log.Printf("[SMPP] Connection %s", status.Status())
			}
		}
	}()
	return t
}

// Send submits one short message. The SMSC-assigned message id is remembered
// so the receipt can be correlated back to msgID.
func (t *Transport) Send(ctx context.Context, req transport.SendRequest) (transport.SendResult, error) {
	sm := &smpp.ShortMessage{
		Src:      t.source,
		Dst:      strings.TrimPrefix(req.Phone, "+"),
		Text:     pdutext.UCS2(req.Body),
		Register: pdufield.FinalDeliveryReceipt,
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.tc.Submit(sm)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return transport.SendResult{
			MsgID: req.MsgID, Class: transport.ClassTransient,
			ErrorCode: "E_TRANSPORT_TIMEOUT", ErrorMessage: "submit timed out",
		}, nil
	case err := <-done:
		if err != nil {
			return transport.SendResult{
				MsgID: req.MsgID, Class: classify(err),
				ErrorCode: "E_TRANSPORT_SEND", ErrorMessage: err.Error(),
			}, nil
		}
	}

	if id := sm.RespID(); id != "" {
		t.mu.Lock()
		t.pending[id] = pendingMsg{msgID: req.MsgID, phone: req.Phone}
		t.mu.Unlock()
	}
	return transport.SendResult{MsgID: req.MsgID, OK: true}, nil
}

// DeliveryReports implements Transport.
func (t *Transport) DeliveryReports() <-chan transport.DeliveryReport { return t.reports }

// Close unbinds and closes the report channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.tc.Close()
	close(t.reports)
	return err
}

// handlePDU receives deliver_sm receipts from the SMSC.
func (t *Transport) handlePDU(p pdu.Body) {
	if p.Header().ID != pdu.DeliverSMID {
		return
	}
	f := p.Fields()[pdufield.ShortMessage]
	if f == nil {
		return
	}
	text := f.String()

	idMatch := receiptIDPattern.FindStringSubmatch(text)
	if idMatch == nil {
		return
	}
	stat := ""
	if m := receiptStatPattern.FindStringSubmatch(text); m != nil {
		stat = m[1]
	}

	t.mu.Lock()
	pm, ok := t.pending[idMatch[1]]
	if ok {
		delete(t.pending, idMatch[1])
	}
	closed := t.closed
	t.mu.Unlock()

	if !ok || closed {
		return
	}

	select {
	case t.reports <- transport.DeliveryReport{
		MsgID:     pm.msgID,
		Phone:     pm.phone,
		Delivered: stat == "DELIVRD",
		At:        time.Now().UTC(),
	}:
	default:
		log.Printf("[SMPP] Report channel full, dropping receipt for %s", pm.msgID)
	}
}

// classify maps submit errors onto retry classes. Connection problems are
// transient; everything else is treated as permanent.
func classify(err error) transport.ErrorClass {
	if errors.Is(err, smpp.ErrNotConnected) || errors.Is(err, smpp.ErrTimeout) {
		return transport.ClassTransient
	}
	return transport.ClassPermanentOther
}
