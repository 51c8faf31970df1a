// Package transport abstracts the platform SMS transmission primitive. It is
// the single porting seam: everything above it is platform-independent, and
// only Transport implementations differ per target.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrorClass categorizes a send failure for retry policy.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassPermanentInvalid
	ClassPermanentBlocked
	ClassPermanentOther
)

// Permanent reports whether the class excludes retrying.
func (c ErrorClass) Permanent() bool {
	return c == ClassPermanentInvalid || c == ClassPermanentBlocked || c == ClassPermanentOther
}

// SendRequest is one message handed to the radio.
type SendRequest struct {
	MsgID   uuid.UUID
	Phone   string
	Body    string
	SIMSlot int
}

// SendResult is the synchronous outcome of handing the SMS to the radio.
type SendResult struct {
	MsgID        uuid.UUID
	OK           bool
	Class        ErrorClass
	ErrorCode    string
	ErrorMessage string
}

// DeliveryReport is the asynchronous network acknowledgment. It may never
// arrive; the tracker times SENT messages out into delivered_assumed.
type DeliveryReport struct {
	MsgID     uuid.UUID
	Phone     string
	Delivered bool
	At        time.Time
}

// Transport delivers SMS to the radio/network. Send must respect ctx
// cancellation and deadline; the executor wraps it in the ack timeout.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	// DeliveryReports emits out-of-band network reports. The channel is
	// closed by Close.
	DeliveryReports() <-chan DeliveryReport
	Close() error
}
