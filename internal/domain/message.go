package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates the lifecycle states of one send attempt.
type MessageStatus string

const (
	MessagePending          MessageStatus = "pending"
	MessageSent             MessageStatus = "sent"
	MessagePendingRetry     MessageStatus = "pending_retry"
	MessageDelivered        MessageStatus = "delivered"
	MessageDeliveredAssumed MessageStatus = "delivered_assumed"
	MessageFailed           MessageStatus = "failed"
	MessageExhausted        MessageStatus = "exhausted"
)

// IsTerminal returns true once no further transition is possible.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageDelivered, MessageDeliveredAssumed, MessageFailed, MessageExhausted:
		return true
	}
	return false
}

// OutboundMessage is one send attempt for one recipient. A recipient may have
// several if retried; msgID deduplicates acknowledgments.
type OutboundMessage struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	SessionID      uuid.UUID     `json:"session_id" db:"session_id"`
	RecipientIndex int           `json:"recipient_index" db:"recipient_index"`
	Phone          string        `json:"phone" db:"phone"`
	Body           string        `json:"body" db:"body"`
	SIMSlot        int           `json:"sim_slot" db:"sim_slot"`
	Status         MessageStatus `json:"status" db:"status"`
	RetryCount     int           `json:"retry_count" db:"retry_count"`
	NextRetryAt    *time.Time    `json:"next_retry_at" db:"next_retry_at"`
	ErrorCode      string        `json:"error_code" db:"error_code"`
	ErrorMessage   string        `json:"error_message" db:"error_message"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	SentAt         *time.Time    `json:"sent_at" db:"sent_at"`
	DeliveredAt    *time.Time    `json:"delivered_at" db:"delivered_at"`
}

// OptOut records a phone number that must never be messaged again.
// Created on an inbound STOP-like keyword or explicit user action.
type OptOut struct {
	Phone     string    `json:"phone" db:"phone"` // E.164, unique
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ComplianceStatus is the outcome of the per-recipient policy check.
type ComplianceStatus string

const (
	ComplianceOK              ComplianceStatus = "COMPLIANT"
	ComplianceOptOut          ComplianceStatus = "OPT_OUT"
	ComplianceBlocked         ComplianceStatus = "BLOCKED"
	ComplianceRequiresConsent ComplianceStatus = "REQUIRES_CONSENT"
)
