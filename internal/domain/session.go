package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignCategory classifies a campaign for compliance and rate limiting.
type CampaignCategory string

const (
	CategoryMarketing     CampaignCategory = "MARKETING"
	CategoryTransactional CampaignCategory = "TRANSACTIONAL"
	CategoryService       CampaignCategory = "SERVICE"
)

// SessionStatus enumerates the lifecycle states of a dispatch session.
type SessionStatus string

const (
	SessionReady     SessionStatus = "ready"
	SessionScheduled SessionStatus = "scheduled"
	SessionSending   SessionStatus = "sending"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal returns true if the session is in a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStopped || s == SessionCompleted || s == SessionFailed
}

// IsActive returns true if an executor may currently own the session.
func (s SessionStatus) IsActive() bool {
	return s == SessionSending || s == SessionPaused
}

// Recipient is one addressable entry from an imported list. Immutable once
// the session is saved.
type Recipient struct {
	Index  int               `json:"index" db:"idx"`
	Phone  string            `json:"phone" db:"phone"` // E.164
	Name   string            `json:"name" db:"name"`
	Amount string            `json:"amount" db:"amount"`
	Fields map[string]string `json:"fields" db:"fields"`
}

// Session is one logical campaign: recipients + template + settings + progress.
type Session struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	FileName     string           `json:"file_name" db:"file_name"`
	CampaignName string           `json:"campaign_name" db:"campaign_name"`
	Category     CampaignCategory `json:"category" db:"category"`
	Template     string           `json:"template" db:"template"`
	SendSpeed    int              `json:"send_speed" db:"send_speed"` // messages/hour
	SIMSlot      int              `json:"sim_slot" db:"sim_slot"`

	Recipients []Recipient `json:"recipients"`

	LastProcessedIndex int           `json:"last_processed_index" db:"last_processed_index"`
	SentCount          int           `json:"sent_count" db:"sent_count"`
	FailedCount        int           `json:"failed_count" db:"failed_count"`
	SkippedCount       int           `json:"skipped_count" db:"skipped_count"`
	Status             SessionStatus `json:"status" db:"status"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	Timezone    string     `json:"timezone" db:"timezone"` // display only; arithmetic is UTC

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Checkpoint is the partial progress update persisted during a run.
type Checkpoint struct {
	LastProcessedIndex int           `json:"last_processed_index"`
	SentCount          int           `json:"sent_count"`
	FailedCount        int           `json:"failed_count"`
	SkippedCount       int           `json:"skipped_count"`
	Status             SessionStatus `json:"status"`
}

// Validate checks the session is well-formed enough to start sending.
func (s *Session) Validate() error {
	if s.Template == "" {
		return NewError(CodeInvalidInput, "session template is empty")
	}
	if s.Category == "" {
		return NewError(CodeInvalidInput, "session category is empty")
	}
	if s.SendSpeed < 0 {
		return NewError(CodeInvalidInput, "send speed must be >= 0")
	}
	if s.LastProcessedIndex < 0 || s.LastProcessedIndex > len(s.Recipients) {
		return NewError(CodeInvalidInput, "last processed index out of range")
	}
	return nil
}

// Progress summarizes how far a session has advanced.
type Progress struct {
	SessionID uuid.UUID `json:"session_id"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Percent   float64   `json:"percent"`
}

// ProgressOf derives the progress snapshot from current counters.
func ProgressOf(s *Session) Progress {
	total := len(s.Recipients)
	pct := 100.0
	if total > 0 {
		pct = float64(s.LastProcessedIndex) / float64(total) * 100
	}
	return Progress{
		SessionID: s.ID,
		Processed: s.LastProcessedIndex,
		Total:     total,
		Sent:      s.SentCount,
		Failed:    s.FailedCount,
		Skipped:   s.SkippedCount,
		Percent:   pct,
	}
}
