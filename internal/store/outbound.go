package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
)

// InsertOutbound persists a new send attempt in its initial state.
func (s *Store) InsertOutbound(ctx context.Context, m *domain.OutboundMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_outbound_messages (
			id, session_id, recipient_index, phone, body, sim_slot, status,
			retry_count, next_retry_at, error_code, error_message, created_at, sent_at, delivered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, m.ID, m.SessionID, m.RecipientIndex, m.Phone, m.Body, m.SIMSlot, string(m.Status),
		m.RetryCount, toMillisPtr(m.NextRetryAt), m.ErrorCode, m.ErrorMessage,
		toMillis(m.CreatedAt), toMillisPtr(m.SentAt), toMillisPtr(m.DeliveredAt))
	if err != nil {
		return fmt.Errorf("insert outbound: %w", err)
	}
	return nil
}

// MarkSent records the transport ack for a message.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = 'sent', sent_at = $2, next_retry_at = NULL
		WHERE id = $1
	`, id, toMillis(at))
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkDelivered records a final delivery outcome. assumed marks messages
// that timed out waiting for a network report.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, assumed bool) error {
	status := domain.MessageDelivered
	if assumed {
		status = domain.MessageDeliveredAssumed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = $2, delivered_at = $3
		WHERE id = $1
	`, id, string(status), toMillis(at))
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure. No retry will follow.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	if len(message) > 255 {
		message = message[:255]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = 'failed', error_code = $2, error_message = $3, next_retry_at = NULL
		WHERE id = $1
	`, id, code, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkExhausted records that the retry budget ran out.
func (s *Store) MarkExhausted(ctx context.Context, id uuid.UUID, code, message string) error {
	if len(message) > 255 {
		message = message[:255]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = 'exhausted', error_code = $2, error_message = $3, next_retry_at = NULL
		WHERE id = $1
	`, id, code, message)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	return nil
}

// ScheduleRetry moves a message into pending_retry with its next attempt time.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, code, message string) error {
	if len(message) > 255 {
		message = message[:255]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = 'pending_retry', retry_count = $2, next_retry_at = $3,
		    error_code = $4, error_message = $5
		WHERE id = $1
	`, id, retryCount, toMillis(nextRetryAt), code, message)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// DueRetries returns the session's pending_retry messages whose next attempt
// time has arrived, ordered FIFO by next_retry_at.
func (s *Store) DueRetries(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, recipient_index, phone, body, sim_slot, status,
		       retry_count, next_retry_at, error_code, error_message, created_at, sent_at, delivered_at
		FROM sms_outbound_messages
		WHERE session_id = $1 AND status = 'pending_retry' AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3
	`, sessionID, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	defer rows.Close()
	return scanOutbound(rows)
}

// PendingRetryCount returns how many retries remain queued for a session,
// due or not. Used by the executor's completion grace window.
func (s *Store) PendingRetryCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sms_outbound_messages
		WHERE session_id = $1 AND status = 'pending_retry'
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending retry count: %w", err)
	}
	return n, nil
}

// PurgeRetries drops all queued retries for a session (stop semantics).
func (s *Store) PurgeRetries(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sms_outbound_messages
		WHERE session_id = $1 AND status = 'pending_retry'
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("purge retries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearExhausted deletes all exhausted messages across sessions.
func (s *Store) ClearExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sms_outbound_messages WHERE status = 'exhausted'
	`)
	if err != nil {
		return 0, fmt.Errorf("clear exhausted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReclaimStuck reschedules messages stuck in pending (created but never
// acked) for longer than the ack timeout, e.g. after a worker crash. They
// become due retries immediately.
func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_outbound_messages
		SET status = 'pending_retry', next_retry_at = $1, error_code = 'E_TRANSPORT_TIMEOUT'
		WHERE status = 'pending' AND created_at < $2
	`, toMillis(time.Now().UTC()), toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTerminalBefore removes terminal outbound rows older than the cutoff.
// Used by the retention cleanup worker.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sms_outbound_messages
		WHERE status IN ('delivered', 'delivered_assumed', 'failed', 'exhausted')
		  AND created_at < $1
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOutbound(rows *sql.Rows) ([]domain.OutboundMessage, error) {
	var out []domain.OutboundMessage
	for rows.Next() {
		var m domain.OutboundMessage
		var status string
		var nextRetryAt, sentAt, deliveredAt sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.RecipientIndex, &m.Phone, &m.Body, &m.SIMSlot, &status,
			&m.RetryCount, &nextRetryAt, &m.ErrorCode, &m.ErrorMessage, &createdAt, &sentAt, &deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		m.Status = domain.MessageStatus(status)
		m.NextRetryAt = fromMillisPtr(nextRetryAt)
		m.CreatedAt = fromMillis(createdAt)
		m.SentAt = fromMillisPtr(sentAt)
		m.DeliveredAt = fromMillisPtr(deliveredAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
