package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
)

// SaveSession upserts a session and its recipient list in one transaction.
// Recipients are immutable once enqueued: they are written only when the
// session has none persisted yet.
func (s *Store) SaveSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sms_sessions (
			id, file_name, campaign_name, category, template, send_speed, sim_slot,
			last_processed_index, sent_count, failed_count, skipped_count, status,
			scheduled_at, timezone, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			campaign_name = EXCLUDED.campaign_name,
			category = EXCLUDED.category,
			template = EXCLUDED.template,
			send_speed = EXCLUDED.send_speed,
			sim_slot = EXCLUDED.sim_slot,
			last_processed_index = EXCLUDED.last_processed_index,
			sent_count = EXCLUDED.sent_count,
			failed_count = EXCLUDED.failed_count,
			skipped_count = EXCLUDED.skipped_count,
			status = EXCLUDED.status,
			scheduled_at = EXCLUDED.scheduled_at,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
	`,
		sess.ID, sess.FileName, sess.CampaignName, string(sess.Category), sess.Template,
		sess.SendSpeed, sess.SIMSlot,
		sess.LastProcessedIndex, sess.SentCount, sess.FailedCount, sess.SkippedCount,
		string(sess.Status), toMillisPtr(sess.ScheduledAt), sess.Timezone,
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	var have int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sms_recipients WHERE session_id = $1`, sess.ID,
	).Scan(&have); err != nil {
		return fmt.Errorf("save session: count recipients: %w", err)
	}

	if have == 0 && len(sess.Recipients) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sms_recipients (session_id, idx, phone, name, amount, fields)
			VALUES ($1,$2,$3,$4,$5,$6)
		`)
		if err != nil {
			return fmt.Errorf("save session: prepare recipients: %w", err)
		}
		defer stmt.Close()

		for _, r := range sess.Recipients {
			fields := r.Fields
			if fields == nil {
				fields = map[string]string{}
			}
			raw, _ := json.Marshal(fields)
			if _, err := stmt.ExecContext(ctx, sess.ID, r.Index, r.Phone, r.Name, r.Amount, raw); err != nil {
				return fmt.Errorf("save session: insert recipient %d: %w", r.Index, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session: commit: %w", err)
	}
	return nil
}

// LoadSession loads a session and its full recipient list.
func (s *Store) LoadSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	sess := &domain.Session{}
	var category, status string
	var scheduledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, campaign_name, category, template, send_speed, sim_slot,
		       last_processed_index, sent_count, failed_count, skipped_count, status,
		       scheduled_at, timezone, created_at, updated_at
		FROM sms_sessions WHERE id = $1
	`, id).Scan(
		&sess.ID, &sess.FileName, &sess.CampaignName, &category, &sess.Template,
		&sess.SendSpeed, &sess.SIMSlot,
		&sess.LastProcessedIndex, &sess.SentCount, &sess.FailedCount, &sess.SkippedCount,
		&status, &scheduledAt, &sess.Timezone, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess.Category = domain.CampaignCategory(category)
	sess.Status = domain.SessionStatus(status)
	sess.ScheduledAt = fromMillisPtr(scheduledAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, phone, name, amount, fields
		FROM sms_recipients WHERE session_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.Recipient
		var raw []byte
		if err := rows.Scan(&r.Index, &r.Phone, &r.Name, &r.Amount, &raw); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &r.Fields)
		}
		if r.Fields == nil {
			r.Fields = map[string]string{}
		}
		sess.Recipients = append(sess.Recipients, r)
	}
	return sess, rows.Err()
}

// LoadActiveSession returns the single session currently in an active state
// (sending or paused), if any. Used for the resume-after-restart prompt.
func (s *Store) LoadActiveSession(ctx context.Context) (*domain.Session, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sms_sessions
		WHERE status IN ('sending', 'paused')
		ORDER BY updated_at DESC LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	return s.LoadSession(ctx, id)
}

// ListDueScheduled returns ids of sessions whose scheduled fire time has
// arrived. Missed fires (process was down) satisfy the same predicate and
// are returned on the first poll after startup.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sms_sessions
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
	`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list due scheduled: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Checkpoint persists a partial progress update. Callers batch these (every
// 250 ms or 50 recipients); each call is a single atomic UPDATE.
func (s *Store) Checkpoint(ctx context.Context, id uuid.UUID, cp domain.Checkpoint) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_sessions SET
			last_processed_index = $2,
			sent_count = $3,
			failed_count = $4,
			skipped_count = $5,
			status = $6,
			updated_at = $7
		WHERE id = $1
	`, id, cp.LastProcessedIndex, cp.SentCount, cp.FailedCount, cp.SkippedCount,
		string(cp.Status), toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates only the session status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_sessions SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSession removes a session, its recipients, outbound rows, and lease.
func (s *Store) ClearSession(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear session: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sms_outbound_messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("clear session: outbound: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sms_session_leases WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("clear session: lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sms_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear session: session: %w", err)
	}
	return tx.Commit()
}
