package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/smscast/internal/domain"
)

// AddOptOut records a phone number as opted out. Idempotent: an existing
// record is preserved with its original reason and timestamp.
func (s *Store) AddOptOut(ctx context.Context, phone, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_optouts (phone, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO NOTHING
	`, phone, reason, toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add optout: %w", err)
	}
	return nil
}

// RemoveOptOut deletes an opt-out record (explicit user re-consent).
func (s *Store) RemoveOptOut(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sms_optouts WHERE phone = $1`, phone)
	if err != nil {
		return fmt.Errorf("remove optout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsOptedOut reports whether the phone has an opt-out record.
func (s *Store) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sms_optouts WHERE phone = $1`, phone,
	).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("optout lookup: %w", err)
}

// ListOptOuts returns all opt-out records, newest first.
func (s *Store) ListOptOuts(ctx context.Context, limit int) ([]domain.OptOut, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT phone, reason, created_at FROM sms_optouts
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list optouts: %w", err)
	}
	defer rows.Close()

	var out []domain.OptOut
	for rows.Next() {
		var o domain.OptOut
		var createdAt int64
		if err := rows.Scan(&o.Phone, &o.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan optout: %w", err)
		}
		o.CreatedAt = fromMillis(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
