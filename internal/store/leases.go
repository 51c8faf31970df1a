package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireLease grants exclusive ownership of a session to ownerID for ttl.
// It succeeds iff no other owner holds a non-expired lease. Re-acquiring
// one's own lease renews it.
func (s *Store) AcquireLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_session_leases (session_id, owner_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			expires_at = EXCLUDED.expires_at
		WHERE sms_session_leases.expires_at < $4
		   OR sms_session_leases.owner_id = EXCLUDED.owner_id
	`, sessionID, ownerID, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewLease extends a lease the owner already holds.
func (s *Store) RenewLease(ctx context.Context, sessionID uuid.UUID, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_session_leases SET expires_at = $3
		WHERE session_id = $1 AND owner_id = $2
	`, sessionID, ownerID, toMillis(time.Now().UTC().Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease drops a lease if ownerID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, sessionID uuid.UUID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sms_session_leases WHERE session_id = $1 AND owner_id = $2
	`, sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
