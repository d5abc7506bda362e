package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease claims or renews job for node until now+ttl.
// Returns true when node holds the lease after the call: either it already
// held it, or the previous holder's lease had expired.
func (s *Store) AcquireLease(ctx context.Context, job, node string, ttl time.Duration) (bool, error) {
	now := s.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_leases (job, node, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET node = excluded.node, expires_at = excluded.expires_at
		WHERE job_leases.node = excluded.node OR job_leases.expires_at < ?
	`, job, node, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", job, err)
	}

	var holder string
	if err := s.db.QueryRowContext(ctx, `SELECT node FROM job_leases WHERE job = ?`, job).Scan(&holder); err != nil {
		return false, fmt.Errorf("read lease %s: %w", job, err)
	}
	return holder == node, nil
}

// ReleaseLease drops node's lease on job, if it holds one.
func (s *Store) ReleaseLease(ctx context.Context, job, node string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE job = ? AND node = ?`, job, node); err != nil {
		return fmt.Errorf("release lease %s: %w", job, err)
	}
	return nil
}
