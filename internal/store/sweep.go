package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/coffer/internal/ir"
)

// ForceTimedOut moves every operation that has been in status from without
// progress since before cutoff into status to, with message. Returns the ids
// that were moved.
//
// Used for crash recovery: the process driving those operations has died.
func (s *Store) ForceTimedOut(ctx context.Context, from, to ir.Status, cutoff time.Time, message string) ([]int64, error) {
	if !from.CanTransition(to) {
		return nil, ir.Functional(ir.CodeInvalidTransition, "cannot force %s to %s", from, to)
	}
	now := s.Now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE operations
		SET status = ?, message = ?, updated_at = ?, secure_at = ?
		WHERE status = ? AND updated_at < ?
		RETURNING id
	`, string(to), message, toMillis(now), toMillis(now.Add(s.securingDelay)), string(from), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("force timed out %s: %w", from, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan timed out id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timed out ids: %w", err)
	}
	return ids, nil
}

// Deleted identifies an operation removed by the retention sweep.
type Deleted struct {
	ID        int64
	Workspace string
}

// DeleteTerminal removes sealed operations in any of statuses whose last
// update is before cutoff. Unsealed operations are kept regardless of age
// because their history is not yet inside a ledger segment.
func (s *Store) DeleteTerminal(ctx context.Context, statuses []ir.Status, cutoff time.Time) ([]Deleted, error) {
	if len(statuses) == 0 {
		return []Deleted{}, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		if !st.Terminal() {
			return nil, fmt.Errorf("delete terminal: %s is not terminal", st)
		}
		args = append(args, string(st))
	}
	args = append(args, toMillis(cutoff))

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM operations
		WHERE status IN (`+placeholders+`) AND updated_at < ? AND secure_number IS NOT NULL
		RETURNING id, workspace
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("delete terminal: %w", err)
	}
	defer rows.Close()

	deleted := []Deleted{}
	for rows.Next() {
		var d Deleted
		if err := rows.Scan(&d.ID, &d.Workspace); err != nil {
			return nil, fmt.Errorf("scan deleted: %w", err)
		}
		deleted = append(deleted, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted: %w", err)
	}
	return deleted, nil
}
