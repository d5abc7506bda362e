package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coffer/internal/ir"
)

// Cursor is a (tenant, last operation id) position in the securing backlog.
// The zero Cursor starts before every tenant.
type Cursor struct {
	Tenant int
	LastID int64
}

// StartCursor is positioned before the first operation of every tenant.
var StartCursor = Cursor{Tenant: -1, LastID: 0}

// ListDue returns up to limit operations due for sealing at now, ordered by
// (tenant, id), strictly after cursor. Actions are attached.
//
// The query is stateless: an operation stays due until CommitSeal tags it,
// so a failed flush is simply picked up again on a later tick.
func (s *Store) ListDue(ctx context.Context, now time.Time, cursor Cursor, limit int) ([]ir.Operation, error) {
	ops, err := s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE secure_number IS NULL AND secure_at IS NOT NULL AND secure_at <= ?
		  AND (tenant > ? OR (tenant = ? AND id > ?))
		ORDER BY tenant ASC, id ASC
		LIMIT ?
	`, toMillis(now), cursor.Tenant, cursor.Tenant, cursor.LastID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return ops, nil
}

// SecureState is a tenant's sealing position.
type SecureState struct {
	Tenant int
	// LastNumber is the sealed high-water mark; 0 when nothing was sealed yet.
	LastNumber   int64
	LastDigest   string
	LastSealedAt time.Time
}

// SecureState returns the tenant's sealing position (zero value when the
// tenant has never been sealed).
func (s *Store) SecureState(ctx context.Context, tenant int) (SecureState, error) {
	state := SecureState{Tenant: tenant}
	var sealedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_number, last_digest, last_sealed_at FROM secure_state WHERE tenant = ?
	`, tenant).Scan(&state.LastNumber, &state.LastDigest, &sealedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("secure state %d: %w", tenant, err)
	}
	state.LastSealedAt = fromMillis(sealedAt)
	return state, nil
}

// HighWaterMark returns the maximum secure number sealed for a tenant.
func (s *Store) HighWaterMark(ctx context.Context, tenant int) (int64, error) {
	state, err := s.SecureState(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return state.LastNumber, nil
}

// Seal describes one committed ledger segment.
type Seal struct {
	Tenant            int
	Number            int64
	Digest            string
	PreviousDigest    string
	SealedAt          time.Time
	OperationIDs      []int64
	SecuringOperation int64
}

// CommitSeal records a written segment: advances the tenant's secure number,
// tags every sealed operation with it, stores the segment digest and appends
// the segment reference to the securing operation. All in one transaction.
//
// Fails with SEGMENT_NUMBER_DRIFT if seal.Number is not exactly the current
// high-water mark plus one.
func (s *Store) CommitSeal(ctx context.Context, seal Seal) error {
	if len(seal.OperationIDs) == 0 {
		return fmt.Errorf("commit seal: no operations")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit seal: begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT last_number FROM secure_state WHERE tenant = ?`, seal.Tenant).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("commit seal: read secure state: %w", err)
	}
	if seal.Number != last+1 {
		return ir.Internal(ir.CodeSegmentNumberDrift, "segment number %d does not follow %d", seal.Number, last).
			WithTenant(seal.Tenant).WithSegment(seal.Number)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO secure_state (tenant, last_number, last_digest, last_sealed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant) DO UPDATE SET
			last_number = excluded.last_number,
			last_digest = excluded.last_digest,
			last_sealed_at = excluded.last_sealed_at
	`, seal.Tenant, seal.Number, seal.Digest, toMillis(seal.SealedAt))
	if err != nil {
		return fmt.Errorf("commit seal: update secure state: %w", err)
	}

	first, lastOp := seal.OperationIDs[0], seal.OperationIDs[len(seal.OperationIDs)-1]
	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments
		(tenant, number, digest, previous_digest, sealed_at, operation_count, first_operation, last_operation, securing_operation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seal.Tenant, seal.Number, seal.Digest, seal.PreviousDigest, toMillis(seal.SealedAt),
		len(seal.OperationIDs), first, lastOp, seal.SecuringOperation)
	if err != nil {
		return fmt.Errorf("commit seal: insert segment: %w", err)
	}

	for start := 0; start < len(seal.OperationIDs); start += maxInVariables {
		end := min(start+maxInVariables, len(seal.OperationIDs))
		placeholders, args := inList(seal.OperationIDs[start:end])
		args = append([]any{seal.Number, seal.Tenant}, args...)
		result, err := tx.ExecContext(ctx, `
			UPDATE operations SET secure_number = ?
			WHERE tenant = ? AND secure_number IS NULL AND id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("commit seal: tag operations: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("commit seal: rows affected: %w", err)
		}
		if int(n) != end-start {
			return ir.Internal(ir.CodeStateConflict, "only %d of %d operations could be tagged", n, end-start).
				WithTenant(seal.Tenant).WithSegment(seal.Number)
		}
	}

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM actions WHERE operation_id = ?
	`, seal.SecuringOperation).Scan(&next)
	if err != nil {
		return fmt.Errorf("commit seal: securing action position: %w", err)
	}
	segment := ir.Action{
		Kind: ir.ActionCreate,
		Object: ir.ChecksummedObject{
			ObjectID:  ir.SegmentID(seal.Tenant, seal.Number),
			Algorithm: ir.DefaultAlgorithm,
			Digest:    seal.Digest,
		},
	}
	if err := insertAction(ctx, tx, seal.SecuringOperation, next, segment); err != nil {
		return fmt.Errorf("commit seal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seal: commit: %w", err)
	}
	return nil
}

// Segment is the journal's record of a sealed ledger segment.
type Segment struct {
	Tenant            int
	Number            int64
	Digest            string
	PreviousDigest    string
	SealedAt          time.Time
	OperationCount    int
	FirstOperation    int64
	LastOperation     int64
	SecuringOperation int64
}

// ListSegments returns a tenant's sealed segments in number order.
func (s *Store) ListSegments(ctx context.Context, tenant int) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant, number, digest, previous_digest, sealed_at, operation_count,
		       first_operation, last_operation, securing_operation
		FROM segments WHERE tenant = ?
		ORDER BY number ASC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := []Segment{}
	for rows.Next() {
		var seg Segment
		var sealedAt int64
		if err := rows.Scan(&seg.Tenant, &seg.Number, &seg.Digest, &seg.PreviousDigest, &sealedAt,
			&seg.OperationCount, &seg.FirstOperation, &seg.LastOperation, &seg.SecuringOperation); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.SealedAt = fromMillis(sealedAt)
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}
