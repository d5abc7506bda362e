package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/coffer/internal/ir"
)

// JournalQuery selects committed object references still owned by the journal.
//
// A reference qualifies when its operation is OK, belongs to Tenant, has an id
// no greater than MaxOperation (0 means unbounded), last changed no later than
// the ChangedBy snapshot (0 means unbounded), and is either unsealed or sealed
// above SealedAbove. Callers pass the high-water mark they read the ledger up
// to, so an operation sealed mid-scan is still counted exactly once, and a
// ChangeSnapshot, so an operation completing mid-scan is seen by neither pass.
type JournalQuery struct {
	Tenant       int
	MaxOperation int64
	ChangedBy    int64
	SealedAbove  int64
	Types        []ir.ObjectType
}

// ActionCursor is a position in the committed action stream.
type ActionCursor struct {
	OperationID int64
	Position    int
}

func (q JournalQuery) where() (string, []any) {
	var b strings.Builder
	args := []any{q.Tenant, string(ir.StatusOK), q.SealedAbove}
	b.WriteString(`o.tenant = ? AND o.status = ? AND (o.secure_number IS NULL OR o.secure_number > ?)`)
	if q.MaxOperation > 0 {
		b.WriteString(` AND o.id <= ?`)
		args = append(args, q.MaxOperation)
	}
	if q.ChangedBy > 0 {
		b.WriteString(` AND o.change_seq <= ?`)
		args = append(args, q.ChangedBy)
	}
	if len(q.Types) > 0 {
		b.WriteString(` AND a.object_type IN (`)
		b.WriteString(strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ","))
		b.WriteString(`)`)
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	return b.String(), args
}

// ChangeSnapshot returns the journal's current change sequence. Operations
// inserted or moved to another status afterwards carry a higher sequence, so
// a JournalQuery bounded by the snapshot keeps selecting the same references.
func (s *Store) ChangeSnapshot(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT seq FROM change_clock WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("change snapshot: %w", err)
	}
	return seq, nil
}

// CountCommittedObjects returns how many distinct (tenant, type, id)
// identities CommittedActions would yield for q.
func (s *Store) CountCommittedObjects(ctx context.Context, q JournalQuery) (int, error) {
	where, args := q.where()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT a.tenant, a.object_type, a.object_id
			FROM actions a JOIN operations o ON o.id = a.operation_id
			WHERE `+where+`
		)`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count committed objects: %w", err)
	}
	return n, nil
}

// CommittedActions returns up to limit references for q strictly after
// cursor, in (operation id, position) order, and the cursor to resume from.
// The result is fully materialised so callers may use the store while
// processing it.
func (s *Store) CommittedActions(ctx context.Context, q JournalQuery, after ActionCursor, limit int) ([]ir.ChecksummedObject, ActionCursor, error) {
	where, args := q.where()
	args = append(args, after.OperationID, after.OperationID, after.Position, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.operation_id, a.position, a.tenant, a.object_id, a.object_type, a.algorithm, a.digest
		FROM actions a JOIN operations o ON o.id = a.operation_id
		WHERE `+where+`
		  AND (a.operation_id > ? OR (a.operation_id = ? AND a.position > ?))
		ORDER BY a.operation_id ASC, a.position ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, after, fmt.Errorf("committed actions: %w", err)
	}
	defer rows.Close()

	cursor := after
	objects := make([]ir.ChecksummedObject, 0, limit)
	for rows.Next() {
		var obj ir.ChecksummedObject
		var objType, alg string
		if err := rows.Scan(&cursor.OperationID, &cursor.Position, &obj.Tenant, &obj.ID, &objType, &alg, &obj.Digest); err != nil {
			return nil, after, fmt.Errorf("scan committed action: %w", err)
		}
		obj.Type = ir.ObjectType(objType)
		obj.Algorithm = ir.DigestAlgorithm(alg)
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("iterate committed actions: %w", err)
	}
	return objects, cursor, nil
}

// StartActions is positioned before the first action.
var StartActions = ActionCursor{OperationID: 0, Position: -1}

// IdentityStage collects object identities for one scan in the scan
// scratch table. Staged rows count only once Commit succeeds.
//
// A stage holds the journal's single connection until it ends, so nothing
// else may use the store from the goroutine that owns it.
type IdentityStage struct {
	tx   *sql.Tx
	stmt *sql.Stmt
	scan string
}

// BeginStage starts staging identities under the scan key.
func (s *Store) BeginStage(ctx context.Context, scan string) (*IdentityStage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stage: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO scan_identities (scan, tenant, object_type, object_id)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("begin stage: prepare: %w", err)
	}
	return &IdentityStage{tx: tx, stmt: stmt, scan: scan}, nil
}

// Add stages id. Adding an identity twice keeps one row.
func (st *IdentityStage) Add(ctx context.Context, id ir.ObjectID) error {
	if _, err := st.stmt.ExecContext(ctx, st.scan, id.Tenant, string(id.Type), id.ID); err != nil {
		return fmt.Errorf("stage %s: %w", id, err)
	}
	return nil
}

// Commit keeps the staged rows.
func (st *IdentityStage) Commit() error {
	if err := st.tx.Commit(); err != nil {
		return fmt.Errorf("commit stage: %w", err)
	}
	return nil
}

// Rollback discards the staged rows. It is a no-op after Commit.
func (st *IdentityStage) Rollback() error {
	if err := st.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback stage: %w", err)
	}
	return nil
}

// CountStaged returns how many identities are staged under scan. With a
// non-nil exclude, identities that exclude also selects are left out.
func (s *Store) CountStaged(ctx context.Context, scan string, exclude *JournalQuery) (int, error) {
	query := `SELECT COUNT(*) FROM scan_identities st WHERE st.scan = ?`
	args := []any{scan}
	if exclude != nil {
		where, qargs := exclude.where()
		query += `
			AND NOT EXISTS (
				SELECT 1 FROM actions a JOIN operations o ON o.id = a.operation_id
				WHERE a.tenant = st.tenant AND a.object_type = st.object_type AND a.object_id = st.object_id
				  AND ` + where + `
			)`
		args = append(args, qargs...)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count staged %s: %w", scan, err)
	}
	return n, nil
}

// DropStaged deletes every identity staged under scan.
func (s *Store) DropStaged(ctx context.Context, scan string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_identities WHERE scan = ?`, scan); err != nil {
		return fmt.Errorf("drop staged %s: %w", scan, err)
	}
	return nil
}
