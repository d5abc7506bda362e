package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/coffer/internal/ir"
)

const operationColumns = `id, tenant, type, status, created_at, updated_at, message, properties,
	user_id, application_id, secure_at, secure_number, workspace, parent_id`

// CreateOperation inserts a new operation and returns it with its assigned id.
// CreatedAt and UpdatedAt are stamped from the store clock when zero.
// Any actions on op are appended in the same transaction.
func (s *Store) CreateOperation(ctx context.Context, op ir.Operation) (ir.Operation, error) {
	if !op.Status.Valid() {
		return op, fmt.Errorf("create operation: invalid status %q", op.Status)
	}
	now := s.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = op.CreatedAt

	props, err := marshalProperties(op.Properties)
	if err != nil {
		return op, fmt.Errorf("create operation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return op, fmt.Errorf("create operation: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO operations
		(tenant, type, status, created_at, updated_at, message, properties, user_id, application_id, workspace, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.Tenant,
		string(op.Type),
		string(op.Status),
		toMillis(op.CreatedAt),
		toMillis(op.UpdatedAt),
		op.Message,
		props,
		op.UserID,
		op.ApplicationID,
		op.Workspace,
		nullInt64(op.ParentID),
	)
	if err != nil {
		return op, fmt.Errorf("create operation: insert: %w", err)
	}

	op.ID, err = result.LastInsertId()
	if err != nil {
		return op, fmt.Errorf("create operation: last insert id: %w", err)
	}

	for i, action := range op.Actions {
		if err := insertAction(ctx, tx, op.ID, i, action); err != nil {
			return op, fmt.Errorf("create operation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return op, fmt.Errorf("create operation: commit: %w", err)
	}
	return op, nil
}

// GetOperation returns an operation with its actions.
// Returns an OPERATION_NOT_FOUND error when the id does not exist.
func (s *Store) GetOperation(ctx context.Context, id int64) (ir.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Operation{}, ir.NotFound(ir.CodeOperationNotFound, "operation %d does not exist", id)
	}
	if err != nil {
		return ir.Operation{}, fmt.Errorf("get operation %d: %w", id, err)
	}

	actions, err := s.loadActions(ctx, []int64{id})
	if err != nil {
		return ir.Operation{}, fmt.Errorf("get operation %d: %w", id, err)
	}
	op.Actions = actions[id]
	return op, nil
}

// Status returns only the current status of an operation.
func (s *Store) Status(ctx context.Context, id int64) (ir.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ir.NotFound(ir.CodeOperationNotFound, "operation %d does not exist", id)
	}
	if err != nil {
		return "", fmt.Errorf("get status %d: %w", id, err)
	}
	return ir.Status(status), nil
}

// Transition atomically moves an operation from one status to the next and
// records message as its human-readable state.
//
// The update is a compare-and-swap on the current status:
//   - INVALID_TRANSITION if from → to is not a legal edge
//   - OPERATION_NOT_FOUND if the operation does not exist
//   - STATE_CONFLICT if the operation is no longer in from
//
// Reaching a terminal status stamps secure_at, making the operation due for
// sealing after the configured securing delay.
func (s *Store) Transition(ctx context.Context, id int64, from, to ir.Status, message string) error {
	if !from.CanTransition(to) {
		return ir.Functional(ir.CodeInvalidTransition, "operation %d cannot move from %s to %s", id, from, to)
	}

	now := s.Now()
	var secureAt any
	if to.Terminal() {
		secureAt = toMillis(now.Add(s.securingDelay))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, message = ?, updated_at = ?, secure_at = COALESCE(?, secure_at)
		WHERE id = ? AND status = ?
	`, string(to), message, toMillis(now), secureAt, id, string(from))
	if err != nil {
		return fmt.Errorf("transition operation %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition operation %d: rows affected: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	return ir.Internal(ir.CodeStateConflict, "operation %d is %s, expected %s", id, current, from)
}

// AppendAction records an action against an operation at the next position.
// The operation must not be terminal; actions are immutable once appended.
func (s *Store) AppendAction(ctx context.Context, id int64, action ir.Action) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append action: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT o.status, (SELECT COALESCE(MAX(position) + 1, 0) FROM actions WHERE operation_id = o.id)
		FROM operations o WHERE o.id = ?
	`, id).Scan(&status, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.NotFound(ir.CodeOperationNotFound, "operation %d does not exist", id)
	}
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	if ir.Status(status).Terminal() {
		return ir.Functional(ir.CodeStateConflict, "operation %d is %s, actions are closed", id, status)
	}

	if err := insertAction(ctx, tx, id, next, action); err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append action: commit: %w", err)
	}
	return nil
}

// DeleteOperation removes an operation and its actions unconditionally.
// Used for child check operations once their outcome has been observed.
func (s *Store) DeleteOperation(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation %d: %w", id, err)
	}
	return nil
}

// ListByStatus returns up to limit operations in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status ir.Status, limit int) ([]ir.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status = ?
		ORDER BY id ASC
		LIMIT ?
	`, string(status), limit)
}

// ListChildren returns the child operations spawned by parent.
func (s *Store) ListChildren(ctx context.Context, parent int64) ([]ir.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE parent_id = ?
		ORDER BY id ASC
	`, parent)
}

// ListRecent returns the most recent operations of a tenant, newest first.
func (s *Store) ListRecent(ctx context.Context, tenant int, limit int) ([]ir.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE tenant = ?
		ORDER BY id DESC
		LIMIT ?
	`, tenant, limit)
}

// CountByStatus returns the number of operations per status for a tenant.
func (s *Store) CountByStatus(ctx context.Context, tenant int) (map[ir.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM operations WHERE tenant = ? GROUP BY status ORDER BY status
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[ir.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[ir.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// queryOperations runs a query returning operation rows and attaches actions
// in a single batch (avoids N+1).
func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}

	var ops []ir.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	rows.Close()

	if len(ops) == 0 {
		return []ir.Operation{}, nil
	}

	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	actions, err := s.loadActions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		ops[i].Actions = actions[ops[i].ID]
	}
	return ops, nil
}

// maxInVariables bounds the IN (...) lists built by this package.
const maxInVariables = 500

// loadActions returns actions keyed by operation id, in position order.
func (s *Store) loadActions(ctx context.Context, ids []int64) (map[int64][]ir.Action, error) {
	out := make(map[int64][]ir.Action, len(ids))
	for start := 0; start < len(ids); start += maxInVariables {
		end := min(start+maxInVariables, len(ids))
		chunk := ids[start:end]

		placeholders, args := inList(chunk)
		rows, err := s.db.QueryContext(ctx, `
			SELECT operation_id, kind, tenant, object_id, object_type, algorithm, digest
			FROM actions
			WHERE operation_id IN (`+placeholders+`)
			ORDER BY operation_id ASC, position ASC
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("load actions: %w", err)
		}

		for rows.Next() {
			var opID int64
			var a ir.Action
			var kind, objType, alg string
			if err := rows.Scan(&opID, &kind, &a.Object.Tenant, &a.Object.ID, &objType, &alg, &a.Object.Digest); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan action: %w", err)
			}
			a.Kind = ir.ActionKind(kind)
			a.Object.Type = ir.ObjectType(objType)
			a.Object.Algorithm = ir.DigestAlgorithm(alg)
			out[opID] = append(out[opID], a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate actions: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

func insertAction(ctx context.Context, tx *sql.Tx, opID int64, position int, a ir.Action) error {
	if !a.Object.Type.Valid() {
		return fmt.Errorf("insert action: invalid object type %q", a.Object.Type)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO actions
		(operation_id, position, kind, tenant, object_id, object_type, algorithm, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		opID,
		position,
		string(a.Kind),
		a.Object.Tenant,
		a.Object.ID,
		string(a.Object.Type),
		string(a.Object.Algorithm),
		a.Object.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(r rowScanner) (ir.Operation, error) {
	var op ir.Operation
	var opType, status, props string
	var created, updated int64
	var secureAt, secureNumber, parentID sql.NullInt64

	err := r.Scan(
		&op.ID,
		&op.Tenant,
		&opType,
		&status,
		&created,
		&updated,
		&op.Message,
		&props,
		&op.UserID,
		&op.ApplicationID,
		&secureAt,
		&secureNumber,
		&op.Workspace,
		&parentID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return op, err
		}
		return op, fmt.Errorf("scan operation: %w", err)
	}

	op.Type = ir.OperationType(opType)
	op.Status = ir.Status(status)
	op.CreatedAt = fromMillis(created)
	op.UpdatedAt = fromMillis(updated)
	if secureAt.Valid {
		t := fromMillis(secureAt.Int64)
		op.SecureAt = &t
	}
	if secureNumber.Valid {
		n := secureNumber.Int64
		op.SecureNumber = &n
	}
	if parentID.Valid {
		p := parentID.Int64
		op.ParentID = &p
	}

	op.Properties, err = unmarshalProperties(props)
	if err != nil {
		return op, fmt.Errorf("scan operation %d: %w", op.ID, err)
	}
	return op, nil
}

func inList(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
