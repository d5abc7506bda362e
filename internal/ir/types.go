package ir

import (
	"fmt"
	"time"
)

// ObjectType classifies a storage object. The type is part of object identity.
type ObjectType string

const (
	// TypeUnit is an archive unit metadata document.
	TypeUnit ObjectType = "unit"
	// TypeObjectGroup is an object group metadata document.
	TypeObjectGroup ObjectType = "object_group"
	// TypeBinary is an archived binary object.
	TypeBinary ObjectType = "binary"
	// TypeLedgerSegment is a sealed ledger segment; its id is the secure number.
	TypeLedgerSegment ObjectType = "ledger_segment"
	// TypeOperationStaging is the per-operation staging copy written before sealing.
	TypeOperationStaging ObjectType = "operation_staging"
)

// ObjectTypes lists every known object type, in a stable order.
var ObjectTypes = []ObjectType{TypeUnit, TypeObjectGroup, TypeBinary, TypeLedgerSegment, TypeOperationStaging}

// Valid reports whether t is a known object type.
func (t ObjectType) Valid() bool {
	for _, known := range ObjectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Immutable reports whether the expected digest of objects of this type is
// fixed for the lifetime of the object.
func (t ObjectType) Immutable() bool {
	return t == TypeBinary || t == TypeLedgerSegment
}

// ObjectID addresses one stored artifact on every offer.
type ObjectID struct {
	Tenant int        `json:"tenant"`
	ID     int64      `json:"id"`
	Type   ObjectType `json:"type"`
}

// String renders the identity as tenant/type/id.
func (o ObjectID) String() string {
	return fmt.Sprintf("%d/%s/%d", o.Tenant, o.Type, o.ID)
}

// ChecksummedObject is an object identity with the digest recorded at write time.
type ChecksummedObject struct {
	ObjectID
	Algorithm DigestAlgorithm `json:"algorithm"`
	Digest    string          `json:"digest"`
}

// ActionKind is the effect an action had on its object.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
)

// Action is an immutable effect recorded against an operation.
type Action struct {
	Kind   ActionKind        `json:"kind"`
	Object ChecksummedObject `json:"object"`
}

// OperationType names the kind of work an operation performs.
type OperationType string

const (
	OpIngest      OperationType = "ingest"
	OpUpdate      OperationType = "update"
	OpReclassify  OperationType = "reclassify"
	OpEliminate   OperationType = "eliminate"
	OpTransfer    OperationType = "transfer"
	OpReferential OperationType = "referential"
	OpSecuring    OperationType = "securing"
	OpCoherency   OperationType = "coherency_check"
	OpTenantCheck OperationType = "tenant_check"
	OpReplication OperationType = "replication"
	OpReindex     OperationType = "reindex"
)

// Mutating reports whether operations of this type follow the
// INIT → BACKUP → STORE → INDEX → OK path. Other types use RUN → OK|FATAL.
func (t OperationType) Mutating() bool {
	switch t {
	case OpIngest, OpUpdate, OpReclassify, OpEliminate, OpTransfer, OpReferential:
		return true
	}
	return false
}

// Operation is a durable unit of archival work.
//
// An operation is mutated only by the component currently driving its stage;
// ownership moves with the status change (see store.Transition).
type Operation struct {
	ID            int64         `json:"id"`
	Tenant        int           `json:"tenant"`
	Type          OperationType `json:"type"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Message       string        `json:"message"`
	Properties    Map           `json:"properties,omitempty"`
	UserID        string        `json:"user_id,omitempty"`
	ApplicationID string        `json:"application_id,omitempty"`
	Actions       []Action      `json:"actions,omitempty"`

	// SecureAt is when the operation becomes due for sealing. Nil until terminal.
	SecureAt *time.Time `json:"secure_at,omitempty"`
	// SecureNumber is the ledger segment holding this operation, once sealed.
	SecureNumber *int64 `json:"secure_number,omitempty"`
	// Workspace is the on-disk scratch directory, released by the retention sweep.
	Workspace string `json:"workspace,omitempty"`
	// ParentID links a child check operation to the operation that spawned it.
	ParentID *int64 `json:"parent_id,omitempty"`
}

// Units is the batching weight of an operation: itself plus its actions.
func (op *Operation) Units() int {
	return 1 + len(op.Actions)
}

// Sealed reports whether the operation already belongs to a ledger segment.
func (op *Operation) Sealed() bool {
	return op.SecureNumber != nil
}

// StagingID is the identity of the operation's staging copy on the offers.
func (op *Operation) StagingID() ObjectID {
	return ObjectID{Tenant: op.Tenant, ID: op.ID, Type: TypeOperationStaging}
}

// SegmentID returns the identity of ledger segment number for a tenant.
func SegmentID(tenant int, number int64) ObjectID {
	return ObjectID{Tenant: tenant, ID: number, Type: TypeLedgerSegment}
}
