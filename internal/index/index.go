// Package index is the search index sink the engine feeds.
//
// The document format belongs to the search service; the engine only hands
// over operations and metadata objects. Sinks are fire-and-forget from the
// securing pipeline: failures are logged, never propagated into sealing.
package index

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/coffer/internal/ir"
)

// Sink receives documents to index.
type Sink interface {
	// IndexOperation indexes a single operation.
	IndexOperation(ctx context.Context, op ir.Operation) error
	// IndexSealed indexes operations sealed into segment number.
	IndexSealed(ctx context.Context, tenant int, number int64, ops []ir.Operation) error
	// IndexObject indexes a metadata document read from an offer.
	IndexObject(ctx context.Context, obj ir.ChecksummedObject, data []byte) error
}

// LogSink logs what it receives. It stands in for an external index.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// IndexOperation implements Sink.
func (s LogSink) IndexOperation(_ context.Context, op ir.Operation) error {
	s.logger().Info("index operation", "tenant", op.Tenant, "operation", op.ID, "type", op.Type, "status", op.Status)
	return nil
}

// IndexSealed implements Sink.
func (s LogSink) IndexSealed(_ context.Context, tenant int, number int64, ops []ir.Operation) error {
	s.logger().Info("index sealed operations", "tenant", tenant, "segment", number, "operations", len(ops))
	return nil
}

// IndexObject implements Sink.
func (s LogSink) IndexObject(_ context.Context, obj ir.ChecksummedObject, data []byte) error {
	s.logger().Info("index object", "object", obj.ObjectID.String(), "bytes", len(data))
	return nil
}

// Memory records everything it receives. Safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	operations []ir.Operation
	sealed     map[int][]int64
	objects    map[ir.ObjectID]string
	err        error
}

// NewMemory creates an empty recording sink.
func NewMemory() *Memory {
	return &Memory{sealed: make(map[int][]int64), objects: make(map[ir.ObjectID]string)}
}

// FailWith makes every later call return err. nil restores success.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// IndexOperation implements Sink.
func (m *Memory) IndexOperation(_ context.Context, op ir.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.operations = append(m.operations, op)
	return nil
}

// IndexSealed implements Sink.
func (m *Memory) IndexSealed(_ context.Context, tenant int, number int64, ops []ir.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sealed[tenant] = append(m.sealed[tenant], number)
	m.operations = append(m.operations, ops...)
	return nil
}

// IndexObject implements Sink.
func (m *Memory) IndexObject(_ context.Context, obj ir.ChecksummedObject, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.objects[obj.ObjectID] = string(data)
	return nil
}

// Operations returns the ids of every operation indexed so far, in order.
func (m *Memory) Operations() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, len(m.operations))
	for i, op := range m.operations {
		ids[i] = op.ID
	}
	return ids
}

// Sealed returns the segment numbers indexed for tenant.
func (m *Memory) Sealed(tenant int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.sealed[tenant]...)
}

// Objects returns the indexed metadata documents keyed by identity.
func (m *Memory) Objects() map[ir.ObjectID]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ir.ObjectID]string, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}
