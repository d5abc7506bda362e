package offer

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"

	"github.com/roach88/coffer/internal/ir"
)

// Memory is an in-process offer. It is safe for concurrent use.
//
// Tests use Corrupt and Fail to simulate bit rot and backend outages.
type Memory struct {
	id string

	mu      sync.RWMutex
	objects map[ir.ObjectID][]byte
	fault   func(op string, id ir.ObjectID) error
	reads   map[ir.ObjectID]int
}

// NewMemory creates an empty in-memory offer.
func NewMemory(id string) *Memory {
	return &Memory{
		id:      id,
		objects: make(map[ir.ObjectID][]byte),
		reads:   make(map[ir.ObjectID]int),
	}
}

// ID implements Offer.
func (m *Memory) ID() string { return m.id }

// Put implements Offer.
func (m *Memory) Put(ctx context.Context, id ir.ObjectID, r io.Reader) error {
	if err := m.check(ctx, "put", id); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ir.StorageError(m.id, id, err)
	}
	m.mu.Lock()
	m.objects[id] = data
	m.mu.Unlock()
	return nil
}

// Get implements Offer. The returned reader holds a private copy.
func (m *Memory) Get(ctx context.Context, id ir.ObjectID) (io.ReadCloser, int64, error) {
	if err := m.check(ctx, "get", id); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	data, ok := m.objects[id]
	if ok {
		m.reads[id]++
	}
	m.mu.Unlock()
	if !ok {
		return nil, 0, objectNotFound(m.id, id)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), int64(len(data)), nil
}

// Delete implements Offer.
func (m *Memory) Delete(ctx context.Context, id ir.ObjectID) error {
	if err := m.check(ctx, "delete", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		return objectNotFound(m.id, id)
	}
	delete(m.objects, id)
	return nil
}

// Checksum implements Offer.
func (m *Memory) Checksum(ctx context.Context, id ir.ObjectID, alg ir.DigestAlgorithm) (string, error) {
	if err := m.check(ctx, "checksum", id); err != nil {
		return "", err
	}
	m.mu.RLock()
	data, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return "", objectNotFound(m.id, id)
	}
	return alg.SumBytes(data)
}

// ListSegments implements Offer.
func (m *Memory) ListSegments(ctx context.Context, tenant int) ([]int64, error) {
	if err := m.check(ctx, "list", ir.SegmentID(tenant, 0)); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segmentsLocked(tenant), nil
}

func (m *Memory) segmentsLocked(tenant int) []int64 {
	numbers := []int64{}
	for id := range m.objects {
		if id.Tenant == tenant && id.Type == ir.TypeLedgerSegment {
			numbers = append(numbers, id.ID)
		}
	}
	slices.Sort(numbers)
	return numbers
}

// AppendSegment implements Offer.
func (m *Memory) AppendSegment(ctx context.Context, tenant int, number int64, data []byte) (int64, error) {
	if err := m.check(ctx, "append", ir.SegmentID(tenant, number)); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var last int64
	for _, n := range m.segmentsLocked(tenant) {
		if n >= number {
			delete(m.objects, ir.SegmentID(tenant, n))
			continue
		}
		last = n
	}
	if last+1 != number {
		return last + 1, segmentGap(m.id, tenant, last, number)
	}
	m.objects[ir.SegmentID(tenant, number)] = bytes.Clone(data)
	return number, nil
}

// Corrupt flips one byte of a stored object. Reports false if the object
// does not exist or offset is out of range.
func (m *Memory) Corrupt(id ir.ObjectID, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[id]
	if !ok || offset < 0 || offset >= len(data) {
		return false
	}
	data[offset] ^= 0xff
	return true
}

// Fail installs a fault hook consulted before every call. op is one of
// put, get, delete, checksum, list, append. A nil hook clears it.
func (m *Memory) Fail(hook func(op string, id ir.ObjectID) error) {
	m.mu.Lock()
	m.fault = hook
	m.mu.Unlock()
}

// Has reports whether the object is stored.
func (m *Memory) Has(id ir.ObjectID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Reads returns how many times id was opened with Get.
func (m *Memory) Reads(id ir.ObjectID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads[id]
}

func (m *Memory) check(ctx context.Context, op string, id ir.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	hook := m.fault
	m.mu.RUnlock()
	if hook == nil {
		return nil
	}
	if err := hook(op, id); err != nil {
		return ir.StorageError(m.id, id, err)
	}
	return nil
}
