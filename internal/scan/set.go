package scan

import (
	"fmt"
	"hash/maphash"
	"math/bits"
	"sync/atomic"

	"github.com/roach88/coffer/internal/ir"
)

// pageSize is the number of entries per arena page.
const pageSize = 4096

// Set is a deduplicating map from object identity to expected checksum with
// a capacity fixed at construction.
//
// Entries live in fixed-size arena pages and are located through an
// open-addressing index of page positions, so a fill of millions of entries
// never rehashes or moves data. The set is single-writer: fill it, Freeze it,
// then read it through ForEachChunk, which copies entries out so that chunks
// can be handed to other goroutines. Only one iteration may run at a time.
type Set struct {
	capacity int
	pages    [][]ir.ChecksummedObject
	size     int
	offered  int
	index    []uint32
	mask     uint64
	seed     maphash.Seed
	frozen   bool
	busy     atomic.Bool
}

// NewSet allocates a set able to hold capacity distinct identities.
func NewSet(capacity int) (*Set, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("new set: negative capacity %d", capacity)
	}
	if uint64(capacity) >= 1<<31 {
		return nil, ir.Internal(ir.CodeCapacityExceeded, "set capacity %d is too large", capacity)
	}
	// Load factor at most one half.
	slots := uint64(1) << bits.Len64(uint64(capacity)*2|1)
	return &Set{
		capacity: capacity,
		pages:    make([][]ir.ChecksummedObject, 0, (capacity+pageSize-1)/pageSize),
		index:    make([]uint32, slots),
		mask:     slots - 1,
		seed:     maphash.MakeSeed(),
	}, nil
}

// Capacity returns the number of distinct identities the set was sized for.
func (s *Set) Capacity() int { return s.capacity }

// Len returns the number of distinct identities.
func (s *Set) Len() int { return s.size }

// Offered returns how many insertions were made, duplicates included.
func (s *Set) Offered() int { return s.offered }

func (s *Set) at(pos uint32) *ir.ChecksummedObject {
	p := int(pos)
	return &s.pages[p/pageSize][p%pageSize]
}

// slot returns the index slot holding id, or the empty slot where it belongs.
func (s *Set) slot(id ir.ObjectID) uint64 {
	i := maphash.Comparable(s.seed, id) & s.mask
	for {
		v := s.index[i]
		if v == 0 || s.at(v-1).ObjectID == id {
			return i
		}
		i = (i + 1) & s.mask
	}
}

// Insert adds obj, or replaces the expected checksum of an identity already
// present. Identity is (tenant, id, type).
//
// The checksum of an immutable type never changes: re-inserting one with a
// different checksum fails with CHECKSUM_MISMATCH. Returns CAPACITY_EXCEEDED
// for an identity beyond the capacity, and an error after Freeze or during
// iteration.
func (s *Set) Insert(obj ir.ChecksummedObject) error {
	if s.frozen {
		return fmt.Errorf("insert %s: set is frozen", obj.ObjectID)
	}
	if s.busy.Load() {
		return fmt.Errorf("insert %s: set is being iterated", obj.ObjectID)
	}

	i := s.slot(obj.ObjectID)
	if v := s.index[i]; v != 0 {
		s.offered++
		cur := s.at(v - 1)
		if obj.Type.Immutable() && (cur.Algorithm != obj.Algorithm || cur.Digest != obj.Digest) {
			return ir.Internal(ir.CodeChecksumMismatch, "referenced with %s:%s after %s:%s",
				obj.Algorithm, obj.Digest, cur.Algorithm, cur.Digest).
				WithTenant(obj.Tenant).WithObject(obj.ObjectID)
		}
		*cur = obj
		return nil
	}
	if s.size >= s.capacity {
		return ir.Internal(ir.CodeCapacityExceeded, "set sized for %d identities", s.capacity).
			WithTenant(obj.Tenant).WithObject(obj.ObjectID)
	}
	s.offered++

	if s.size%pageSize == 0 {
		s.pages = append(s.pages, make([]ir.ChecksummedObject, pageSize))
	}
	pos := uint32(s.size)
	*s.at(pos) = obj
	s.index[i] = pos + 1
	s.size++
	return nil
}

// Lookup returns the entry for id.
func (s *Set) Lookup(id ir.ObjectID) (ir.ChecksummedObject, bool) {
	v := s.index[s.slot(id)]
	if v == 0 {
		return ir.ChecksummedObject{}, false
	}
	return *s.at(v - 1), true
}

// Freeze ends the fill. Further insertions fail.
func (s *Set) Freeze() { s.frozen = true }

// Frozen reports whether Freeze was called.
func (s *Set) Frozen() bool { return s.frozen }

// ForEachChunk copies the entries, in insertion order, into fresh slices of
// at most size entries and calls fn with each. fn owns the slice it receives.
// Iteration stops at the first error fn returns.
//
// A second ForEachChunk while one is running fails immediately.
func (s *Set) ForEachChunk(size int, fn func(chunk []ir.ChecksummedObject) error) error {
	if size <= 0 {
		return fmt.Errorf("for each chunk: size must be positive, got %d", size)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("for each chunk: set is already being iterated")
	}
	defer s.busy.Store(false)

	for start := 0; start < s.size; start += size {
		end := min(start+size, s.size)
		chunk := make([]ir.ChecksummedObject, 0, end-start)
		for pos := start; pos < end; pos++ {
			chunk = append(chunk, *s.at(uint32(pos)))
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}
