package testutil

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/roach88/coffer/internal/clock"
	"github.com/roach88/coffer/internal/store"
)

// OpenStore opens a file-backed journal in t.TempDir with clock c.
// The store is closed on test cleanup.
func OpenStore(t testing.TB, c clock.Clock, opts ...store.Option) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path, append([]store.Option{store.WithClock(c)}, opts...)...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Blob returns n deterministic pseudo-random bytes for seed.
func Blob(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

// Name returns a stable fixture name, e.g. Name("offer", 2) == "offer-2".
func Name(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}
