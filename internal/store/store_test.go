package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
)

// fixedClock is a minimal clock for store tests; testutil imports store.
type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T, opts ...Option) (*Store, *fixedClock) {
	t.Helper()
	c := &fixedClock{now: t0}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, append([]Option{WithClock(c)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func binaryAction(tenant int, id int64, content string) ir.Action {
	return ir.Action{
		Kind: ir.ActionCreate,
		Object: ir.ChecksummedObject{
			ObjectID:  ir.ObjectID{Tenant: tenant, ID: id, Type: ir.TypeBinary},
			Algorithm: ir.SHA256,
			Digest:    ir.SHA256.MustSumBytes([]byte(content)),
		},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should exist")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"operations", "actions", "secure_state", "segments", "job_leases"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s, _ := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "2"))
}
