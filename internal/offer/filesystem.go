package offer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/coffer/internal/ir"
)

// Filesystem stores objects as files under root/<tenant>/<type>/<id>.
//
// Writes go to a temporary file in the target directory and are renamed
// into place, so a reader never observes a partial object.
type Filesystem struct {
	id   string
	root string

	// appendMu serialises AppendSegment within this process.
	appendMu sync.Mutex
}

// NewFilesystem creates an offer rooted at dir, creating it if needed.
func NewFilesystem(id, dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create offer root %s: %w", dir, err)
	}
	return &Filesystem{id: id, root: dir}, nil
}

// ID implements Offer.
func (f *Filesystem) ID() string { return f.id }

// Root returns the directory holding the offer's objects.
func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) path(id ir.ObjectID) string {
	return filepath.Join(f.root, strconv.Itoa(id.Tenant), string(id.Type), strconv.FormatInt(id.ID, 10))
}

// Put implements Offer.
func (f *Filesystem) Put(ctx context.Context, id ir.ObjectID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.write(id, r); err != nil {
		return ir.StorageError(f.id, id, err)
	}
	return nil
}

func (f *Filesystem) write(id ir.ObjectID, r io.Reader) error {
	target := f.path(id)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Get implements Offer.
func (f *Filesystem) Get(ctx context.Context, id ir.ObjectID) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, objectNotFound(f.id, id)
	}
	if err != nil {
		return nil, 0, ir.StorageError(f.id, id, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, ir.StorageError(f.id, id, err)
	}
	return file, info.Size(), nil
}

// Delete implements Offer.
func (f *Filesystem) Delete(ctx context.Context, id ir.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return objectNotFound(f.id, id)
	}
	if err != nil {
		return ir.StorageError(f.id, id, err)
	}
	return nil
}

// Checksum implements Offer by streaming the file.
func (f *Filesystem) Checksum(ctx context.Context, id ir.ObjectID, alg ir.DigestAlgorithm) (string, error) {
	return Digest(ctx, f, id, alg)
}

// ListSegments implements Offer.
func (f *Filesystem) ListSegments(ctx context.Context, tenant int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	numbers, err := f.segments(tenant)
	if err != nil {
		return nil, ir.StorageError(f.id, ir.SegmentID(tenant, 0), err)
	}
	return numbers, nil
}

func (f *Filesystem) segments(tenant int) ([]int64, error) {
	dir := filepath.Join(f.root, strconv.Itoa(tenant), string(ir.TypeLedgerSegment))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	numbers := make([]int64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			// Temporary files from an interrupted Put.
			continue
		}
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	return numbers, nil
}

// AppendSegment implements Offer.
func (f *Filesystem) AppendSegment(ctx context.Context, tenant int, number int64, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	segID := ir.SegmentID(tenant, number)
	existing, err := f.segments(tenant)
	if err != nil {
		return 0, ir.StorageError(f.id, segID, err)
	}
	var last int64
	for _, n := range existing {
		if n >= number {
			if err := os.Remove(f.path(ir.SegmentID(tenant, n))); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return 0, ir.StorageError(f.id, ir.SegmentID(tenant, n), err)
			}
			continue
		}
		last = n
	}
	if last+1 != number {
		return last + 1, segmentGap(f.id, tenant, last, number)
	}
	if err := f.write(segID, bytes.NewReader(data)); err != nil {
		return 0, ir.StorageError(f.id, segID, err)
	}
	return number, nil
}
