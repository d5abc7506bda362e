// Package offer defines the storage offer contract and the per-tenant offer
// registry.
//
// An offer is one independently operated storage backend replicating a
// tenant's objects. Concrete drivers for object stores live outside this
// module; Memory and Filesystem are the two drivers shipped here.
package offer

import (
	"context"
	"io"

	"github.com/roach88/coffer/internal/ir"
)

// Offer is the capability contract every storage backend satisfies.
//
// Objects are addressed by ir.ObjectID. Ledger segments are ordinary objects
// of type ir.TypeLedgerSegment whose id is the secure number.
type Offer interface {
	// ID names the offer, unique within a tenant.
	ID() string

	// Put stores r under id, replacing any previous content.
	Put(ctx context.Context, id ir.ObjectID, r io.Reader) error

	// Get opens the object for reading and returns its length.
	// Returns an OBJECT_NOT_FOUND error when the object does not exist.
	Get(ctx context.Context, id ir.ObjectID) (io.ReadCloser, int64, error)

	// Delete removes the object. Deleting a missing object is an
	// OBJECT_NOT_FOUND error.
	Delete(ctx context.Context, id ir.ObjectID) error

	// Checksum returns the hex digest of the stored object.
	Checksum(ctx context.Context, id ir.ObjectID, alg ir.DigestAlgorithm) (string, error)

	// ListSegments returns the tenant's ledger segment numbers in ascending order.
	ListSegments(ctx context.Context, tenant int) ([]int64, error)

	// AppendSegment writes data as the tenant's next ledger segment and
	// returns the number the offer assigned to it.
	//
	// number is the caller's expectation. Segments at or above number are
	// leftovers of an uncommitted flush and are discarded first. When the
	// offer is missing earlier segments nothing is written and a
	// SEGMENT_NUMBER_DRIFT error is returned with the number the offer
	// would have assigned.
	AppendSegment(ctx context.Context, tenant int, number int64, data []byte) (int64, error)
}

// ReadAll reads an object fully. Intended for small housekeeping objects.
func ReadAll(ctx context.Context, o Offer, id ir.ObjectID) ([]byte, error) {
	rc, _, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ir.StorageError(o.ID(), id, err)
	}
	return data, nil
}

// Digest streams an object through alg and returns the hex digest of the
// bytes actually read, independent of any checksum the offer caches.
func Digest(ctx context.Context, o Offer, id ir.ObjectID, alg ir.DigestAlgorithm) (string, error) {
	rc, _, err := o.Get(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	digest, _, err := alg.Sum(rc)
	if err != nil {
		return "", ir.StorageError(o.ID(), id, err)
	}
	return digest, nil
}

func objectNotFound(offer string, id ir.ObjectID) error {
	return ir.NotFound(ir.CodeObjectNotFound, "object does not exist").WithOffer(offer).WithObject(id)
}

func segmentGap(offer string, tenant int, last, number int64) error {
	return ir.Internal(ir.CodeSegmentNumberDrift, "offer holds segments up to %d, cannot append %d", last, number).
		WithTenant(tenant).WithOffer(offer).WithSegment(number)
}
