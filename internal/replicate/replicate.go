// Package replicate copies a tenant's committed objects from one offer to
// another, typically to fill a newly added offer.
package replicate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/scan"
	"github.com/roach88/coffer/internal/workpool"
)

// DefaultChunkSize is the number of objects handed to one storage task.
const DefaultChunkSize = 1000

// Offers resolves a tenant's offers.
type Offers interface {
	Offers(tenant int) ([]offer.Offer, error)
	Offer(tenant int, id string) (offer.Offer, error)
}

// Report counts what one replication did.
type Report struct {
	Tenant  int    `json:"tenant"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Objects int    `json:"objects"`
	// Copied objects were missing or damaged on the target.
	Copied int `json:"copied"`
	// Intact objects already matched on the target.
	Intact int `json:"intact"`
}

// Replicator copies objects between offers on the storage pool.
type Replicator struct {
	journal   scan.Journal
	offers    Offers
	pool      *workpool.Pool
	chunkSize int
	logger    *slog.Logger
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithPool sets the storage pool.
func WithPool(p *workpool.Pool) Option {
	return func(r *Replicator) {
		r.pool = p
	}
}

// WithChunkSize sets the number of objects per storage task.
func WithChunkSize(n int) Option {
	return func(r *Replicator) {
		r.chunkSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replicator) {
		r.logger = l
	}
}

// New creates a replicator.
func New(j scan.Journal, offers Offers, opts ...Option) *Replicator {
	r := &Replicator{journal: j, offers: offers, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.pool == nil {
		r.pool = workpool.NewStorage(0)
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	return r
}

// Replicate makes target hold an intact copy of every committed object of
// tenant, reading from source. Objects already intact on target are left
// alone, so a second run copies nothing. A source copy that does not match
// its recorded digest is never propagated: the run fails with
// CHECKSUM_MISMATCH naming the source.
func (r *Replicator) Replicate(ctx context.Context, tenant int, source, target string) (Report, error) {
	report := Report{Tenant: tenant, Source: source, Target: target}
	if source == target {
		return report, ir.Functional(ir.CodeInvalidRequest, "source and target are both %s", source).WithTenant(tenant)
	}
	src, err := r.offers.Offer(tenant, source)
	if err != nil {
		return report, err
	}
	dst, err := r.offers.Offer(tenant, target)
	if err != nil {
		return report, err
	}

	scanner := scan.NewScanner(scan.NewReplicationFactory(r.journal, r.offers,
		scan.WithLogger(r.logger)), r.logger)
	set, _, err := scanner.Build(ctx, tenant)
	if err != nil {
		return report, fmt.Errorf("replicate: %w", err)
	}
	report.Objects = set.Len()

	var copied, intact atomic.Int64
	g := r.pool.Group(ctx)
	err = set.ForEachChunk(r.chunkSize, func(chunk []ir.ChecksummedObject) error {
		if err := g.Context().Err(); err != nil {
			return err
		}
		g.Go(func(ctx context.Context) error {
			for _, obj := range chunk {
				did, err := copyObject(ctx, src, dst, obj)
				if err != nil {
					return err
				}
				if did {
					copied.Add(1)
				} else {
					intact.Add(1)
				}
			}
			return nil
		})
		return nil
	})
	if werr := g.Wait(); werr != nil {
		err = werr
	}
	report.Copied = int(copied.Load())
	report.Intact = int(intact.Load())
	if err != nil {
		return report, err
	}
	r.logger.Info("replication finished",
		"tenant", tenant,
		"source", source,
		"target", target,
		"objects", report.Objects,
		"copied", report.Copied)
	return report, nil
}

// copyObject copies obj unless dst already holds it intact and reports
// whether it copied.
func copyObject(ctx context.Context, src, dst offer.Offer, obj ir.ChecksummedObject) (bool, error) {
	have, err := dst.Checksum(ctx, obj.ObjectID, obj.Algorithm)
	switch {
	case err == nil && have == obj.Digest:
		return false, nil
	case err != nil && !ir.IsNotFound(err):
		return false, fmt.Errorf("replicate %s: %w", obj.ObjectID, err)
	}

	data, err := offer.ReadAll(ctx, src, obj.ObjectID)
	if err != nil {
		return false, fmt.Errorf("replicate %s: %w", obj.ObjectID, err)
	}
	digest, err := obj.Algorithm.SumBytes(data)
	if err != nil {
		return false, err
	}
	if digest != obj.Digest {
		return false, ir.Internal(ir.CodeChecksumMismatch, "expected %s, actual %s", obj.Digest, digest).
			WithTenant(obj.Tenant).WithOffer(src.ID()).WithObject(obj.ObjectID)
	}
	if err := dst.Put(ctx, obj.ObjectID, bytes.NewReader(data)); err != nil {
		return false, err
	}
	return true, nil
}
