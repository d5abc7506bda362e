package scan

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/ledger"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
)

// Journal is the part of the operation journal a scan reads.
type Journal interface {
	HighWaterMark(ctx context.Context, tenant int) (int64, error)
	ChangeSnapshot(ctx context.Context) (int64, error)
	ListSegments(ctx context.Context, tenant int) ([]store.Segment, error)
	CountCommittedObjects(ctx context.Context, q store.JournalQuery) (int, error)
	CommittedActions(ctx context.Context, q store.JournalQuery, after store.ActionCursor, limit int) ([]ir.ChecksummedObject, store.ActionCursor, error)
	BeginStage(ctx context.Context, scan string) (*store.IdentityStage, error)
	CountStaged(ctx context.Context, scan string, exclude *store.JournalQuery) (int, error)
	DropStaged(ctx context.Context, scan string) error
}

// Source yields committed object references.
//
// Count returns the number of distinct (tenant, type, id) identities among
// the records Iterate passes to fn over the same inputs, leaving out any
// identity the source was told another source already yields.
type Source interface {
	Name() string
	Count(ctx context.Context) (int, error)
	Iterate(ctx context.Context, fn func(ir.ChecksummedObject) error) error
}

// JournalSource reads committed references from the journal, page by page.
type JournalSource struct {
	journal  Journal
	query    store.JournalQuery
	pageSize int
}

// NewJournalSource creates a journal source for q.
func NewJournalSource(j Journal, q store.JournalQuery, pageSize int) *JournalSource {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &JournalSource{journal: j, query: q, pageSize: pageSize}
}

// Name implements Source.
func (s *JournalSource) Name() string { return "journal" }

// Count implements Source.
func (s *JournalSource) Count(ctx context.Context) (int, error) {
	return s.journal.CountCommittedObjects(ctx, s.query)
}

// Iterate implements Source. Each page is fully read before fn runs.
func (s *JournalSource) Iterate(ctx context.Context, fn func(ir.ChecksummedObject) error) error {
	cursor := store.StartActions
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := s.journal.CommittedActions(ctx, s.query, cursor, s.pageSize)
		if err != nil {
			return err
		}
		for _, obj := range page {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if len(page) < s.pageSize {
			return nil
		}
		cursor = next
	}
}

// LedgerSource reads committed references from the sealed segments
// 1..HighWaterMark of a tenant.
//
// Each segment is read from the first offer whose copy matches the digest
// the journal recorded when it was sealed; a damaged copy is skipped in
// favour of the next offer. References of a segment are delivered only after
// its digest has been verified.
type LedgerSource struct {
	journal Journal
	offers  []offer.Offer
	tenant  int
	hwm     int64
	types   []ir.ObjectType
	exclude *store.JournalQuery
	logger  *slog.Logger
}

// NewLedgerSource creates a ledger source. An empty types list keeps every
// object type.
func NewLedgerSource(j Journal, offers []offer.Offer, tenant int, hwm int64, types []ir.ObjectType, logger *slog.Logger) *LedgerSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerSource{journal: j, offers: offers, tenant: tenant, hwm: hwm, types: types, logger: logger}
}

// Excluding makes Count leave out identities that q also selects from the
// journal.
func (s *LedgerSource) Excluding(q store.JournalQuery) *LedgerSource {
	s.exclude = &q
	return s
}

// Name implements Source.
func (s *LedgerSource) Name() string { return "ledger" }

func (s *LedgerSource) keep(obj ir.ChecksummedObject) bool {
	return len(s.types) == 0 || slices.Contains(s.types, obj.Type)
}

// segments returns the journal's records for segments 1..hwm.
func (s *LedgerSource) segments(ctx context.Context) ([]store.Segment, error) {
	if s.hwm == 0 {
		return nil, nil
	}
	all, err := s.journal.ListSegments(ctx, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("ledger source: %w", err)
	}
	out := make([]store.Segment, 0, s.hwm)
	for _, seg := range all {
		if seg.Number > s.hwm {
			break
		}
		if seg.Number != int64(len(out))+1 {
			return nil, ir.Internal(ir.CodeMalformedLedger, "journal is missing segment %d", len(out)+1).
				WithTenant(s.tenant).WithSegment(int64(len(out)) + 1)
		}
		out = append(out, seg)
	}
	if int64(len(out)) != s.hwm {
		return nil, ir.Internal(ir.CodeMalformedLedger, "journal records %d segments below high-water mark %d", len(out), s.hwm).
			WithTenant(s.tenant)
	}
	if len(s.offers) == 0 {
		return nil, ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers to read segments from").WithTenant(s.tenant)
	}
	return out, nil
}

// readVerified runs visit over a copy of seg from each offer in turn until
// one copy is read completely and matches the recorded digest.
func (s *LedgerSource) readVerified(ctx context.Context, seg store.Segment, visit func(r *ledger.Reader) error) error {
	var last error
	for _, o := range s.offers {
		err := s.readCopy(ctx, o, seg, visit)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("skipping ledger segment copy",
			"tenant", s.tenant, "segment", seg.Number, "offer", o.ID(), "error", err)
		last = err
	}
	e := ir.Internal(ir.CodeSegmentDigestMismatch, "no offer holds an intact copy").WithTenant(s.tenant).WithSegment(seg.Number)
	e.Err = last
	return e
}

func (s *LedgerSource) readCopy(ctx context.Context, o offer.Offer, seg store.Segment, visit func(r *ledger.Reader) error) error {
	id := ir.SegmentID(s.tenant, seg.Number)
	rc, _, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	r, err := ledger.NewReader(rc)
	if err != nil {
		return err
	}
	if h := r.Header(); h.Tenant != s.tenant || h.Number != seg.Number {
		return ir.Internal(ir.CodeMalformedLedger, "header names tenant %d segment %d", h.Tenant, h.Number).
			WithOffer(o.ID()).WithSegment(seg.Number)
	}
	if err := visit(r); err != nil {
		return err
	}
	if got := r.Digest(); got != seg.Digest {
		return ir.Internal(ir.CodeSegmentDigestMismatch, "expected %s, got %s", seg.Digest, got).
			WithOffer(o.ID()).WithSegment(seg.Number)
	}
	return nil
}

// Count implements Source. Identities are deduplicated in the journal's
// scan scratch table rather than in memory, and dropped from it on return.
func (s *LedgerSource) Count(ctx context.Context) (int, error) {
	segments, err := s.segments(ctx)
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}

	key := uuid.NewString()
	defer func() {
		if err := s.journal.DropStaged(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("dropping staged scan identities", "tenant", s.tenant, "error", err)
		}
	}()
	for _, seg := range segments {
		if err := s.stage(ctx, key, seg); err != nil {
			return 0, err
		}
	}
	n, err := s.journal.CountStaged(ctx, key, s.exclude)
	if err != nil {
		return 0, fmt.Errorf("ledger source: %w", err)
	}
	return n, nil
}

// stage adds the identities of seg to the scratch table. Every copy read is
// staged in a fresh transaction and only the copy that verified commits.
func (s *LedgerSource) stage(ctx context.Context, key string, seg store.Segment) error {
	var st *store.IdentityStage
	discard := func() {
		if st != nil {
			st.Rollback()
			st = nil
		}
	}
	err := s.readVerified(ctx, seg, func(r *ledger.Reader) error {
		discard()
		var err error
		if st, err = s.journal.BeginStage(ctx, key); err != nil {
			return err
		}
		return r.References(func(obj ir.ChecksummedObject) error {
			if !s.keep(obj) {
				return nil
			}
			return st.Add(ctx, obj.ObjectID)
		})
	})
	if err != nil {
		discard()
		return err
	}
	return st.Commit()
}

// Iterate implements Source.
func (s *LedgerSource) Iterate(ctx context.Context, fn func(ir.ChecksummedObject) error) error {
	segments, err := s.segments(ctx)
	if err != nil {
		return err
	}
	var buf []ir.ChecksummedObject
	for _, seg := range segments {
		err := s.readVerified(ctx, seg, func(r *ledger.Reader) error {
			buf = buf[:0]
			return r.References(func(obj ir.ChecksummedObject) error {
				if s.keep(obj) {
					buf = append(buf, obj)
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
		for _, obj := range buf {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}
