package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/coffer/internal/coherency"
	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ingest"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/lifecycle"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/securing"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/testutil"
	"github.com/roach88/coffer/internal/workpool"
)

const defaultFileSize = 256

// Harness executes one scenario against a fresh journal and memory offers.
type Harness struct {
	store    *store.Store
	clock    *testutil.ManualClock
	registry *offer.Registry
	offers   map[int]map[string]*offer.Memory
	logger   *slog.Logger

	ingester *ingest.Ingester
	driver   *lifecycle.Driver
	pipeline *securing.Pipeline
	verifier *coherency.Verifier
	checks   *coherency.Orchestrator

	// files are the binaries ingested so far, in order.
	files []ir.ObjectID
	seed  uint64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temporary directory holding the journal and
// the ingest workspaces. The clock only moves on advance steps, so records
// are reproducible.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "coffer-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		rec, err := h.execute(ctx, step, result)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.add(rec)
	}
	if err := h.assert(ctx, scenario.Assertions, result); err != nil {
		return nil, err
	}
	return result, nil
}

func newHarness(scenario *Scenario, dir string) (*Harness, error) {
	clk := testutil.NewManualClock()
	st, err := store.Open(filepath.Join(dir, "journal.db"), store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	h := &Harness{
		store:    st,
		clock:    clk,
		registry: offer.NewRegistry(),
		offers:   make(map[int]map[string]*offer.Memory),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, t := range scenario.Tenants {
		h.registry.AddTenant(t.ID)
		h.offers[t.ID] = make(map[string]*offer.Memory, len(t.Offers))
		for _, id := range t.Offers {
			o := offer.NewMemory(id)
			if err := h.registry.AddOffer(t.ID, o); err != nil {
				st.Close()
				return nil, err
			}
			h.offers[t.ID][id] = o
		}
	}

	storage := workpool.NewStorage(4)
	sink := index.NewMemory()
	h.ingester = ingest.New(st, h.registry, filepath.Join(dir, "workspace"),
		ingest.WithPool(storage), ingest.WithSink(sink), ingest.WithLogger(h.logger))
	h.driver = lifecycle.NewDriver(st, h.logger)
	h.driver.Register(ir.OpIngest, h.ingester.Stages())

	h.pipeline = securing.New(st, h.registry, securing.Config{
		PageSize:     scenario.Securing.PageSize,
		MaxUnits:     scenario.Securing.BatchCeiling,
		TickInterval: time.Duration(scenario.Securing.Tick),
		MaxSealDelay: time.Duration(scenario.Securing.MaxSealDelay),
	}, securing.WithClock(clk), securing.WithLogger(h.logger), securing.WithPool(storage), securing.WithSink(sink))

	h.verifier = coherency.NewVerifier(st, h.registry,
		coherency.WithPool(storage), coherency.WithLogger(h.logger))
	h.checks = coherency.NewOrchestrator(st, h.registry, h.verifier, coherency.OrchestratorConfig{
		MaxInFlight:  2,
		ChildTimeout: time.Minute,
		PollInterval: 5 * time.Millisecond,
	}, coherency.WithOrchestratorLogger(h.logger))
	return h, nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) (Record, error) {
	switch {
	case step.Ingest != nil:
		return h.ingest(ctx, *step.Ingest)
	case step.Abort != nil:
		return h.abort(ctx, *step.Abort)
	case step.Secure != nil:
		return h.secure(ctx, *step.Secure, result)
	case step.Advance != 0:
		d := time.Duration(step.Advance)
		h.clock.Advance(d)
		return Record{"step": "advance", "by": d.String()}, nil
	case step.Corrupt != nil:
		return h.corrupt(*step.Corrupt)
	case step.Check != nil:
		return h.check(ctx, *step.Check, result), nil
	case step.CheckAll != nil:
		return h.checkAll(ctx, *step.CheckAll, result)
	}
	return nil, fmt.Errorf("empty step")
}

func (h *Harness) ingest(ctx context.Context, s IngestStep) (Record, error) {
	ops := s.Operations
	if ops <= 0 {
		ops = 1
	}
	size := s.Size
	if size <= 0 {
		size = defaultFileSize
	}

	statuses := make(map[string]any)
	count := func(st ir.Status) {
		n, _ := statuses[string(st)].(int)
		statuses[string(st)] = n + 1
	}
	for range ops {
		files := make([]ingest.File, s.Files)
		for i := range files {
			h.seed++
			files[i] = ingest.File{Name: testutil.Name("file", i), Data: testutil.Blob(h.seed, size)}
		}
		op, err := h.ingester.Submit(ctx, s.Tenant, files)
		if err != nil {
			return nil, err
		}
		final, err := h.driver.Drive(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		count(final.To)
		if final.To == ir.StatusOK {
			for i := range files {
				h.files = append(h.files, ir.ObjectID{Tenant: s.Tenant, ID: ingest.ObjectNumber(op.ID, i), Type: ir.TypeBinary})
			}
		}
	}
	return Record{
		"step":       "ingest",
		"tenant":     s.Tenant,
		"operations": ops,
		"files":      ops * s.Files,
		"statuses":   statuses,
	}, nil
}

// abort records an operation whose binaries never reached the offers.
func (h *Harness) abort(ctx context.Context, s AbortStep) (Record, error) {
	actions := make([]ir.Action, s.Objects)
	for i := range actions {
		h.seed++
		data := testutil.Blob(h.seed, defaultFileSize)
		actions[i] = ir.Action{Kind: ir.ActionCreate, Object: ir.ChecksummedObject{
			ObjectID:  ir.ObjectID{Tenant: s.Tenant, ID: 1<<40 + int64(h.seed), Type: ir.TypeBinary},
			Algorithm: ir.DefaultAlgorithm,
			Digest:    ir.DefaultAlgorithm.MustSumBytes(data),
		}}
	}
	op, err := h.store.CreateOperation(ctx, ir.Operation{
		Tenant:  s.Tenant,
		Type:    ir.OpIngest,
		Status:  ir.StatusInit,
		Actions: actions,
	})
	if err != nil {
		return nil, err
	}
	err = h.store.Transition(ctx, op.ID, ir.StatusInit, ir.StatusFatal,
		ir.Diagnostic(op.ID, ir.StatusInit, ir.Transient(ir.CodeStorageIO, "offer unreachable", nil)))
	if err != nil {
		return nil, err
	}
	return Record{"step": "abort", "tenant": s.Tenant, "objects": s.Objects}, nil
}

func (h *Harness) secure(ctx context.Context, s SecureStep, result *Result) (Record, error) {
	report, err := h.pipeline.Tick(ctx)
	if err != nil {
		return nil, err
	}
	sealed := []any{}
	failed := []any{}
	skipped := 0
	for _, f := range report.Flushes {
		switch {
		case f.Err != nil:
			failed = append(failed, Record{"tenant": f.Tenant, "code": string(ir.CodeOf(f.Err))})
		case f.Skipped:
			skipped++
		case f.Number > 0:
			sealed = append(sealed, Record{"tenant": f.Tenant, "segment": f.Number, "operations": f.Operations})
		}
	}

	if e := s.Expect; e != nil {
		expectCount(result, "sealed segments", e.Sealed, len(sealed))
		expectCount(result, "skipped batches", e.Skipped, skipped)
		expectCount(result, "failed batches", e.Failed, len(failed))
	}
	return Record{"step": "secure", "sealed": sealed, "skipped": skipped, "failed": failed}, nil
}

func expectCount(result *Result, what string, want *int, got int) {
	if want != nil && *want != got {
		result.AddError(fmt.Sprintf("secure: expected %d %s, got %d", *want, what, got))
	}
}

func (h *Harness) corrupt(s CorruptStep) (Record, error) {
	o, ok := h.offers[s.Tenant][s.Offer]
	if !ok {
		return nil, fmt.Errorf("corrupt: tenant %d has no offer %q", s.Tenant, s.Offer)
	}
	var id ir.ObjectID
	if s.File != nil {
		if *s.File < 0 || *s.File >= len(h.files) {
			return nil, fmt.Errorf("corrupt: file %d not ingested", *s.File)
		}
		id = h.files[*s.File]
	} else {
		id = ir.SegmentID(s.Tenant, s.Segment)
	}
	if !o.Corrupt(id, 0) {
		return nil, fmt.Errorf("corrupt: %s not on offer %s", id, s.Offer)
	}
	return Record{"step": "corrupt", "tenant": s.Tenant, "offer": s.Offer, "object": id.String()}, nil
}

func (h *Harness) check(ctx context.Context, s CheckStep, result *Result) Record {
	report := h.verifier.CheckTenant(ctx, s.Tenant)
	if s.Expect != nil {
		expectCheck(result, fmt.Sprintf("check tenant %d", s.Tenant), *s.Expect, report.Err())
	}
	return Record{
		"step":    "check",
		"tenant":  s.Tenant,
		"ok":      report.OK(),
		"ledger":  ledgerRecord(report.Ledger),
		"archive": archiveRecord(report.Archive),
	}
}

func (h *Harness) checkAll(ctx context.Context, s CheckAllStep, result *Result) (Record, error) {
	res, err := h.checks.CheckAll(ctx)
	if err != nil && res.Operation == 0 {
		return nil, err
	}
	if s.Expect != nil {
		expectCheck(result, "check all", *s.Expect, res.Err)
	}
	tenants := make([]any, len(res.Tenants))
	for i, r := range res.Tenants {
		tenants[i] = Record{"tenant": r.Tenant, "ok": r.OK()}
	}
	rec := Record{"step": "check_all", "ok": res.Err == nil, "tenants": tenants}
	if res.Err != nil {
		rec["error"] = errorRecord(res.Err)
	}
	return rec, nil
}

func expectCheck(result *Result, what string, want CheckExpect, err error) {
	if want.OK {
		if err != nil {
			result.AddError(fmt.Sprintf("%s: expected success, got %v", what, err))
		}
		return
	}
	if err == nil {
		result.AddError(fmt.Sprintf("%s: expected failure, got success", what))
		return
	}
	e, _ := ir.AsError(err)
	if want.Code != "" && string(ir.CodeOf(err)) != want.Code {
		result.AddError(fmt.Sprintf("%s: expected code %s, got %s", what, want.Code, ir.CodeOf(err)))
	}
	if want.Offer != "" && (e == nil || e.Offer != want.Offer) {
		result.AddError(fmt.Sprintf("%s: expected offer %s in %v", what, want.Offer, err))
	}
	if want.Segment != 0 && (e == nil || e.Segment == nil || *e.Segment != want.Segment) {
		result.AddError(fmt.Sprintf("%s: expected segment %d in %v", what, want.Segment, err))
	}
}

func ledgerRecord(r coherency.LedgerReport) Record {
	segments := make([]any, len(r.Segments))
	for i, s := range r.Segments {
		segments[i] = Record{"number": s.Number, "consistent": s.Consistent}
	}
	rec := Record{
		"high_water_mark": r.HighWaterMark,
		"replicated":      r.Replicated,
		"segments":        segments,
	}
	if r.Err != nil {
		rec["error"] = errorRecord(r.Err)
	}
	return rec
}

func archiveRecord(r coherency.ArchiveReport) Record {
	rec := Record{"objects": r.Objects}
	if r.Err != nil {
		rec["error"] = errorRecord(r.Err)
	}
	return rec
}

// errorRecord keeps the identifying fields of a failure, not its message.
func errorRecord(err error) Record {
	rec := Record{"code": string(ir.CodeOf(err))}
	e, ok := ir.AsError(err)
	if !ok {
		return rec
	}
	if e.Offer != "" {
		rec["offer"] = e.Offer
	}
	if e.Object != "" {
		rec["object"] = e.Object
	}
	if e.Segment != nil {
		rec["segment"] = *e.Segment
	}
	return rec
}
