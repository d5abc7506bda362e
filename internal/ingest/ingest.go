// Package ingest archives files as a mutating operation.
//
// Submit copies the files into a fresh workspace and records an INIT
// operation; the lifecycle driver then runs the stages registered by
// Stages: INIT validates the workspace, BACKUP writes the staging copy of
// the operation to every offer, STORE writes each file as a binary object
// plus a unit metadata document and verifies both, INDEX hands the result
// to the search index.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/ledger"
	"github.com/roach88/coffer/internal/lifecycle"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/workpool"
)

// MaxFiles is the number of files one operation may carry. Object numbers
// are derived from the operation id and the file position.
const MaxFiles = 1 << 16

// ObjectNumber returns the object id of the file at position i.
func ObjectNumber(operation int64, i int) int64 {
	return operation<<16 | int64(i)
}

// File is one file to archive.
type File struct {
	Name string
	Data []byte
}

// Journal is the part of the store ingestion uses.
type Journal interface {
	CreateOperation(ctx context.Context, op ir.Operation) (ir.Operation, error)
	AppendAction(ctx context.Context, id int64, action ir.Action) error
}

// Offers lists a tenant's offers.
type Offers interface {
	Offers(tenant int) ([]offer.Offer, error)
}

// Ingester creates and stages ingest operations.
type Ingester struct {
	journal    Journal
	offers     Offers
	workspaces string
	sink       index.Sink
	pool       *workpool.Pool
	logger     *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithSink sets the search index sink.
func WithSink(s index.Sink) Option {
	return func(i *Ingester) {
		i.sink = s
	}
}

// WithPool sets the storage pool used for offer writes.
func WithPool(p *workpool.Pool) Option {
	return func(i *Ingester) {
		i.pool = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) {
		i.logger = l
	}
}

// New creates an ingester keeping workspaces under dir.
func New(j Journal, offers Offers, dir string, opts ...Option) *Ingester {
	i := &Ingester{journal: j, offers: offers, workspaces: dir}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	if i.pool == nil {
		i.pool = workpool.NewStorage(0)
	}
	if i.sink == nil {
		i.sink = index.LogSink{Logger: i.logger}
	}
	return i
}

// Stages returns the lifecycle handlers of ingest operations.
func (i *Ingester) Stages() lifecycle.Stages {
	return lifecycle.Stages{
		Init:   lifecycle.HandlerFunc(i.validate),
		Backup: lifecycle.HandlerFunc(i.backup),
		Store:  lifecycle.HandlerFunc(i.store),
		Index:  lifecycle.HandlerFunc(i.index),
	}
}

// Submit records an ingest operation for files in INIT. The caller hands
// the returned id to a lifecycle runner.
func (i *Ingester) Submit(ctx context.Context, tenant int, files []File) (ir.Operation, error) {
	if len(files) == 0 {
		return ir.Operation{}, ir.Functional(ir.CodeInvalidRequest, "ingest needs at least one file").WithTenant(tenant)
	}
	if len(files) > MaxFiles {
		return ir.Operation{}, ir.Functional(ir.CodeInvalidRequest, "ingest takes at most %d files, got %d", MaxFiles, len(files)).
			WithTenant(tenant)
	}
	if _, err := i.offers.Offers(tenant); err != nil {
		return ir.Operation{}, err
	}

	seen := make(map[string]bool, len(files))
	names := make(ir.List, len(files))
	for n, f := range files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) || strings.HasPrefix(f.Name, ".") {
			return ir.Operation{}, ir.Functional(ir.CodeInvalidRequest, "invalid file name %q", f.Name).WithTenant(tenant)
		}
		if seen[f.Name] {
			return ir.Operation{}, ir.Functional(ir.CodeInvalidRequest, "duplicate file name %q", f.Name).WithTenant(tenant)
		}
		seen[f.Name] = true
		names[n] = ir.String(f.Name)
	}

	dir := filepath.Join(i.workspaces, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ir.Operation{}, fmt.Errorf("create workspace: %w", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			os.RemoveAll(dir)
			return ir.Operation{}, fmt.Errorf("write workspace: %w", err)
		}
	}

	op, err := i.journal.CreateOperation(ctx, ir.Operation{
		Tenant:     tenant,
		Type:       ir.OpIngest,
		Status:     ir.StatusInit,
		Message:    fmt.Sprintf("ingesting %d files", len(files)),
		Properties: ir.Map{"files": names},
		Workspace:  dir,
	})
	if err != nil {
		os.RemoveAll(dir)
		return ir.Operation{}, fmt.Errorf("create ingest operation: %w", err)
	}
	i.logger.Info("ingest submitted", "operation", op.ID, "tenant", tenant, "files", len(files))
	return op, nil
}

func fileNames(op ir.Operation) ([]string, error) {
	list, ok := op.Properties["files"].(ir.List)
	if !ok || len(list) == 0 {
		return nil, ir.Functional(ir.CodeInvalidRequest, "operation %d lists no files", op.ID)
	}
	names := make([]string, len(list))
	for n, v := range list {
		s, ok := v.(ir.String)
		if !ok {
			return nil, ir.Functional(ir.CodeInvalidRequest, "operation %d: file %d is not a name", op.ID, n)
		}
		names[n] = string(s)
	}
	return names, nil
}

func (i *Ingester) validate(_ context.Context, op ir.Operation) (string, error) {
	names, err := fileNames(op)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(op.Workspace, name)); err != nil {
			return "", fmt.Errorf("validate workspace: %w", err)
		}
	}
	return fmt.Sprintf("validated %d files", len(names)), nil
}

func (i *Ingester) backup(ctx context.Context, op ir.Operation) (string, error) {
	offers, err := i.tenantOffers(op.Tenant)
	if err != nil {
		return "", err
	}
	data, err := ledger.EncodeOperation(op)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("staged on %d offers", len(offers)), i.putAll(ctx, offers, op.StagingID(), data)
}

func (i *Ingester) tenantOffers(tenant int) ([]offer.Offer, error) {
	offers, err := i.offers.Offers(tenant)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers").WithTenant(tenant)
	}
	return offers, nil
}

// putAll writes data to every offer in parallel and verifies each copy.
func (i *Ingester) putAll(ctx context.Context, offers []offer.Offer, id ir.ObjectID, data []byte) error {
	want := ir.DefaultAlgorithm.MustSumBytes(data)
	g := i.pool.Group(ctx)
	for _, o := range offers {
		g.Go(func(ctx context.Context) error {
			if err := o.Put(ctx, id, bytes.NewReader(data)); err != nil {
				return err
			}
			got, err := o.Checksum(ctx, id, ir.DefaultAlgorithm)
			if err != nil {
				return err
			}
			if got != want {
				e := ir.Internal(ir.CodeChecksumMismatch, "expected %s, actual %s", want, got).WithOffer(o.ID()).WithObject(id)
				e.Transient = true
				return e
			}
			return nil
		})
	}
	return g.Wait()
}

func (i *Ingester) store(ctx context.Context, op ir.Operation) (string, error) {
	offers, err := i.tenantOffers(op.Tenant)
	if err != nil {
		return "", err
	}
	names, err := fileNames(op)
	if err != nil {
		return "", err
	}
	recorded := make(map[ir.ObjectID]bool, len(op.Actions))
	for _, a := range op.Actions {
		recorded[a.Object.ObjectID] = true
	}

	for n, name := range names {
		data, err := os.ReadFile(filepath.Join(op.Workspace, name))
		if err != nil {
			return "", fmt.Errorf("read workspace: %w", err)
		}
		number := ObjectNumber(op.ID, n)
		binary := ir.ObjectID{Tenant: op.Tenant, ID: number, Type: ir.TypeBinary}
		unit := ir.ObjectID{Tenant: op.Tenant, ID: number, Type: ir.TypeUnit}
		binaryDigest := ir.DefaultAlgorithm.MustSumBytes(data)
		doc, err := unitDocument(op, name, binary, binaryDigest, len(data))
		if err != nil {
			return "", err
		}

		for _, obj := range []struct {
			id   ir.ObjectID
			data []byte
		}{{binary, data}, {unit, doc}} {
			if recorded[obj.id] {
				continue
			}
			if err := i.putAll(ctx, offers, obj.id, obj.data); err != nil {
				return "", err
			}
			action := ir.Action{Kind: ir.ActionCreate, Object: ir.ChecksummedObject{
				ObjectID:  obj.id,
				Algorithm: ir.DefaultAlgorithm,
				Digest:    ir.DefaultAlgorithm.MustSumBytes(obj.data),
			}}
			if err := i.journal.AppendAction(ctx, op.ID, action); err != nil {
				return "", fmt.Errorf("record %s: %w", obj.id, err)
			}
		}
	}
	return fmt.Sprintf("stored %d objects on %d offers", 2*len(names), len(offers)), nil
}

// UnitDocument is the metadata document stored for each ingested file.
type UnitDocument struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Binary    int64  `json:"binary"`
	Digest    string `json:"digest"`
	Operation int64  `json:"operation"`
}

func unitDocument(op ir.Operation, name string, binary ir.ObjectID, digest string, size int) ([]byte, error) {
	data, err := ir.MarshalCanonical(map[string]any{
		"name":      name,
		"size":      size,
		"binary":    binary.ID,
		"digest":    digest,
		"operation": op.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode unit %q: %w", name, err)
	}
	return data, nil
}

func (i *Ingester) index(ctx context.Context, op ir.Operation) (string, error) {
	if err := i.sink.IndexOperation(ctx, op); err != nil {
		return "", ir.Transient(ir.CodeInternal, "index operation", err)
	}
	return fmt.Sprintf("indexed %d actions", len(op.Actions)), nil
}
