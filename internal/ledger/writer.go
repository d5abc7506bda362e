package ledger

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/roach88/coffer/internal/ir"
)

// Summary describes a finished segment.
type Summary struct {
	Header Header
	Digest string
	Bytes  int64
}

// Writer streams a segment to w while hashing it with ir.DefaultAlgorithm.
//
// Operations must be written in ascending id order and their count must match
// the header, which is written first and therefore fixed up front.
type Writer struct {
	header  Header
	buf     *bufio.Writer
	hash    hash.Hash
	counter *countingWriter
	written int
	lastID  int64
	err     error
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewWriter writes the header to w and returns a Writer for the operations.
// header.Format defaults to ir.LedgerFormat.
func NewWriter(w io.Writer, header Header) (*Writer, error) {
	if header.Format == "" {
		header.Format = ir.LedgerFormat
	}
	if header.Number < 1 {
		return nil, fmt.Errorf("new segment writer: number must be positive, got %d", header.Number)
	}
	h, err := ir.DefaultAlgorithm.New()
	if err != nil {
		return nil, err
	}
	counter := &countingWriter{w: io.MultiWriter(w, h)}
	sw := &Writer{
		header:  header,
		buf:     bufio.NewWriter(counter),
		hash:    h,
		counter: counter,
	}
	if err := sw.line(header.canonical()); err != nil {
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	return sw, nil
}

func (w *Writer) line(v any) error {
	if w.err != nil {
		return w.err
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		w.err = err
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		w.err = err
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Write appends one sealed operation.
func (w *Writer) Write(op ir.Operation) error {
	if op.Tenant != w.header.Tenant {
		return fmt.Errorf("write operation %d: tenant %d in segment of tenant %d", op.ID, op.Tenant, w.header.Tenant)
	}
	if op.ID <= w.lastID {
		return fmt.Errorf("write operation %d: ids must ascend (last %d)", op.ID, w.lastID)
	}
	if err := w.line(operationLine(op)); err != nil {
		return fmt.Errorf("write operation %d: %w", op.ID, err)
	}
	w.lastID = op.ID
	w.written++
	return nil
}

// Close flushes the segment and returns its digest.
func (w *Writer) Close() (Summary, error) {
	if w.err != nil {
		return Summary{}, w.err
	}
	if w.written != w.header.Operations {
		return Summary{}, fmt.Errorf("close segment: wrote %d operations, header declares %d", w.written, w.header.Operations)
	}
	if err := w.buf.Flush(); err != nil {
		return Summary{}, fmt.Errorf("close segment: flush: %w", err)
	}
	return Summary{
		Header: w.header,
		Digest: hex.EncodeToString(w.hash.Sum(nil)),
		Bytes:  w.counter.n,
	}, nil
}

// Encode writes a whole batch as segment bytes.
func Encode(header Header, ops []ir.Operation) ([]byte, Summary, error) {
	header.Operations = len(ops)
	if len(ops) > 0 {
		header.FirstOperation = ops[0].ID
		header.LastOperation = ops[len(ops)-1].ID
	}
	var out bytes.Buffer
	w, err := NewWriter(&out, header)
	if err != nil {
		return nil, Summary{}, err
	}
	for _, op := range ops {
		if err := w.Write(op); err != nil {
			return nil, Summary{}, err
		}
	}
	summary, err := w.Close()
	if err != nil {
		return nil, Summary{}, err
	}
	return out.Bytes(), summary, nil
}
