package ledger

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/roach88/coffer/internal/ir"
)

// Reader streams the operations of a segment and hashes every byte read.
type Reader struct {
	src    *bufio.Reader
	hash   hash.Hash
	header Header
	read   int
	line   int
	done   bool
}

// NewReader reads and validates the header line.
func NewReader(r io.Reader) (*Reader, error) {
	h, err := ir.DefaultAlgorithm.New()
	if err != nil {
		return nil, err
	}
	sr := &Reader{src: bufio.NewReader(io.TeeReader(r, h)), hash: h}

	line, err := sr.next()
	if err == io.EOF {
		return nil, malformed(0, "empty segment")
	}
	if err != nil {
		return nil, err
	}
	var rec headerRecord
	if err := strictUnmarshal(line, &rec); err != nil {
		return nil, malformed(1, "header: %v", err)
	}
	if rec.Format != ir.LedgerFormat {
		return nil, malformed(1, "unsupported format %q", rec.Format)
	}
	sr.header, err = rec.header()
	if err != nil {
		return nil, malformed(1, "header: %v", err)
	}
	return sr, nil
}

// Header returns the segment header.
func (r *Reader) Header() Header {
	return r.header
}

// next returns the next line without its terminator.
func (r *Reader) next() ([]byte, error) {
	line, err := r.src.ReadBytes('\n')
	if err == io.EOF {
		if len(line) > 0 {
			return nil, malformed(r.line+1, "missing line terminator")
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	r.line++
	return line[:len(line)-1], nil
}

// rawNext returns the next operation line, or io.EOF once the declared
// number of operations has been read and the input is exhausted.
func (r *Reader) rawNext() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	line, err := r.next()
	if err == io.EOF {
		r.done = true
		if r.read != r.header.Operations {
			return nil, malformed(r.line, "header declares %d operations, found %d", r.header.Operations, r.read)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	r.read++
	if r.read > r.header.Operations {
		return nil, malformed(r.line, "more operations than the %d declared", r.header.Operations)
	}
	return line, nil
}

// Next returns the next sealed operation, or io.EOF at the end.
func (r *Reader) Next() (ir.Operation, error) {
	line, err := r.rawNext()
	if err != nil {
		return ir.Operation{}, err
	}
	var rec operationRecord
	if err := strictUnmarshal(line, &rec); err != nil {
		return ir.Operation{}, malformed(r.line, "operation: %v", err)
	}
	op, err := rec.operation(r.header.Number)
	if err != nil {
		return ir.Operation{}, malformed(r.line, "operation %d: %v", rec.ID, err)
	}
	return op, nil
}

// Digest returns the hex digest of the segment. It is only meaningful once
// Next or References has reached the end of the input.
func (r *Reader) Digest() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}

// References calls fn for every object referenced by a committed (OK)
// operation in the segment, in line and action order. Only the fields a
// reference needs are decoded.
func (r *Reader) References(fn func(ir.ChecksummedObject) error) error {
	for {
		line, err := r.rawNext()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		var rec referenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return malformed(r.line, "operation: %v", err)
		}
		if ir.Status(rec.Status) != ir.StatusOK {
			continue
		}
		for _, a := range rec.Actions {
			if err := fn(a.Object); err != nil {
				return err
			}
		}
	}
}

// Decode parses a whole segment held in memory.
func Decode(data []byte) (Header, []ir.Operation, error) {
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return Header{}, nil, err
	}
	ops := make([]ir.Operation, 0, r.header.Operations)
	for {
		op, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.header, ops, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		ops = append(ops, op)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func malformed(line int, format string, args ...any) *ir.Error {
	e := ir.Internal(ir.CodeMalformedLedger, format, args...)
	if line > 0 {
		e.Message = fmt.Sprintf("line %d: %s", line, e.Message)
	}
	return e
}
