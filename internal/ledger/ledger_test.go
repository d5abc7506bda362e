package ledger

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
)

var sealedAt = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func sampleOps() []ir.Operation {
	created := sealedAt.Add(-time.Hour)
	return []ir.Operation{
		{
			ID: 3, Tenant: 1, Type: ir.OpIngest, Status: ir.StatusOK,
			CreatedAt: created, UpdatedAt: created.Add(time.Minute),
			Message:    "ingested",
			Properties: ir.Map{"request_id": ir.String("r-1")},
			UserID:     "alice",
			Actions: []ir.Action{
				{Kind: ir.ActionCreate, Object: ir.ChecksummedObject{
					ObjectID: ir.ObjectID{Tenant: 1, ID: 10, Type: ir.TypeBinary}, Algorithm: ir.SHA256, Digest: "aa",
				}},
				{Kind: ir.ActionCreate, Object: ir.ChecksummedObject{
					ObjectID: ir.ObjectID{Tenant: 1, ID: 11, Type: ir.TypeUnit}, Algorithm: ir.SHA256, Digest: "bb",
				}},
			},
		},
		{
			ID: 4, Tenant: 1, Type: ir.OpIngest, Status: ir.StatusFatal,
			CreatedAt: created, UpdatedAt: created,
			Message: "operation 4 failed in STORE [STORAGE_IO]: boom",
			Actions: []ir.Action{
				{Kind: ir.ActionCreate, Object: ir.ChecksummedObject{
					ObjectID: ir.ObjectID{Tenant: 1, ID: 12, Type: ir.TypeBinary}, Algorithm: ir.SHA256, Digest: "cc",
				}},
			},
		},
		{
			ID: 9, Tenant: 1, Type: ir.OpSecuring, Status: ir.StatusOK,
			CreatedAt: created, UpdatedAt: created,
		},
	}
}

func sampleHeader() Header {
	return Header{Tenant: 1, Number: 2, PreviousDigest: "prev", CreatedAt: sealedAt}
}

func TestEncodeDecode(t *testing.T) {
	data, summary, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), summary.Bytes)
	assert.Equal(t, ir.SHA256.MustSumBytes(data), summary.Digest)
	assert.Equal(t, 3, summary.Header.Operations)
	assert.Equal(t, int64(3), summary.Header.FirstOperation)
	assert.Equal(t, int64(9), summary.Header.LastOperation)
	assert.Equal(t, 4, bytes.Count(data, []byte("\n")))

	header, ops, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ir.LedgerFormat, header.Format)
	assert.Equal(t, "prev", header.PreviousDigest)
	assert.Equal(t, sealedAt, header.CreatedAt)

	require.Len(t, ops, 3)
	want := sampleOps()
	for i := range want {
		assert.Equal(t, want[i].ID, ops[i].ID)
		assert.Equal(t, want[i].Status, ops[i].Status)
		assert.Equal(t, want[i].CreatedAt, ops[i].CreatedAt)
		assert.Equal(t, want[i].Message, ops[i].Message)
		assert.Equal(t, want[i].Properties, ops[i].Properties)
		assert.Equal(t, want[i].Actions, ops[i].Actions)
		require.NotNil(t, ops[i].SecureNumber)
		assert.Equal(t, int64(2), *ops[i].SecureNumber)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	a, sa, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)
	b, sb, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, sa.Digest, sb.Digest)

	h := sampleHeader()
	h.PreviousDigest = "other"
	_, sc, err := Encode(h, sampleOps())
	require.NoError(t, err)
	assert.NotEqual(t, sa.Digest, sc.Digest, "the chain link is covered by the digest")
}

func TestHeaderLine_Layout(t *testing.T) {
	data, _, err := Encode(sampleHeader(), nil)
	require.NoError(t, err)
	assert.Equal(t,
		`{"created_at":"2024-03-01T12:00:00.000Z","first_operation":0,"format":"1","last_operation":0,"number":2,"operations":0,"previous_digest":"prev","tenant":1}`+"\n",
		string(data))
}

func TestWriter_Validation(t *testing.T) {
	_, err := NewWriter(io.Discard, Header{Tenant: 0, Number: 0})
	assert.Error(t, err)

	w, err := NewWriter(io.Discard, Header{Tenant: 1, Number: 1, Operations: 2})
	require.NoError(t, err)
	ops := sampleOps()
	require.NoError(t, w.Write(ops[1]))
	assert.Error(t, w.Write(ops[0]), "ids must ascend")
	assert.Error(t, w.Write(ir.Operation{ID: 99, Tenant: 2}), "tenant must match")

	_, err = w.Close()
	assert.Error(t, err, "declared count not reached")
}

func TestReader_References(t *testing.T) {
	data, summary, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	var got []ir.ObjectID
	require.NoError(t, r.References(func(obj ir.ChecksummedObject) error {
		got = append(got, obj.ObjectID)
		return nil
	}))

	// The FATAL operation's object is not a committed reference.
	assert.Equal(t, []ir.ObjectID{
		{Tenant: 1, ID: 10, Type: ir.TypeBinary},
		{Tenant: 1, ID: 11, Type: ir.TypeUnit},
	}, got)
	assert.Equal(t, summary.Digest, r.Digest())
}

func TestReader_StopsOnCallbackError(t *testing.T) {
	data, _, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	stop := errors.New("stop")
	err = r.References(func(ir.ChecksummedObject) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestReader_Malformed(t *testing.T) {
	valid, _, err := Encode(sampleHeader(), sampleOps())
	require.NoError(t, err)
	lines := strings.SplitAfter(string(valid), "\n")

	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"garbage header", "not json\n"},
		{"wrong format", strings.Replace(lines[0], `"format":"1"`, `"format":"9"`, 1)},
		{"missing terminator", strings.TrimSuffix(string(valid), "\n")},
		{"truncated", strings.Join(lines[:2], "")},
		{"extra line", string(valid) + lines[1]},
		{"unknown field", lines[0] + `{"bogus":1}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, ir.CodeMalformedLedger, ir.CodeOf(err))
		})
	}
}
