package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
)

type textResult struct{ N int }

func (r textResult) Text() string { return "rendered\n" }

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("all offers coherent"))
	assert.Equal(t, "all offers coherent\n", buf.String())
}

func TestOutputFormatter_TextUsesTexter(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(textResult{N: 1}))
	assert.Equal(t, "rendered\n", buf.String())
}

func TestOutputFormatter_JSONFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	cause := ir.StorageError("B", ir.ObjectID{Tenant: 2, Type: ir.TypeBinary, ID: 7}, errors.New("read failed"))
	err := formatter.Failure(ExitFailure, "check failed", map[string]int{"objects": 3}, cause)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, cause)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
		Error  struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 3, resp.Data["objects"])
	assert.Equal(t, string(ir.CodeOf(cause)), resp.Error.Code)
	assert.Equal(t, "B", resp.Error.Details["offer"])
	assert.Equal(t, "2/binary/7", resp.Error.Details["object"])
}

func TestOutputFormatter_TextFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	cause := ir.Functional(ir.CodeSegmentDigestMismatch, "segment 2 differs")
	err := formatter.Failure(ExitFailure, "not coherent", textResult{}, cause)
	require.Error(t, err)

	assert.Contains(t, buf.String(), "rendered\n")
	assert.Contains(t, buf.String(), "Error [SEGMENT_DIGEST_MISMATCH]")
	assert.Contains(t, buf.String(), "segment 2 differs")
}

func TestOutputFormatter_PlainErrorIsInternal(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	_ = formatter.Failure(ExitFailure, "failed", nil, errors.New("disk on fire"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ir.CodeInternal), resp.Error.Code)
	assert.Nil(t, resp.Error.Details)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "wrapped", errors.New("x"))))
}
