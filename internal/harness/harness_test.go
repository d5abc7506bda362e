package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CorruptBinary(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "corrupt_binary.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Records, len(s.Steps))

	check := result.Records[4]
	assert.Equal(t, false, check["ok"])
	archive := check["archive"].(Record)
	failure := archive["error"].(Record)
	assert.Equal(t, "CHECKSUM_MISMATCH", failure["code"])
	assert.Equal(t, "A", failure["offer"])

	all := result.Records[6]
	assert.Equal(t, false, all["ok"])
	assert.Equal(t, "CHILD_FAILED", all["error"].(Record)["code"])
}

func TestRun_FailedExpectationsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
tenants:
  - id: 0
    offers: [A, B]
steps:
  - ingest: {tenant: 0, files: 1}
  - secure:
      expect: {sealed: 2}
  - check:
      tenant: 0
      expect: {ok: false}
assertions:
  - {type: segment_count, tenant: 0, count: 5}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"secure: expected 2 sealed segments, got 1",
		"check tenant 0: expected failure, got success",
		"assertions[0] segment_count: tenant 0 expected 5, got 1",
	}, result.Errors)
}

func TestRun_CorruptMissingTarget(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: missing_target
tenants:
  - id: 0
    offers: [A]
steps:
  - corrupt: {tenant: 0, offer: A, segment: 1}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	assert.ErrorContains(t, err, "not on offer A")
}

func TestRun_ReplicatedArchiveStatuses(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "replicated_archive.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, map[string]any{"OK": 2}, result.Records[0]["statuses"])
}
