package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageCarriesIdentifyingFields(t *testing.T) {
	err := Internal(CodeSegmentDigestMismatch, "digest differs from first offer").
		WithTenant(3).WithOffer("B").WithSegment(2)

	assert.Equal(t, "SEGMENT_DIGEST_MISMATCH: digest differs from first offer (tenant=3, offer=B, segment=2)", err.Error())
}

func TestError_ClassificationThroughWrapping(t *testing.T) {
	base := NotFound(CodeOfferNotFound, "offer %q is not configured", "x")
	wrapped := fmt.Errorf("add offer: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsFunctional(wrapped))
	assert.Equal(t, CodeOfferNotFound, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

func TestStorageError_IsTransient(t *testing.T) {
	id := ObjectID{Tenant: 1, ID: 7, Type: TypeBinary}
	err := fmt.Errorf("put: %w", StorageError("a", id, errors.New("connection reset")))

	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "object=1/binary/7")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestDiagnostic(t *testing.T) {
	err := Internal(CodeChecksumMismatch, "expected aa, got bb").WithOffer("B")
	assert.Equal(t, "operation 12 failed in STORE [CHECKSUM_MISMATCH]: expected aa, got bb (offer=B)",
		Diagnostic(12, StatusStore, err))

	wrapped := fmt.Errorf("store binary: %w", err)
	assert.Equal(t, "operation 12 failed in STORE [CHECKSUM_MISMATCH]: store binary: CHECKSUM_MISMATCH: expected aa, got bb (offer=B)",
		Diagnostic(12, StatusStore, wrapped))

	assert.Equal(t, "operation 3 failed in RUN [INTERNAL]: plain",
		Diagnostic(3, StatusRun, errors.New("plain")))
}
