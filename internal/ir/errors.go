package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the top-level error taxonomy.
type ErrorKind string

const (
	// KindFunctional is a bad request surfaced directly to the caller.
	KindFunctional ErrorKind = "functional"
	// KindNotFound is a missing tenant, offer, operation or object.
	KindNotFound ErrorKind = "not_found"
	// KindInternal is a consistency or I/O failure inside the engine.
	KindInternal ErrorKind = "internal"
)

// ErrorCode is a short machine-readable error identifier.
type ErrorCode string

const (
	CodeOfferExists           ErrorCode = "OFFER_EXISTS"
	CodeTooManyOffers         ErrorCode = "TOO_MANY_OFFERS"
	CodeTenantNotFound        ErrorCode = "TENANT_NOT_FOUND"
	CodeOfferNotFound         ErrorCode = "OFFER_NOT_FOUND"
	CodeObjectNotFound        ErrorCode = "OBJECT_NOT_FOUND"
	CodeOperationNotFound     ErrorCode = "OPERATION_NOT_FOUND"
	CodeChecksumMismatch      ErrorCode = "CHECKSUM_MISMATCH"
	CodeSegmentCountMismatch  ErrorCode = "SEGMENT_COUNT_MISMATCH"
	CodeSegmentDigestMismatch ErrorCode = "SEGMENT_DIGEST_MISMATCH"
	CodeSegmentChainBroken    ErrorCode = "SEGMENT_CHAIN_BROKEN"
	CodeSegmentNumberDrift    ErrorCode = "SEGMENT_NUMBER_DRIFT"
	CodeMalformedLedger       ErrorCode = "MALFORMED_LEDGER"
	CodeStorageIO             ErrorCode = "STORAGE_IO"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeStateConflict         ErrorCode = "STATE_CONFLICT"
	CodeCapacityExceeded      ErrorCode = "CAPACITY_EXCEEDED"
	CodeChildTimeout          ErrorCode = "CHILD_TIMEOUT"
	CodeChildFailed           ErrorCode = "CHILD_FAILED"
	CodeCancelled             ErrorCode = "CANCELLED"
	CodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
	CodeInternal              ErrorCode = "INTERNAL"
)

// Error is the structured domain error.
//
// Identifying fields are optional; Error() includes whichever are set so the
// message stored on a FATAL operation is useful without log access.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string

	Tenant  *int
	Offer   string
	Object  string
	Segment *int64

	// Transient marks failures a retriable stage may park in RETRY_*.
	Transient bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.detail()
}

// detail renders the message, the identifying fields and the cause.
func (e *Error) detail() string {
	var b strings.Builder
	b.WriteString(e.Message)

	var ctx []string
	if e.Tenant != nil {
		ctx = append(ctx, fmt.Sprintf("tenant=%d", *e.Tenant))
	}
	if e.Offer != "" {
		ctx = append(ctx, "offer="+e.Offer)
	}
	if e.Object != "" {
		ctx = append(ctx, "object="+e.Object)
	}
	if e.Segment != nil {
		ctx = append(ctx, fmt.Sprintf("segment=%d", *e.Segment))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithTenant sets the tenant and returns e for chaining.
func (e *Error) WithTenant(tenant int) *Error {
	e.Tenant = &tenant
	return e
}

// WithOffer sets the offending offer and returns e for chaining.
func (e *Error) WithOffer(offer string) *Error {
	e.Offer = offer
	return e
}

// WithObject sets the object identity and returns e for chaining.
func (e *Error) WithObject(id ObjectID) *Error {
	e.Object = id.String()
	return e
}

// WithSegment sets the segment number and returns e for chaining.
func (e *Error) WithSegment(number int64) *Error {
	e.Segment = &number
	return e
}

// Functional creates a KindFunctional error.
func Functional(code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: KindFunctional, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a KindNotFound error.
func NotFound(code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal creates a KindInternal error.
func Internal(code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps an offer I/O failure. Storage failures are transient.
func StorageError(offer string, id ObjectID, err error) *Error {
	return &Error{
		Kind:      KindInternal,
		Code:      CodeStorageIO,
		Message:   "storage offer call failed",
		Offer:     offer,
		Object:    id.String(),
		Transient: true,
		Err:       err,
	}
}

// Transient wraps err as a retriable internal error.
func Transient(code ErrorCode, message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: message, Transient: true, Err: err}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// for any other non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindNotFound
}

// IsFunctional reports whether err is a KindFunctional error.
func IsFunctional(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindFunctional
}

// IsTransient reports whether err is marked retriable.
func IsTransient(err error) bool {
	e, ok := AsError(err)
	return ok && e.Transient
}

// Diagnostic formats the message recorded on an operation that failed while
// in status, e.g. "operation 12 failed in STORE [STORAGE_IO]: ...".
func Diagnostic(id int64, status Status, err error) string {
	detail := err.Error()
	if e, ok := AsError(err); ok && e == err {
		detail = e.detail()
	}
	return fmt.Sprintf("operation %d failed in %s [%s]: %s", id, status, CodeOf(err), detail)
}
