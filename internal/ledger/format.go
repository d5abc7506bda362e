package ledger

import (
	"fmt"
	"time"

	"github.com/roach88/coffer/internal/ir"
)

// timeLayout is fixed at millisecond precision, matching the journal.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Header is the first line of a segment.
type Header struct {
	Format         string    `json:"format"`
	Tenant         int       `json:"tenant"`
	Number         int64     `json:"number"`
	PreviousDigest string    `json:"previous_digest"`
	CreatedAt      time.Time `json:"-"`
	FirstOperation int64     `json:"first_operation"`
	LastOperation  int64     `json:"last_operation"`
	Operations     int       `json:"operations"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (h Header) canonical() map[string]any {
	return map[string]any{
		"format":          h.Format,
		"tenant":          h.Tenant,
		"number":          h.Number,
		"previous_digest": h.PreviousDigest,
		"created_at":      formatTime(h.CreatedAt),
		"first_operation": h.FirstOperation,
		"last_operation":  h.LastOperation,
		"operations":      h.Operations,
	}
}

func operationLine(op ir.Operation) map[string]any {
	actions := make([]any, len(op.Actions))
	for i, a := range op.Actions {
		actions[i] = map[string]any{
			"kind": string(a.Kind),
			"object": map[string]any{
				"tenant":    a.Object.Tenant,
				"id":        a.Object.ID,
				"type":      string(a.Object.Type),
				"algorithm": string(a.Object.Algorithm),
				"digest":    a.Object.Digest,
			},
		}
	}
	props := op.Properties
	if props == nil {
		props = ir.Map{}
	}
	return map[string]any{
		"id":             op.ID,
		"tenant":         op.Tenant,
		"type":           string(op.Type),
		"status":         string(op.Status),
		"created_at":     formatTime(op.CreatedAt),
		"updated_at":     formatTime(op.UpdatedAt),
		"message":        op.Message,
		"properties":     props,
		"user_id":        op.UserID,
		"application_id": op.ApplicationID,
		"actions":        actions,
	}
}

// headerRecord and operationRecord mirror the line layouts for decoding.
type headerRecord struct {
	Format         string `json:"format"`
	Tenant         int    `json:"tenant"`
	Number         int64  `json:"number"`
	PreviousDigest string `json:"previous_digest"`
	CreatedAt      string `json:"created_at"`
	FirstOperation int64  `json:"first_operation"`
	LastOperation  int64  `json:"last_operation"`
	Operations     int    `json:"operations"`
}

func (r headerRecord) header() (Header, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return Header{}, fmt.Errorf("created_at: %w", err)
	}
	return Header{
		Format:         r.Format,
		Tenant:         r.Tenant,
		Number:         r.Number,
		PreviousDigest: r.PreviousDigest,
		CreatedAt:      created,
		FirstOperation: r.FirstOperation,
		LastOperation:  r.LastOperation,
		Operations:     r.Operations,
	}, nil
}

type operationRecord struct {
	ID            int64       `json:"id"`
	Tenant        int         `json:"tenant"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
	Message       string      `json:"message"`
	Properties    ir.Map      `json:"properties"`
	UserID        string      `json:"user_id"`
	ApplicationID string      `json:"application_id"`
	Actions       []ir.Action `json:"actions"`
}

func (r operationRecord) operation(number int64) (ir.Operation, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("created_at: %w", err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("updated_at: %w", err)
	}
	if len(r.Properties) == 0 {
		r.Properties = nil
	}
	if len(r.Actions) == 0 {
		r.Actions = nil
	}
	return ir.Operation{
		ID:            r.ID,
		Tenant:        r.Tenant,
		Type:          ir.OperationType(r.Type),
		Status:        ir.Status(r.Status),
		CreatedAt:     created,
		UpdatedAt:     updated,
		Message:       r.Message,
		Properties:    r.Properties,
		UserID:        r.UserID,
		ApplicationID: r.ApplicationID,
		Actions:       r.Actions,
		SecureNumber:  &number,
	}, nil
}

// referenceRecord decodes only what a reference scan needs from a line.
type referenceRecord struct {
	Status  string `json:"status"`
	Actions []struct {
		Object ir.ChecksummedObject `json:"object"`
	} `json:"actions"`
}

// EncodeOperation renders op as one ledger line without the terminator. It
// is the content of an operation's staging copy.
func EncodeOperation(op ir.Operation) ([]byte, error) {
	data, err := ir.MarshalCanonical(operationLine(op))
	if err != nil {
		return nil, fmt.Errorf("encode operation %d: %w", op.ID, err)
	}
	return data, nil
}
