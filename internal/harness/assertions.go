package harness

import (
	"context"
	"fmt"

	"github.com/roach88/coffer/internal/ir"
)

// assert evaluates the scenario assertions against the final journal and
// offers. Failed assertions are added to result; only a journal or offer
// read failure is returned.
func (h *Harness) assert(ctx context.Context, assertions []Assertion, result *Result) error {
	for i, a := range assertions {
		got, err := h.measure(ctx, a)
		if err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
		if got != a.Count {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %s expected %d, got %d", i, a.Type, describe(a), a.Count, got))
		}
	}
	return nil
}

func (h *Harness) measure(ctx context.Context, a Assertion) (int, error) {
	switch a.Type {
	case AssertSegmentCount:
		segments, err := h.store.ListSegments(ctx, a.Tenant)
		return len(segments), err
	case AssertOfferSegments:
		o, ok := h.offers[a.Tenant][a.Offer]
		if !ok {
			return 0, fmt.Errorf("tenant %d has no offer %q", a.Tenant, a.Offer)
		}
		numbers, err := o.ListSegments(ctx, a.Tenant)
		return len(numbers), err
	case AssertStatusCount:
		counts, err := h.store.CountByStatus(ctx, a.Tenant)
		return counts[ir.Status(a.Status)], err
	}
	return 0, fmt.Errorf("unknown assertion type %q", a.Type)
}

func describe(a Assertion) string {
	switch a.Type {
	case AssertOfferSegments:
		return fmt.Sprintf("tenant %d offer %s", a.Tenant, a.Offer)
	case AssertStatusCount:
		return fmt.Sprintf("tenant %d status %s", a.Tenant, a.Status)
	}
	return fmt.Sprintf("tenant %d", a.Tenant)
}
