package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// SegmentsOptions holds flags for the segments command.
type SegmentsOptions struct {
	*RootOptions
	Tenant int
}

// SegmentView is the printable form of a sealed ledger segment.
type SegmentView struct {
	Number         int64     `json:"number"`
	Digest         string    `json:"digest"`
	PreviousDigest string    `json:"previous_digest,omitempty"`
	SealedAt       time.Time `json:"sealed_at"`
	Operations     int       `json:"operations"`
	First          int64     `json:"first_operation"`
	Last           int64     `json:"last_operation"`
	Securing       int64     `json:"securing_operation"`
}

// SegmentsResult lists a tenant's ledger.
type SegmentsResult struct {
	Tenant   int           `json:"tenant"`
	Segments []SegmentView `json:"segments"`
}

// Text implements Texter.
func (r SegmentsResult) Text() string {
	if len(r.Segments) == 0 {
		return fmt.Sprintf("Tenant %d has no sealed segments.\n", r.Tenant)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant %d ledger:\n", r.Tenant)
	for _, s := range r.Segments {
		fmt.Fprintf(&b, "  #%d  %s  ops %d..%d (%d)  %s\n",
			s.Number, s.SealedAt.UTC().Format(time.RFC3339), s.First, s.Last, s.Operations, s.Digest)
	}
	return b.String()
}

// NewSegmentsCommand creates the segments command.
func NewSegmentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SegmentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List a tenant's sealed ledger segments",
		Long: `List the sealed segments of a tenant's ledger as recorded in the journal,
with the chained digest of each.

Example:
  coffer segments --tenant 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSegments(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Tenant, "tenant", "t", 0, "tenant whose ledger to list")

	return cmd
}

func runSegments(opts *SegmentsOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.close()

	f := newFormatter(opts.RootOptions, cmd)
	segments, err := a.store.ListSegments(cmd.Context(), opts.Tenant)
	if err != nil {
		return f.Failure(ExitFailure, "failed to list segments", nil, err)
	}

	result := SegmentsResult{Tenant: opts.Tenant, Segments: make([]SegmentView, 0, len(segments))}
	for _, s := range segments {
		result.Segments = append(result.Segments, SegmentView{
			Number:         s.Number,
			Digest:         s.Digest,
			PreviousDigest: s.PreviousDigest,
			SealedAt:       s.SealedAt,
			Operations:     s.OperationCount,
			First:          s.FirstOperation,
			Last:           s.LastOperation,
			Securing:       s.SecuringOperation,
		})
	}
	return f.Success(result)
}
