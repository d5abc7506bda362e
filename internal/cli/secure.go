package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/securing"
)

// FlushView is the printable form of one securing flush.
type FlushView struct {
	Tenant     int          `json:"tenant"`
	Operations int          `json:"operations"`
	Units      int          `json:"units"`
	Segment    int64        `json:"segment,omitempty"`
	Skipped    bool         `json:"skipped,omitempty"`
	Error      string       `json:"error,omitempty"`
	Code       ir.ErrorCode `json:"code,omitempty"`
}

// SecureResult is the outcome of one securing tick.
type SecureResult struct {
	Flushes []FlushView `json:"flushes"`
}

// Text implements Texter.
func (r SecureResult) Text() string {
	if len(r.Flushes) == 0 {
		return "Nothing due for securing.\n"
	}
	var b strings.Builder
	for _, f := range r.Flushes {
		switch {
		case f.Error != "":
			fmt.Fprintf(&b, "✗ tenant %d: %d operations not sealed: %s\n", f.Tenant, f.Operations, f.Error)
		case f.Skipped:
			fmt.Fprintf(&b, "- tenant %d: %d idle securing operations deferred\n", f.Tenant, f.Operations)
		default:
			fmt.Fprintf(&b, "✓ tenant %d: segment %d sealed (%d operations, %d units)\n", f.Tenant, f.Segment, f.Operations, f.Units)
		}
	}
	return b.String()
}

func secureResult(report securing.Report) SecureResult {
	r := SecureResult{Flushes: make([]FlushView, 0, len(report.Flushes))}
	for _, f := range report.Flushes {
		v := FlushView{
			Tenant:     f.Tenant,
			Operations: f.Operations,
			Units:      f.Units,
			Segment:    f.Number,
			Skipped:    f.Skipped,
		}
		if f.Err != nil {
			v.Error = f.Err.Error()
			v.Code = ir.CodeOf(f.Err)
		}
		r.Flushes = append(r.Flushes, v)
	}
	return r
}

// NewSecureCommand creates the secure command.
func NewSecureCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "secure",
		Short: "Seal due operations into ledger segments",
		Long: `Run one securing pass: every operation whose securing delay has passed
is sealed into the next segment of its tenant's ledger on every offer.

A tenant whose flush fails keeps the rest of its backlog for the next pass.

Example:
  coffer secure --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecure(rootOpts, cmd)
		},
	}
}

func runSecure(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, nil)
	if err != nil {
		return err
	}
	defer a.close()

	f := newFormatter(opts, cmd)
	report, err := a.pipeline.Tick(cmd.Context())
	result := secureResult(report)
	if err != nil {
		return f.Failure(ExitFailure, "securing failed", result, err)
	}
	if failed := report.Failed(); len(failed) > 0 {
		return f.Failure(ExitFailure, fmt.Sprintf("%d flushes failed", len(failed)), result, failed[0].Err)
	}
	return f.Success(result)
}
