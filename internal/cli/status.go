package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/ir"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Tenant int
	Limit  int
}

// OperationView is the printable form of a journaled operation.
type OperationView struct {
	ID        int64            `json:"id"`
	Type      ir.OperationType `json:"type"`
	Status    ir.Status        `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
	Message   string           `json:"message"`
	Segment   *int64           `json:"segment,omitempty"`
}

// StatusResult summarizes a tenant's journal.
type StatusResult struct {
	Tenant int               `json:"tenant"`
	Counts map[ir.Status]int `json:"counts"`
	Recent []OperationView   `json:"recent"`
}

// Text implements Texter.
func (r StatusResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant %d\n", r.Tenant)

	statuses := make([]string, 0, len(r.Counts))
	for s := range r.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "  %-12s %d\n", s, r.Counts[ir.Status(s)])
	}

	if len(r.Recent) > 0 {
		fmt.Fprintln(&b, "Recent operations:")
	}
	for _, op := range r.Recent {
		sealed := ""
		if op.Segment != nil {
			sealed = fmt.Sprintf(" [segment %d]", *op.Segment)
		}
		fmt.Fprintf(&b, "  %d  %-15s %-12s%s  %s\n", op.ID, op.Type, op.Status, sealed, op.Message)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a tenant's operations by status",
		Long: `Show how many of a tenant's operations are in each status, followed by
the most recent operations with their messages.

Example:
  coffer status --tenant 0 --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Tenant, "tenant", "t", 0, "tenant to summarize")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 10, "number of recent operations to list")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)

	counts, err := a.store.CountByStatus(ctx, opts.Tenant)
	if err != nil {
		return f.Failure(ExitFailure, "failed to count operations", nil, err)
	}
	recent, err := a.store.ListRecent(ctx, opts.Tenant, opts.Limit)
	if err != nil {
		return f.Failure(ExitFailure, "failed to list operations", nil, err)
	}

	result := StatusResult{Tenant: opts.Tenant, Counts: counts, Recent: make([]OperationView, 0, len(recent))}
	for _, op := range recent {
		result.Recent = append(result.Recent, OperationView{
			ID:        op.ID,
			Type:      op.Type,
			Status:    op.Status,
			UpdatedAt: op.UpdatedAt,
			Message:   op.Message,
			Segment:   op.SecureNumber,
		})
	}
	return f.Success(result)
}
