package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/reindex"
	"github.com/roach88/coffer/internal/replicate"
)

// ReplicateOptions holds flags for the replicate command.
type ReplicateOptions struct {
	*RootOptions
	Tenant int
	From   string
	To     string
}

type replicateResult replicate.Report

// Text implements Texter.
func (r replicateResult) Text() string {
	return fmt.Sprintf("Tenant %d: %s → %s\n  objects: %d\n  copied: %d\n  already intact: %d\n",
		r.Tenant, r.Source, r.Target, r.Objects, r.Copied, r.Intact)
}

// NewReplicateCommand creates the replicate command.
func NewReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Copy a tenant's archive from one offer to another",
		Long: `Copy every committed object and ledger segment of a tenant from one offer
to another. Copies already intact on the target are left alone; every
copied object is verified against its recorded digest at the source.

Example:
  coffer replicate --tenant 0 --from primary --to secondary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Tenant, "tenant", "t", 0, "tenant to replicate")
	cmd.Flags().StringVar(&opts.From, "from", "", "source offer id")
	cmd.Flags().StringVar(&opts.To, "to", "", "target offer id")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runReplicate(opts *ReplicateOptions, cmd *cobra.Command) error {
	if opts.From == opts.To {
		return NewExitError(ExitCommandError, "--from and --to must name different offers")
	}
	a, err := openApp(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.close()

	f := newFormatter(opts.RootOptions, cmd)
	report, err := a.replicator.Replicate(cmd.Context(), opts.Tenant, opts.From, opts.To)
	if err != nil {
		return f.Failure(ExitFailure, "replication failed", replicateResult(report), err)
	}
	return f.Success(replicateResult(report))
}

// ReindexOptions holds flags for the reindex command.
type ReindexOptions struct {
	*RootOptions
	Tenant int
}

type reindexResult reindex.Report

// Text implements Texter.
func (r reindexResult) Text() string {
	return fmt.Sprintf("Tenant %d: %d documents reindexed\n", r.Tenant, r.Documents)
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReindexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild a tenant's metadata index from the archive",
		Long: `Send every unit and object group of a tenant to the index again, reading
each from the first offer holding an intact copy.

Example:
  coffer reindex --tenant 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Tenant, "tenant", "t", 0, "tenant to reindex")

	return cmd
}

func runReindex(opts *ReindexOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.close()

	f := newFormatter(opts.RootOptions, cmd)
	report, err := a.reindexer.Reindex(cmd.Context(), opts.Tenant)
	if err != nil {
		return f.Failure(ExitFailure, "reindex failed", reindexResult(report), err)
	}
	return f.Success(reindexResult(report))
}
