package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/ingest"
	"github.com/roach88/coffer/internal/ir"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Tenant int
}

// IngestResult is the outcome of one ingest.
type IngestResult struct {
	Operation int64     `json:"operation"`
	Tenant    int       `json:"tenant"`
	Files     int       `json:"files"`
	Status    ir.Status `json:"status"`
	Message   string    `json:"message"`
}

// Text implements Texter.
func (r IngestResult) Text() string {
	return fmt.Sprintf("Operation %d (tenant %d, %d files): %s\n  %s\n", r.Operation, r.Tenant, r.Files, r.Status, r.Message)
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest files into a tenant's archive",
		Long: `Create an ingest operation for the given files and drive it through
INIT, BACKUP, STORE and INDEX.

Every file becomes a binary object and a unit on each of the tenant's
offers. The operation is journaled before anything is written, so a failed
ingest is left in FATAL or RETRY_* with a diagnostic message.

Examples:
  coffer ingest --tenant 0 report.pdf scan-001.tiff`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Tenant, "tenant", "t", 0, "tenant to ingest into")

	return cmd
}

func runIngest(opts *IngestOptions, paths []string, cmd *cobra.Command) error {
	files := make([]ingest.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", p), err)
		}
		files = append(files, ingest.File{Name: filepath.Base(p), Data: data})
	}

	a, err := openApp(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)
	op, err := a.ingester.Submit(ctx, opts.Tenant, files)
	if err != nil {
		return f.Failure(ExitFailure, "ingest rejected", nil, err)
	}

	steps := a.driveAll(ctx, op.ID)
	last := steps[len(steps)-1]
	result := IngestResult{
		Operation: op.ID,
		Tenant:    op.Tenant,
		Files:     len(files),
		Status:    last.To,
		Message:   strings.TrimSpace(last.Message),
	}
	if last.Err != nil {
		return f.Failure(ExitFailure, "ingest failed", result, last.Err)
	}
	return f.Success(result)
}
