package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The archive failed a check, a scenario failed, an operation did not complete
	ExitCommandError = 2 // Command error (bad flags, unreadable config, journal not found, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError, ExitSuccess for nil.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Texter is implemented by command results that have a text rendering.
type Texter interface {
	Text() string
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // ir error code, e.g. "CHECKSUM_MISMATCH"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	if t, ok := data.(Texter); ok {
		_, err := fmt.Fprint(f.Writer, t.Text())
		return err
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Failure reports err along with the partial result data and returns an
// ExitError carrying code. The error code comes from err's ir.Error.
func (f *OutputFormatter) Failure(code int, message string, data any, err error) error {
	if f.Format == "json" {
		encErr := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   data,
			Error: &CLIError{
				Code:    string(ir.CodeOf(err)),
				Message: err.Error(),
				Details: errorDetails(err),
			},
		})
		if encErr != nil {
			return encErr
		}
	} else {
		if t, ok := data.(Texter); ok {
			fmt.Fprint(f.Writer, t.Text())
		}
		fmt.Fprintf(f.Writer, "Error [%s]: %v\n", ir.CodeOf(err), err)
	}
	return WrapExitError(code, message, err)
}

// errorDetails exposes the identifying fields of an ir.Error.
func errorDetails(err error) map[string]any {
	e, ok := ir.AsError(err)
	if !ok {
		return nil
	}
	details := map[string]any{"kind": string(e.Kind)}
	if e.Tenant != nil {
		details["tenant"] = *e.Tenant
	}
	if e.Offer != "" {
		details["offer"] = e.Offer
	}
	if e.Object != "" {
		details["object"] = e.Object
	}
	if e.Segment != nil {
		details["segment"] = *e.Segment
	}
	return details
}
