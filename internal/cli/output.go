package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // ran, but the answer is a failure: conflict, risks under --strict
	ExitCommandError = 2 // bad arguments, missing workspace, unreadable store
)

// ExitError carries the process exit code a command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// NewExitError builds an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches code and message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// storeError picks the exit code for a failed store call: refused writes
// are failures, everything else is a command error.
func storeError(message string, err error) *ExitError {
	switch ir.CodeOf(err) {
	case ir.ErrCodeConflict, ir.ErrCodeBusy, ir.ErrCodeInvalidReference:
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

// GetExitCode maps err to a process exit code. Errors that are not an
// ExitError count as plain failures.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; nil means Writer
	Verbose   bool
}

// CLIResponse is the envelope every --format json command prints.
type CLIResponse struct {
	Status string    `json:"status"` // ok | error
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError mirrors an ir.Error inside the envelope.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Text styles. fatih/color disables them when the output is not a
// terminal or NO_COLOR is set.
var (
	headingStyle = color.New(color.FgCyan, color.Bold)
	labelStyle   = color.New(color.FgYellow)
	okStyle      = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed, color.Bold)
	dimStyle     = color.New(color.FgHiBlack)
)

// statusStyle colors a node status.
func statusStyle(s ir.Status) *color.Color {
	switch s {
	case ir.StatusDone:
		return okStyle
	case ir.StatusInProgress:
		return labelStyle
	case ir.StatusBlocked:
		return errorStyle
	case ir.StatusCancelled:
		return dimStyle
	default:
		return color.New(color.Reset)
	}
}

// Success prints data. Text mode calls render, or prints data itself when
// render is nil.
func (f *OutputFormatter) Success(data any, render func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if render == nil {
		fmt.Fprintln(f.Writer, data)
		return nil
	}
	render(f.Writer)
	return nil
}

// Error prints a coded failure.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	errorStyle.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a dimmed diagnostic line when --verbose is set. It never
// touches Writer when ErrWriter is set, so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	dimStyle.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter is where diagnostics go.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
