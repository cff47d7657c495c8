package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/roach88/nestdoc/internal/document"
	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Validation, save or query failure
	ExitCommandError = 2 // Command error (bad flags, unreadable input, etc.)
)

// ExitError represents an error with a specific exit code.
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
// Returns ExitFailure (1) if the error is not an ExitError.
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E005", "COMMIT_FAILED", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format. In text
// mode data is printed with fmt.Println unless it implements textWriter.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if tw, ok := data.(textWriter); ok {
		return tw.writeText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
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

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns the ExitError the
// command should return. An ExitError already in err's chain keeps its code.
func (f *OutputFormatter) Fail(exitCode int, err error) error {
	var inner *ExitError
	if errors.As(err, &inner) {
		exitCode = inner.Code
	}
	code, details := errorCode(err)
	if outErr := f.Error(code, err.Error(), details); outErr != nil {
		return outErr
	}
	return WrapExitError(exitCode, code, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// textWriter is implemented by payloads with their own text rendering.
type textWriter interface {
	writeText(w io.Writer) error
}

// errorCode maps the library's error taxonomy onto CLI error codes.
func errorCode(err error) (string, any) {
	var (
		loadErr *schema.LoadError
		openErr *document.OpenError
		saveErr *engine.SaveError
		qErr    *queryir.QueryError
	)
	switch {
	case errors.As(err, &saveErr):
		if saveErr.Code == engine.ErrCodeValidationFailed {
			return string(saveErr.Code), violationDetails(saveErr.Violations)
		}
		return string(saveErr.Code), nil
	case errors.As(err, &openErr):
		if errors.As(err, &loadErr) {
			return string(openErr.Code), map[string]string{"load_code": loadErr.Code}
		}
		return string(openErr.Code), nil
	case errors.As(err, &loadErr):
		return loadErr.Code, nil
	case errors.As(err, &qErr):
		return string(qErr.Code), nil
	case errors.Is(err, engine.ErrUnresolvableTemporaryIdentifier):
		return "UNRESOLVABLE_TEMPORARY_IDENTIFIER", nil
	case errors.Is(err, engine.ErrEntityNotFound):
		return "ENTITY_NOT_FOUND", nil
	case errors.Is(err, engine.ErrContextClosed):
		return "CONTEXT_CLOSED", nil
	default:
		return schema.ErrCodeGeneric, nil
	}
}

func violationDetails(vs []schema.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// recordView is the output form of one record.
type recordView struct {
	ID            string              `json:"id"`
	Kind          string              `json:"kind"`
	Attributes    ir.IRObject         `json:"attributes"`
	Relationships map[string][]string `json:"relationships,omitempty"`
}

func newRecordView(rec ir.EntityRecord) recordView {
	v := recordView{ID: rec.ID.String(), Kind: rec.Kind, Attributes: rec.Attributes}
	if v.Attributes == nil {
		v.Attributes = ir.IRObject{}
	}
	for _, name := range rec.RelationshipNames() {
		targets := rec.Related(name)
		if len(targets) == 0 {
			continue
		}
		if v.Relationships == nil {
			v.Relationships = map[string][]string{}
		}
		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.String()
		}
		v.Relationships[name] = ids
	}
	return v
}

// text renders the view on one line: the identifier, then attributes and
// relationships in name order.
func (v recordView) text() string {
	var b strings.Builder
	b.WriteString(v.ID)
	for _, name := range v.Attributes.SortedKeys() {
		val, err := ir.MarshalIRValue(v.Attributes[name])
		if err != nil {
			val = []byte("?")
		}
		fmt.Fprintf(&b, " %s=%s", name, val)
	}
	names := make([]string, 0, len(v.Relationships))
	for name := range v.Relationships {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=[%s]", name, strings.Join(v.Relationships[name], ","))
	}
	return b.String()
}
