package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nestdoc/internal/schema"
)

// ValidationResult describes a model that loaded cleanly.
type ValidationResult struct {
	Valid    bool          `json:"valid"`
	Hash     string        `json:"hash"`
	Entities []EntityShape `json:"entities"`
}

// EntityShape lists the fields of one entity.
type EntityShape struct {
	Name          string   `json:"name"`
	Attributes    []string `json:"attributes"`
	Relationships []string `json:"relationships,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schema]",
		Short: "Validate a model without opening a store",
		Long: `Load and compile a CUE model, checking attribute types, delete rules,
relationship destinations and inverses.

The model is read from the argument, or from --schema when none is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				rootOpts.Schema = args[0]
			}
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	model, err := opts.loadModel()
	if err != nil {
		return formatter.Fail(loadExitCode(err), err)
	}
	formatter.VerboseLog("Loaded %d entities from %s", len(model.Entities), opts.Schema)

	hash, err := model.Hash()
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}

	res := ValidationResult{Valid: true, Hash: hash}
	for _, name := range model.EntityNames() {
		e := model.Entities[name]
		res.Entities = append(res.Entities, EntityShape{
			Name:          name,
			Attributes:    e.AttributeNames(),
			Relationships: e.RelationshipNames(),
		})
	}
	return formatter.Success(res)
}

// loadExitCode separates unreadable input (command error) from a model that
// was read but is invalid (failure).
func loadExitCode(err error) int {
	var le *schema.LoadError
	if errors.As(err, &le) {
		switch le.Code {
		case schema.ErrCodeNotFound, schema.ErrCodeNoFiles, schema.ErrCodeScanError:
			return ExitCommandError
		}
	}
	return ExitFailure
}

func (r ValidationResult) writeText(w io.Writer) error {
	fmt.Fprintf(w, "\u2713 Model valid (%d entities, hash %s)\n", len(r.Entities), shortHash(r.Hash))
	for _, e := range r.Entities {
		fmt.Fprintf(w, "  %s: %d attribute(s), %d relationship(s)\n", e.Name, len(e.Attributes), len(e.Relationships))
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
