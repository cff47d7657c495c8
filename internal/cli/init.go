package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Bundle bool
}

// InitResult describes the attached store.
type InitResult struct {
	Location string `json:"location"`
	Volatile bool   `json:"volatile,omitempty"`
	Entities int    `json:"entities"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or attach a store for a model",
		Long: `Create the store at --store for the --schema model, or attach an existing
one, migrating it to the model when the change is lightweight.

With --bundle, --store names a document directory and the store is created
at <dir>/StoreContent/persistentStore.

Example:
  nestdoc init --store ./library.db --schema ./library.cue
  nestdoc init --bundle --store ./Library.doc --schema ./library.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Bundle, "bundle", false, "treat --store as a document directory")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.Bundle {
		if opts.Store == "" {
			return formatter.Fail(ExitCommandError, NewExitError(ExitCommandError, "--bundle requires --store"))
		}
		if err := os.MkdirAll(filepath.Join(opts.Store, "StoreContent"), 0o755); err != nil {
			return formatter.Fail(ExitCommandError, fmt.Errorf("create document directory: %w", err))
		}
	}

	doc, err := opts.openDocument(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	defer doc.Close(cmd.Context())

	return formatter.Success(InitResult{
		Location: doc.Location(),
		Volatile: doc.Location() == "",
		Entities: len(doc.Model().Entities),
	})
}

func (r InitResult) writeText(w io.Writer) error {
	if r.Volatile {
		_, err := fmt.Fprintf(w, "in-memory store ready (%d entities)\n", r.Entities)
		return err
	}
	_, err := fmt.Fprintf(w, "store ready at %s (%d entities)\n", r.Location, r.Entities)
	return err
}
