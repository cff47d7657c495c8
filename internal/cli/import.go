package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/nestdoc/internal/engine"
)

// ImportResult lists the records an import stored.
type ImportResult struct {
	Records    int          `json:"records"`
	HadChanges bool         `json:"had_changes"`
	IDs        []ImportedID `json:"ids"`
}

// ImportedID maps one seed record to its permanent identifier.
type ImportedID struct {
	Ref  string `json:"ref,omitempty"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <seed.yaml>",
		Short: "Insert records from a YAML seed file",
		Long: `Insert the records of a YAML seed file into the document.

The records are inserted and linked in a scoped child context, saved into
the main context and then saved durably. Nothing is stored if any record is
invalid.

Example:
  nestdoc import --store ./library.db --schema ./library.cue seed.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runImport(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	f, err := os.Open(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, fmt.Errorf("open seed: %w", err))
	}
	seed, err := ParseSeed(f)
	f.Close()
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	formatter.VerboseLog("Parsed %d record(s) from %s", len(seed.Records), path)

	doc, err := opts.openDocument(ctx, cmd)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	defer doc.Close(ctx)

	scoped, err := doc.NewScopedChildContext(engine.Policy{Name: "import"})
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	defer scoped.Close()

	seeded, err := engine.Call(ctx, scoped, func(tx *engine.Tx) ([]Seeded, error) {
		seeded, err := seed.apply(tx)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Save(); err != nil {
			return nil, err
		}
		return seeded, nil
	})
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}

	had, err := doc.SaveWithExtendedOperation(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}

	ids, err := engine.Call(ctx, doc.MainContext(), func(tx *engine.Tx) ([]ImportedID, error) {
		out := make([]ImportedID, len(seeded))
		for i, s := range seeded {
			id, _ := tx.PermanentIdentifier(s.ID)
			out[i] = ImportedID{Ref: s.Ref, Kind: s.Kind, ID: id.String()}
		}
		return out, nil
	})
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}

	return formatter.Success(ImportResult{Records: len(ids), HadChanges: had, IDs: ids})
}

func (r ImportResult) writeText(w io.Writer) error {
	fmt.Fprintf(w, "imported %d record(s)\n", r.Records)
	for i, id := range r.IDs {
		label := id.Ref
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		fmt.Fprintf(w, "  %s -> %s\n", label, id.ID)
	}
	return nil
}
