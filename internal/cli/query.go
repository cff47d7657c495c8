package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nestdoc/internal/query"
	"github.com/roach88/nestdoc/internal/queryir"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Kind  string
	Where string
	Sort  string
	Limit int
}

// QueryResult is the output of the query command.
type QueryResult struct {
	Kind    string       `json:"kind"`
	Count   int          `json:"count"`
	Records []recordView `json:"records"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find records of one kind",
		Long: `Find records of one entity kind as the document's main context sees them.

--where takes an expression over the record's attributes, its relationships
(as lists of identifiers) and id/kind. --sort takes a comma-separated list of
fields: "-field" sorts descending, "~field" sorts ascending ignoring case.

Example:
  nestdoc query --store ./library.db --schema ./library.cue --kind Book \
    --where 'genre == "sf" && year < 1970' --sort -year,~title --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "entity kind to find (required)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "filter expression")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "sort fields, e.g. lastName,-rating,~firstName")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 for all)")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	if opts.Limit < 0 {
		return formatter.Fail(ExitCommandError, NewExitError(ExitCommandError, "--limit must not be negative"))
	}
	keys, err := queryir.ParseSortKeys(opts.Sort)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	req := queryir.Request{Kind: opts.Kind, Sort: keys, Limit: opts.Limit}
	if opts.Where != "" {
		req.Predicate = queryir.Expr{Source: opts.Where}
	}

	doc, err := opts.openDocument(ctx, cmd)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	defer doc.Close(ctx)

	recs, err := query.FindIn(ctx, doc.MainContext(), req)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	formatter.VerboseLog("Found %d %s record(s)", len(recs), opts.Kind)

	res := QueryResult{Kind: opts.Kind, Count: len(recs), Records: make([]recordView, len(recs))}
	for i, rec := range recs {
		res.Records[i] = newRecordView(rec)
	}
	return formatter.Success(res)
}

func (r QueryResult) writeText(w io.Writer) error {
	for _, rec := range r.Records {
		fmt.Fprintln(w, rec.text())
	}
	_, err := fmt.Fprintf(w, "%d record(s)\n", r.Count)
	return err
}
