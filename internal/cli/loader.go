package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/nestdoc/internal/document"
	"github.com/roach88/nestdoc/internal/schema"
)

// loadModel reads the --schema location.
func (o *RootOptions) loadModel() (*schema.Model, error) {
	if o.Schema == "" {
		return nil, &schema.LoadError{Code: schema.ErrCodeNotFound, Message: "--schema is required"}
	}
	return schema.CUELoader{}.Load(o.Schema)
}

// openDocument opens the --store location with the --schema model.
func (o *RootOptions) openDocument(ctx context.Context, cmd *cobra.Command) (*document.Coordinator, error) {
	if o.Schema == "" {
		return nil, NewExitError(ExitCommandError, "--schema is required")
	}
	opts := []document.Option{document.WithLogger(o.logger(cmd))}
	if o.Hook != nil {
		opts = append(opts, document.WithLifecycleHook(o.Hook))
	}
	if o.Tokens != nil {
		opts = append(opts, document.WithTokenGenerator(o.Tokens))
	}
	return document.Open(ctx, o.Store, o.Schema, opts...)
}
