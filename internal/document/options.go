package document

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// Option configures Open.
type Option func(*options)

type options struct {
	model      *schema.Model
	loader     schema.Loader
	opener     store.Opener
	migration  store.MigrationOptions
	merge      merge.Policy
	hook       LifecycleHook
	logger     *slog.Logger
	registerer prometheus.Registerer
	tokens     engine.TokenGenerator
	evaluator  queryir.Evaluator
	onAsyncErr func(error)
}

func defaultOptions() options {
	return options{
		loader:    schema.CUELoader{},
		migration: store.DefaultMigrationOptions,
		merge:     merge.StoreTrump,
		hook:      noopHook{},
		logger:    slog.Default(),
	}
}

// WithModel uses an already loaded model. The schema location passed to
// Open is then ignored.
func WithModel(m *schema.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// WithSchemaLoader sets how the schema location is read.
//
// Default: schema.CUELoader.
func WithSchemaLoader(l schema.Loader) Option {
	return func(o *options) {
		if l != nil {
			o.loader = l
		}
	}
}

// WithStoreOpener sets how durable locations are attached. An empty
// location always gets a volatile memory store unless an opener is set.
//
// Default: store.SQLiteOpener with the coordinator's logger.
func WithStoreOpener(op store.Opener) Option {
	return func(o *options) {
		o.opener = op
	}
}

// WithMigrationOptions sets what Open does when the stored model differs.
// Passing the zero value disables migration.
//
// Default: store.DefaultMigrationOptions.
func WithMigrationOptions(m store.MigrationOptions) Option {
	return func(o *options) {
		o.migration = m
	}
}

// WithMergePolicy sets the policy of both canonical contexts.
//
// Default: merge.StoreTrump.
func WithMergePolicy(p merge.Policy) Option {
	return func(o *options) {
		o.merge = p
	}
}

// WithLifecycleHook sets the hook SaveWithExtendedOperation brackets its
// save with.
func WithLifecycleHook(h LifecycleHook) Option {
	return func(o *options) {
		if h != nil {
			o.hook = h
		}
	}
}

// WithLogger sets the logger for the coordinator, its contexts and the
// default store opener.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers the coordinator's save metrics. Coordinators
// sharing a registerer share the collectors.
//
// Default: metrics are kept but not registered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithTokenGenerator sets the temporary identifier generator.
func WithTokenGenerator(g engine.TokenGenerator) Option {
	return func(o *options) {
		o.tokens = g
	}
}

// WithEvaluator sets the predicate evaluator for queries.
func WithEvaluator(ev queryir.Evaluator) Option {
	return func(o *options) {
		o.evaluator = ev
	}
}

// WithAsyncSaveErrorHandler receives failures of store saves that
// SaveAndWait did not wait for.
//
// Default: log at Error.
func WithAsyncSaveErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onAsyncErr = fn
	}
}
