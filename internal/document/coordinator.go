package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// State is the lifecycle state of a coordinator.
type State int32

// Coordinator states. A coordinator is only ever returned open.
const (
	StateUninitialized State = iota
	StateOpen
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Conventional path of the store inside a bundled document directory.
const (
	bundleContentDir = "StoreContent"
	bundleStoreFile  = "persistentStore"
)

// Coordinator owns a document's store context and main context and runs the
// two-level save between them.
//
// The store context is the root of the tree and the only context that
// touches the store handle. The main context is its child and is where
// callers edit. Scoped children hang off the main context.
type Coordinator struct {
	handle   store.Handle
	model    *schema.Model
	root     *engine.ObjectContext
	main     *engine.ObjectContext
	location string

	logger     *slog.Logger
	hook       LifecycleHook
	metrics    *metrics
	onAsyncErr func(error)

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// ResolveLocation maps a store location to the file a durable store is
// attached at. An existing directory resolves to the store inside a bundled
// document. Empty stays empty.
func ResolveLocation(location string) string {
	if location == "" {
		return ""
	}
	if info, err := os.Stat(location); err == nil && info.IsDir() {
		return filepath.Join(location, bundleContentDir, bundleStoreFile)
	}
	return location
}

// Open loads the model, attaches the store and builds the context pair.
//
// An empty storeLocation selects a volatile memory store. Failures return
// an *OpenError and no coordinator; nothing opened along the way stays
// open.
func Open(ctx context.Context, storeLocation, schemaLocation string, opts ...Option) (*Coordinator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	model := o.model
	if model == nil {
		m, err := o.loader.Load(schemaLocation)
		if err != nil {
			return nil, &OpenError{Code: ErrCodeSchemaUnreadable, Location: schemaLocation, Err: err}
		}
		model = m
	}

	location := ResolveLocation(storeLocation)
	opener := o.opener
	if opener == nil {
		if location == "" {
			opener = store.MemoryOpener{}
		} else {
			opener = store.SQLiteOpener{Logger: o.logger}
		}
	}
	handle, err := opener.Open(ctx, model, location, o.migration)
	if err != nil {
		return nil, &OpenError{Code: ErrCodeStoreAttachFailed, Location: location, Err: err}
	}

	root, err := engine.NewRoot(handle, model,
		engine.WithName("store"),
		engine.WithMergePolicy(o.merge),
		engine.WithLogger(o.logger),
		engine.WithTokenGenerator(o.tokens),
		engine.WithEvaluator(o.evaluator),
	)
	if err != nil {
		_ = handle.Close()
		return nil, &OpenError{Code: ErrCodeStoreAttachFailed, Location: location, Err: err}
	}
	main, err := root.NewChild(engine.Policy{Queue: engine.PrivateQueue, Merge: o.merge, Name: "main"})
	if err != nil {
		root.Close()
		_ = handle.Close()
		return nil, &OpenError{Code: ErrCodeStoreAttachFailed, Location: location, Err: err}
	}

	c := &Coordinator{
		handle:     handle,
		model:      model,
		root:       root,
		main:       main,
		location:   handle.Location(),
		logger:     o.logger,
		hook:       o.hook,
		metrics:    newMetrics(o.registerer),
		onAsyncErr: o.onAsyncErr,
	}
	if c.onAsyncErr == nil {
		c.onAsyncErr = func(err error) {
			c.logger.Error("background store save failed", "location", c.location, "error", err)
		}
	}
	c.state.Store(int32(StateOpen))

	c.logger.Info("document opened",
		"location", c.location,
		"volatile", c.location == "",
		"entities", len(model.Entities),
		"merge", o.merge.String(),
	)
	return c, nil
}

// OpenResult is delivered by OpenInBackground.
type OpenResult struct {
	Coordinator *Coordinator
	Err         error
}

// OpenInBackground runs Open on its own goroutine. The channel receives
// exactly one result and is then closed.
func OpenInBackground(ctx context.Context, storeLocation, schemaLocation string, opts ...Option) <-chan OpenResult {
	ch := make(chan OpenResult, 1)
	go func() {
		defer close(ch)
		c, err := Open(ctx, storeLocation, schemaLocation, opts...)
		ch <- OpenResult{Coordinator: c, Err: err}
	}()
	return ch
}

// SaveAndWait pushes the main context's edits into the store context and
// then saves the store context to the store.
//
// The main save is always waited for; when it fails the store is never
// asked to persist anything. The store save is waited for only when wait is
// true; otherwise it is queued and failures go to the async save error
// handler. hadChanges reports whether the store context had anything to
// persist. A store failure leaves the main context's saved state intact, so
// a later call retries it.
func (c *Coordinator) SaveAndWait(ctx context.Context, wait bool) (hadChanges bool, err error) {
	if c.State() != StateOpen {
		return false, fmt.Errorf("save document: %w", engine.ErrContextClosed)
	}

	start := time.Now()
	saved, err := engine.Call(ctx, c.main, func(tx *engine.Tx) (bool, error) {
		if !tx.HasChanges() {
			return false, nil
		}
		return tx.Save()
	})
	c.metrics.observe(levelMain, saved, err, start)
	if err != nil {
		return false, err
	}

	dirty, err := engine.Call(ctx, c.root, func(tx *engine.Tx) (bool, error) {
		return tx.HasChanges(), nil
	})
	if err != nil {
		return false, err
	}
	if !dirty {
		c.logger.Debug("nothing to save", "location", c.location)
		return false, nil
	}

	if wait {
		start = time.Now()
		saved, err := engine.Call(ctx, c.root, func(tx *engine.Tx) (bool, error) {
			return tx.Save()
		})
		c.metrics.observe(levelStore, saved, err, start)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	err = c.root.Schedule(ctx, engine.NonBlocking, func(tx *engine.Tx) error {
		start := time.Now()
		saved, err := tx.Save()
		c.metrics.observe(levelStore, saved, err, start)
		if err != nil {
			c.onAsyncErr(err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveWithExtendedOperation runs a waited SaveAndWait inside the lifecycle
// hook's extended operation.
func (c *Coordinator) SaveWithExtendedOperation(ctx context.Context) (bool, error) {
	tok := c.hook.BeginExtendedOperation("nestdoc.save")
	defer c.hook.EndExtendedOperation(tok)
	return c.SaveAndWait(ctx, true)
}

// NewScopedChildContext returns a child of the main context for isolated,
// discardable edits. Saving it makes the edits visible to the main context;
// dropping it discards them.
func (c *Coordinator) NewScopedChildContext(policy engine.Policy) (*engine.ObjectContext, error) {
	if c.State() != StateOpen {
		return nil, engine.ErrContextClosed
	}
	return c.main.NewChild(policy)
}

// MainContext returns the context callers edit in.
func (c *Coordinator) MainContext() *engine.ObjectContext { return c.main }

// Model returns the document's model.
func (c *Coordinator) Model() *schema.Model { return c.model }

// Location returns the resolved store location, empty for volatile stores.
func (c *Coordinator) Location() string { return c.location }

// State returns the lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Close stops both contexts, lets store saves already queued finish and
// closes the store handle. Unsaved edits are discarded. Close is
// idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		var errs []error
		if err := c.main.CloseAndWait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close main context: %w", err))
		}
		if err := c.root.CloseAndWait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close store context: %w", err))
		}
		if err := c.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("document closed", "location", c.location)
	})
	return c.closeErr
}
