package store

import (
	"context"
	"errors"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
)

var (
	// ErrNotFound is returned by Resolve for identifiers the store does not
	// hold. Temporary identifiers are never found.
	ErrNotFound = errors.New("store: entity not found")

	// ErrDetached is returned by Commit once the backing file was removed
	// or replaced after open.
	ErrDetached = errors.New("store: backing file removed or replaced")

	// ErrClosed is returned by every operation on a closed handle.
	ErrClosed = errors.New("store: handle closed")

	// ErrModelMismatch is returned by Open when the stored model differs and
	// migration is disabled or impossible.
	ErrModelMismatch = errors.New("store: model does not match stored model")
)

// MigrationOptions controls what Open does when the stored model differs
// from the one supplied.
type MigrationOptions struct {
	// AutoMigrate allows Open to rewrite stored records to the new model.
	AutoMigrate bool
	// InferMapping allows Open to derive the mapping from the two models.
	// Without an inferred mapping there is nothing to migrate with.
	InferMapping bool
}

// DefaultMigrationOptions enables lightweight inferred migration.
var DefaultMigrationOptions = MigrationOptions{AutoMigrate: true, InferMapping: true}

func (o MigrationOptions) inferred() bool {
	return o.AutoMigrate && o.InferMapping
}

// Opener attaches a backing for a model at a location.
type Opener interface {
	Open(ctx context.Context, model *schema.Model, location string, opts MigrationOptions) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, model *schema.Model, location string, opts MigrationOptions) (Handle, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, model *schema.Model, location string, opts MigrationOptions) (Handle, error) {
	return f(ctx, model, location, opts)
}

// Handle is an attached backing. Only the root context of a document uses
// it, always from that context's queue.
type Handle interface {
	// Commit applies a changeset atomically. Records must already be valid
	// for the model.
	Commit(ctx context.Context, cs ir.Changeset, policy merge.Policy) (*CommitResult, error)

	// Resolve returns the stored record for id or ErrNotFound.
	Resolve(ctx context.Context, id ir.EntityIdentifier) (ir.EntityRecord, error)

	// Query returns records of req.Kind in store order. Only the pushdown
	// part of req.Predicate is applied; callers filter with the full
	// predicate. Sort and Limit are honored when set.
	Query(ctx context.Context, req queryir.Request) ([]ir.EntityRecord, error)

	// Location is the resolved location, empty for volatile backings.
	Location() string

	// Close releases the backing. It is idempotent.
	Close() error
}

// CommitResult describes what a Commit stored.
type CommitResult struct {
	// Remap maps temporary identifier keys to minted permanent identifiers.
	Remap map[string]ir.EntityIdentifier
	// Stored holds the final stored image of every inserted or updated
	// record, in changeset order. Merged records appear as merged.
	Stored []ir.EntityRecord
	// Deleted lists records removed, including cascade-free deletes of
	// records that were already gone.
	Deleted []ir.EntityIdentifier
	// Dropped lists updates the merge policy discarded.
	Dropped []ir.EntityIdentifier
}
