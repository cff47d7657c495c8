// Package resolver maps an entity seen in one context to its counterpart in
// another.
//
// Records are never shared between contexts. A resolve schedules a blocking
// read on the destination context's queue and returns a value copy of what
// that context holds for the identifier.
package resolver

import (
	"context"
	"fmt"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
)

// Resolve returns into's record for the entity e was read as in from.
//
// When from and into are the same context, e is returned unchanged as a
// record. A temporary identifier fails with
// engine.ErrUnresolvableTemporaryIdentifier, since it only has meaning along
// the chain that has not persisted it yet. Otherwise the lookup fails with
// engine.ErrEntityNotFound, a BACKING_FAILURE query error, or
// engine.ErrContextClosed.
//
// Called from inside an op, ctx must be that op's tx.Context(). The lookup
// may fault back to the calling context's queue, and only that context lets
// it run inline instead of waiting on the op that is waiting for it.
func Resolve(ctx context.Context, e ir.Entity, from, into *engine.ObjectContext) (ir.EntityRecord, error) {
	if from == into {
		return asRecord(e), nil
	}
	id := e.Identifier()
	if id.IsTemporary() {
		return ir.EntityRecord{}, fmt.Errorf("resolve %s into %s: %w", id, into.Name(), engine.ErrUnresolvableTemporaryIdentifier)
	}
	return engine.Call(ctx, into, func(tx *engine.Tx) (ir.EntityRecord, error) {
		return tx.Get(id)
	})
}

// ResolveAll resolves a batch of entities from one context in a single op
// on into. It stops at the first failure. From inside an op, pass the op's
// tx.Context() as ctx, as for Resolve.
func ResolveAll(ctx context.Context, es []ir.Entity, from, into *engine.ObjectContext) ([]ir.EntityRecord, error) {
	out := make([]ir.EntityRecord, 0, len(es))
	if from == into {
		for _, e := range es {
			out = append(out, asRecord(e))
		}
		return out, nil
	}
	for _, e := range es {
		if id := e.Identifier(); id.IsTemporary() {
			return nil, fmt.Errorf("resolve %s into %s: %w", id, into.Name(), engine.ErrUnresolvableTemporaryIdentifier)
		}
	}
	return engine.Call(ctx, into, func(tx *engine.Tx) ([]ir.EntityRecord, error) {
		for _, e := range es {
			rec, err := tx.Get(e.Identifier())
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	})
}

func asRecord(e ir.Entity) ir.EntityRecord {
	if rec, ok := e.(ir.EntityRecord); ok {
		return rec
	}
	rec := ir.EntityRecord{
		ID:            e.Identifier(),
		Kind:          e.EntityKind(),
		Attributes:    ir.IRObject{},
		Relationships: map[string][]ir.EntityIdentifier{},
	}
	for _, name := range e.AttributeNames() {
		if v, ok := e.Attribute(name); ok {
			rec.Attributes[name] = v
		}
	}
	for _, name := range e.RelationshipNames() {
		rec.Relationships[name] = append([]ir.EntityIdentifier(nil), e.Related(name)...)
	}
	return rec
}
