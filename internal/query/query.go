// Package query finds records of one kind as a context sees them.
//
// A find runs as an op on the context: it fetches candidates (the store's
// rows overlaid with every pending change along the context chain), filters
// them with the full predicate, sorts stably and applies the limit. The
// equality conjuncts of the predicate are pushed down to the store as a
// superset filter; the full predicate is always re-applied here.
package query

import (
	"context"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/queryir"
)

// Find runs req inside an op. Results are value copies.
//
// Errors are MALFORMED_PREDICATE for requests that fail validation or
// compilation (including unknown kinds) and BACKING_FAILURE when the store
// cannot answer. A find never degrades to an empty result on failure.
func Find(tx *engine.Tx, req queryir.Request) ([]ir.EntityRecord, error) {
	matches, err := filter(tx, req)
	if err != nil {
		return nil, err
	}
	queryir.SortRecords(matches, req.Sort)
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	return matches, nil
}

// FindIn schedules a blocking find on oc. From inside an op on another
// context, ctx must be that op's tx.Context(): oc may fault records in from
// the calling context, which would otherwise wait on the op forever.
func FindIn(ctx context.Context, oc *engine.ObjectContext, req queryir.Request) ([]ir.EntityRecord, error) {
	return engine.Call(ctx, oc, func(tx *engine.Tx) ([]ir.EntityRecord, error) {
		return Find(tx, req)
	})
}

// Count returns the number of records matching req. Sort and Limit are
// ignored.
func Count(tx *engine.Tx, req queryir.Request) (int, error) {
	req.Sort, req.Limit = nil, 0
	matches, err := filter(tx, req)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// First returns the first record of the sorted result.
func First(tx *engine.Tx, req queryir.Request) (ir.EntityRecord, bool, error) {
	req.Limit = 1
	recs, err := Find(tx, req)
	if err != nil || len(recs) == 0 {
		return ir.EntityRecord{}, false, err
	}
	return recs[0], true, nil
}

func filter(tx *engine.Tx, req queryir.Request) ([]ir.EntityRecord, error) {
	if err := queryir.Validate(req); err != nil {
		return nil, err
	}
	if _, ok := tx.Model().Entity(req.Kind); !ok {
		return nil, queryir.Malformed(nil, "unknown entity %q", req.Kind)
	}

	m, err := tx.Evaluator().Compile(req.Predicate)
	if err != nil {
		return nil, asMalformed(err, "compile %s predicate", req.Kind)
	}

	candidates, err := tx.Candidates(req.Kind, queryir.Pushdown(req.Predicate))
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, rec := range candidates {
		ok, err := m.Match(rec)
		if err != nil {
			return nil, asMalformed(err, "evaluate %s predicate on %s", req.Kind, rec.ID)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// asMalformed keeps evaluator errors that are already classified.
func asMalformed(err error, format string, args ...any) error {
	if queryir.IsMalformedPredicate(err) || queryir.IsBackingFailure(err) {
		return err
	}
	return queryir.Malformed(err, format, args...)
}
