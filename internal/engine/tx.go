package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// Tx is the handle an op uses to read and write its context's graph.
//
// A Tx is only valid while its op runs and only on the op's goroutine.
// Every method returns ErrTxDone once the op has returned. Records passed
// in and out are value copies.
type Tx struct {
	st   *contextState
	ctx  context.Context
	done bool
}

// Context returns the op's context. Pass it to Schedule calls made from
// inside the op so same-queue schedules run inline.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// ContextName returns the name of the context the op runs on.
func (tx *Tx) ContextName() string {
	return tx.st.name
}

// Model returns the model of the context tree.
func (tx *Tx) Model() *schema.Model {
	return tx.st.env.model
}

// Evaluator returns the predicate evaluator of the context tree.
func (tx *Tx) Evaluator() queryir.Evaluator {
	return tx.st.env.evaluator
}

func (tx *Tx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// Insert creates a record with a fresh temporary identifier.
//
// Declared defaults fill missing attributes, strings are NFC-normalized and
// null values are dropped. Entities declaring a syncIdentifier attribute get
// a random UUID when the caller does not supply one.
func (tx *Tx) Insert(kind string, attrs ir.IRObject) (ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return ir.EntityRecord{}, err
	}
	st := tx.st
	entity, ok := st.env.model.Entity(kind)
	if !ok {
		return ir.EntityRecord{}, fmt.Errorf("insert: unknown entity %q", kind)
	}

	values := ir.IRObject{}
	for k, v := range attrs {
		if _, isNull := v.(ir.IRNull); isNull || v == nil {
			continue
		}
		values[k] = v
	}
	values = ir.Normalize(values).(ir.IRObject)
	values = entity.ApplyDefaults(values)
	if entity.HasSyncIdentifier() {
		if _, ok := values[schema.SyncIdentifierAttribute]; !ok {
			values[schema.SyncIdentifierAttribute] = ir.IRString(uuid.NewString())
		}
	}

	rec := ir.EntityRecord{
		ID:         ir.NewTemporaryIdentifier(st.env.tokens.Generate()),
		Kind:       kind,
		Attributes: values,
	}
	st.setPending(rec.ID.Key(), &pendingChange{op: ir.OpInsert, rec: rec})
	return rec.Clone(), nil
}

// Update sets attributes on an existing record. An IRNull value removes the
// attribute.
func (tx *Tx) Update(id ir.EntityIdentifier, attrs ir.IRObject) (ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return ir.EntityRecord{}, err
	}
	cur, err := tx.Get(id)
	if err != nil {
		return ir.EntityRecord{}, err
	}

	next := cur.Clone()
	for _, k := range attrs.SortedKeys() {
		v := attrs[k]
		if _, isNull := v.(ir.IRNull); isNull || v == nil {
			delete(next.Attributes, k)
			continue
		}
		next.Attributes[k] = ir.Normalize(v)
	}
	tx.st.recordUpdate(cur, next)
	return next.Clone(), nil
}

// SetRelationship replaces the targets of a relationship and keeps the
// inverse relationship, if declared, consistent on the targets.
func (tx *Tx) SetRelationship(id ir.EntityIdentifier, name string, targets ...ir.EntityIdentifier) (ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return ir.EntityRecord{}, err
	}
	st := tx.st
	cur, err := tx.Get(id)
	if err != nil {
		return ir.EntityRecord{}, err
	}
	entity, ok := st.env.model.Entity(cur.Kind)
	if !ok {
		return ir.EntityRecord{}, fmt.Errorf("set relationship: unknown entity %q", cur.Kind)
	}
	rel, ok := entity.Relationships[name]
	if !ok {
		return ir.EntityRecord{}, fmt.Errorf("set relationship: %s has no relationship %q", cur.Kind, name)
	}

	resolved := make([]ir.EntityIdentifier, 0, len(targets))
	for _, t := range targets {
		t = st.resolveID(t)
		if !slices.ContainsFunc(resolved, func(x ir.EntityIdentifier) bool { return x.Key() == t.Key() }) {
			resolved = append(resolved, t)
		}
	}

	old := cur.Related(name)
	next, err := tx.setTargets(cur, name, resolved)
	if err != nil {
		return ir.EntityRecord{}, err
	}

	if rel.Inverse != "" {
		for _, t := range old {
			if !containsID(resolved, t) {
				if err := tx.unlink(t, rel.Inverse, cur.ID); err != nil {
					return ir.EntityRecord{}, err
				}
			}
		}
		for _, t := range resolved {
			if !containsID(old, t) {
				if err := tx.link(t, rel.Inverse, cur.ID); err != nil {
					return ir.EntityRecord{}, err
				}
			}
		}
	}
	return next, nil
}

// setTargets writes a relationship without touching inverses.
func (tx *Tx) setTargets(cur ir.EntityRecord, name string, targets []ir.EntityIdentifier) (ir.EntityRecord, error) {
	next := cur.Clone()
	if next.Relationships == nil {
		next.Relationships = map[string][]ir.EntityIdentifier{}
	}
	if len(targets) == 0 {
		delete(next.Relationships, name)
	} else {
		next.Relationships[name] = slices.Clone(targets)
	}
	tx.st.recordUpdate(cur, next)
	return next.Clone(), nil
}

// link adds source to target's inverse relationship. A to-one inverse that
// pointed elsewhere is repointed and the previous holder loses target.
func (tx *Tx) link(target ir.EntityIdentifier, inverse string, source ir.EntityIdentifier) error {
	rec, err := tx.Get(target)
	if err != nil {
		return fmt.Errorf("link %s.%s: %w", target, inverse, err)
	}
	rel := tx.relationship(rec.Kind, inverse)
	if rel == nil {
		return nil
	}
	cur := rec.Related(inverse)
	if containsID(cur, source) {
		return nil
	}
	if rel.ToMany {
		_, err = tx.setTargets(rec, inverse, append(slices.Clone(cur), source))
		return err
	}
	if _, err := tx.setTargets(rec, inverse, []ir.EntityIdentifier{source}); err != nil {
		return err
	}
	if rel.Inverse == "" {
		return nil
	}
	for _, prev := range cur {
		if prev.Key() != source.Key() {
			if err := tx.unlink(prev, rel.Inverse, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// unlink removes source from target's inverse relationship.
func (tx *Tx) unlink(target ir.EntityIdentifier, inverse string, source ir.EntityIdentifier) error {
	rec, err := tx.Get(target)
	if errors.Is(err, ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unlink %s.%s: %w", target, inverse, err)
	}
	cur := rec.Related(inverse)
	if !containsID(cur, source) {
		return nil
	}
	kept := slices.DeleteFunc(slices.Clone(cur), func(x ir.EntityIdentifier) bool {
		return x.Key() == source.Key()
	})
	_, err = tx.setTargets(rec, inverse, kept)
	return err
}

func (tx *Tx) relationship(kind, name string) *schema.Relationship {
	entity, ok := tx.st.env.model.Entity(kind)
	if !ok {
		return nil
	}
	return entity.Relationships[name]
}

// Delete removes a record and applies each relationship's delete rule:
// cascade deletes the targets, nullify removes the record from the targets'
// inverse, deny is checked when the context saves.
func (tx *Tx) Delete(id ir.EntityIdentifier) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.delete(id, map[string]bool{})
}

func (tx *Tx) delete(id ir.EntityIdentifier, visited map[string]bool) error {
	st := tx.st
	cur, err := tx.Get(id)
	if err != nil {
		return err
	}
	key := cur.ID.Key()
	if visited[key] {
		return nil
	}
	visited[key] = true

	if entity, ok := st.env.model.Entity(cur.Kind); ok {
		for _, name := range entity.RelationshipNames() {
			rel := entity.Relationships[name]
			for _, target := range cur.Related(name) {
				switch rel.DeleteRule {
				case schema.DeleteCascade:
					if err := tx.delete(target, visited); err != nil && !errors.Is(err, ErrEntityNotFound) {
						return fmt.Errorf("cascade %s.%s: %w", cur.Kind, name, err)
					}
				case schema.DeleteNullify:
					if rel.Inverse != "" && !visited[st.resolveID(target).Key()] {
						if err := tx.unlink(target, rel.Inverse, cur.ID); err != nil {
							return err
						}
					}
				}
			}
		}
	}

	// Re-read: nullify may have rewritten this record through a symmetric
	// inverse.
	if p, ok := st.pending[key]; ok && p.op != ir.OpDelete {
		cur = p.rec
	}
	if p, ok := st.pending[key]; ok && p.op == ir.OpInsert {
		delete(st.pending, key)
		return nil
	}
	var base *ir.EntityRecord
	if reg, ok := st.registered[key]; ok {
		base = &reg
	}
	st.setPending(key, &pendingChange{op: ir.OpDelete, rec: cur.Clone(), base: base})
	return nil
}

// Get returns the context's view of a record, faulting it in from the
// parent (or the store, at the root) on first access.
func (tx *Tx) Get(id ir.EntityIdentifier) (ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return ir.EntityRecord{}, err
	}
	st := tx.st
	id = st.resolveID(id)
	key := id.Key()

	if pc, ok := st.pending[key]; ok {
		if pc.op == ir.OpDelete {
			return ir.EntityRecord{}, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
		}
		return pc.rec.Clone(), nil
	}
	if rec, ok := st.registered[key]; ok {
		return rec.Clone(), nil
	}

	rec, err := tx.fetch(id)
	if err != nil {
		return ir.EntityRecord{}, err
	}
	st.registered[rec.ID.Key()] = rec.Clone()
	return rec, nil
}

// fetch reads a record from the level above without caching it.
func (tx *Tx) fetch(id ir.EntityIdentifier) (ir.EntityRecord, error) {
	st := tx.st
	if st.root {
		if id.IsTemporary() {
			return ir.EntityRecord{}, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
		}
		rec, err := st.env.handle.Resolve(tx.ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ir.EntityRecord{}, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
		}
		if err != nil {
			return ir.EntityRecord{}, queryir.BackingFailure(err, "resolve %s", id)
		}
		return rec, nil
	}

	parent := st.parent.Value()
	if parent == nil {
		return ir.EntityRecord{}, fmt.Errorf("fault %s from parent: %w", id, ErrContextClosed)
	}
	return Call(tx.ctx, parent, func(ptx *Tx) (ir.EntityRecord, error) {
		return ptx.Get(id)
	})
}

// Registered returns the record if the context already holds it, without
// faulting it in.
func (tx *Tx) Registered(id ir.EntityIdentifier) (ir.EntityRecord, bool) {
	if tx.check() != nil {
		return ir.EntityRecord{}, false
	}
	st := tx.st
	key := st.resolveID(id).Key()
	if pc, ok := st.pending[key]; ok {
		if pc.op == ir.OpDelete {
			return ir.EntityRecord{}, false
		}
		return pc.rec.Clone(), true
	}
	rec, ok := st.registered[key]
	if !ok {
		return ir.EntityRecord{}, false
	}
	return rec.Clone(), true
}

// Refresh discards the cached image of a record and faults it in again.
// A pending change to the record is kept and returned.
func (tx *Tx) Refresh(id ir.EntityIdentifier) (ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return ir.EntityRecord{}, err
	}
	key := tx.st.resolveID(id).Key()
	delete(tx.st.registered, key)
	return tx.Get(id)
}

// PermanentIdentifier returns the permanent identifier a temporary one was
// committed as. Permanent identifiers are returned unchanged. The second
// result is false while the record has not reached the store.
func (tx *Tx) PermanentIdentifier(id ir.EntityIdentifier) (ir.EntityIdentifier, bool) {
	if tx.check() != nil {
		return ir.EntityIdentifier{}, false
	}
	id = tx.st.resolveID(id)
	return id, !id.IsTemporary()
}

// HasChanges reports whether the context has unsaved changes.
func (tx *Tx) HasChanges() bool {
	if tx.check() != nil {
		return false
	}
	return len(tx.st.pending) > 0
}

// PendingChanges returns the number of unsaved changes.
func (tx *Tx) PendingChanges() int {
	if tx.check() != nil {
		return 0
	}
	return len(tx.st.pending)
}

// Rollback discards every unsaved change.
func (tx *Tx) Rollback() error {
	if err := tx.check(); err != nil {
		return err
	}
	st := tx.st
	for key, pc := range st.pending {
		if pc.op == ir.OpUpdate || pc.op == ir.OpDelete {
			delete(st.registered, key)
		}
	}
	st.clearPending()
	return nil
}

// Candidates returns the records of kind visible to this context: the level
// above's records overlaid with local pending changes.
//
// pushdown is a superset filter the level above may apply. It is dropped
// when this context has pending changes of kind, since a local edit can make
// a record match that the level above would filter out.
func (tx *Tx) Candidates(kind string, pushdown []queryir.Equals) ([]ir.EntityRecord, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	st := tx.st
	filter := pushdown
	for _, pc := range st.pending {
		if pc.rec.Kind == kind {
			filter = nil
			break
		}
	}

	above, err := tx.fetchCandidates(kind, filter)
	if err != nil {
		return nil, err
	}

	out := make([]ir.EntityRecord, 0, len(above))
	seen := make(map[string]bool, len(above))
	for _, rec := range above {
		key := rec.ID.Key()
		if to, ok := st.aliases[key]; ok {
			rec.ID = to
			key = to.Key()
		}
		seen[key] = true
		if pc, ok := st.pending[key]; ok {
			if pc.op != ir.OpDelete {
				out = append(out, pc.rec.Clone())
			}
			continue
		}
		st.registered[key] = rec.Clone()
		out = append(out, rec)
	}

	for _, key := range st.order {
		pc, ok := st.pending[key]
		if !ok || seen[key] || pc.op == ir.OpDelete || pc.rec.Kind != kind {
			continue
		}
		seen[key] = true
		out = append(out, pc.rec.Clone())
	}
	return out, nil
}

func (tx *Tx) fetchCandidates(kind string, filter []queryir.Equals) ([]ir.EntityRecord, error) {
	st := tx.st
	if st.root {
		req := queryir.Request{Kind: kind}
		if len(filter) > 0 {
			preds := make([]queryir.Predicate, len(filter))
			for i, eq := range filter {
				preds[i] = eq
			}
			req.Predicate = queryir.And{Predicates: preds}
		}
		recs, err := st.env.handle.Query(tx.ctx, req)
		if err != nil {
			return nil, queryir.BackingFailure(err, "query %s", kind)
		}
		return recs, nil
	}

	parent := st.parent.Value()
	if parent == nil {
		return nil, fmt.Errorf("query %s from parent: %w", kind, ErrContextClosed)
	}
	return Call(tx.ctx, parent, func(ptx *Tx) ([]ir.EntityRecord, error) {
		return ptx.Candidates(kind, filter)
	})
}

// Save pushes the context's pending changes one level up: into the parent
// for a child context, into the store for the root.
//
// It reports whether there was anything to save. A validation failure
// leaves the context unchanged. A store failure at the root keeps the
// pending changes.
func (tx *Tx) Save() (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	st := tx.st
	st.drain()
	if len(st.pending) == 0 {
		return false, nil
	}

	cs := st.changeset()
	if vs := st.validate(cs); len(vs) > 0 {
		return false, &SaveError{Code: ErrCodeValidationFailed, Context: st.name, Violations: vs}
	}

	if st.root {
		return true, tx.commit(cs)
	}

	parent := st.parent.Value()
	if parent == nil || !parent.st.post(staged{from: st.name, policy: st.policy.Merge, changes: cs.Changes}) {
		return false, fmt.Errorf("save %s: parent: %w", st.name, ErrContextClosed)
	}

	for key, pc := range st.pending {
		if pc.op == ir.OpDelete {
			delete(st.registered, key)
			continue
		}
		st.registered[key] = pc.rec
	}
	st.clearPending()

	st.logger.Debug("context saved",
		"context", st.name,
		"parent", parent.st.name,
		"changes", cs.Len(),
	)
	return true, nil
}

// commit runs the root save against the store handle.
func (tx *Tx) commit(cs ir.Changeset) error {
	st := tx.st
	res, err := st.env.handle.Commit(tx.ctx, cs, st.policy.Merge)
	if err != nil {
		st.logger.Warn("commit failed", "context", st.name, "changes", cs.Len(), "error", err)
		return &SaveError{Code: ErrCodeCommitFailed, Context: st.name, Err: err}
	}

	st.clearPending()
	for _, id := range res.Deleted {
		delete(st.registered, id.Key())
	}
	for _, id := range res.Dropped {
		delete(st.registered, id.Key())
	}
	if len(res.Remap) > 0 {
		st.applyRemap(res.Remap)
		st.broadcastRemap(res.Remap)
	}
	for _, rec := range res.Stored {
		st.registered[rec.ID.Key()] = rec.Clone()
	}

	st.logger.Info("committed changes",
		"context", st.name,
		"location", st.env.handle.Location(),
		"stored", len(res.Stored),
		"deleted", len(res.Deleted),
		"dropped", len(res.Dropped),
		"minted", len(res.Remap),
	)
	return nil
}

// validate checks a changeset against the model and the context's graph.
func (st *contextState) validate(cs ir.Changeset) []schema.Violation {
	var out []schema.Violation
	for _, c := range cs.Changes {
		out = append(out, st.env.model.ValidateChange(c)...)
		if c.Op == ir.OpDelete {
			continue
		}
		entity, ok := st.env.model.Entity(c.Record.Kind)
		if !ok {
			continue
		}
		for _, name := range c.Record.RelationshipNames() {
			rel, ok := entity.Relationships[name]
			if !ok {
				continue
			}
			for _, target := range c.Record.Relationships[name] {
				if v, bad := st.checkTarget(c.Record, rel, target); bad {
					out = append(out, v)
				}
			}
		}
	}
	return out
}

func (st *contextState) checkTarget(rec ir.EntityRecord, rel *schema.Relationship, target ir.EntityIdentifier) (schema.Violation, bool) {
	v := schema.Violation{ID: rec.ID, Kind: rec.Kind, Field: rel.Name}
	key := target.Key()

	kind := ""
	if pc, ok := st.pending[key]; ok {
		if pc.op == ir.OpDelete {
			v.Code = schema.ViolationDanglingReference
			v.Message = fmt.Sprintf("target %s is deleted", target)
			return v, true
		}
		kind = pc.rec.Kind
	} else if reg, ok := st.registered[key]; ok {
		kind = reg.Kind
	} else if target.IsTemporary() {
		v.Code = schema.ViolationDanglingReference
		v.Message = fmt.Sprintf("target %s names an unsaved record", target)
		return v, true
	} else if k, _, err := ir.ParsePermanentIdentifier(target.Token); err == nil {
		kind = k
	}

	if kind != "" && kind != rel.Destination {
		v.Code = schema.ViolationTypeMismatch
		v.Message = fmt.Sprintf("target %s is a %s, want %s", target, kind, rel.Destination)
		return v, true
	}
	return schema.Violation{}, false
}

// recordUpdate stores next as the pending image of cur.
func (st *contextState) recordUpdate(cur, next ir.EntityRecord) {
	key := cur.ID.Key()
	changed := merge.ChangedProperties(cur, next)
	if pc, ok := st.pending[key]; ok {
		pc.rec = next
		if pc.op == ir.OpUpdate {
			pc.changed = merge.Union(pc.changed, changed)
		}
		return
	}
	if len(changed) == 0 {
		return
	}
	base := cur.Clone()
	st.setPending(key, &pendingChange{op: ir.OpUpdate, rec: next, base: &base, changed: changed})
}

func containsID(ids []ir.EntityIdentifier, id ir.EntityIdentifier) bool {
	return slices.ContainsFunc(ids, func(x ir.EntityIdentifier) bool {
		return x.Key() == id.Key()
	})
}
