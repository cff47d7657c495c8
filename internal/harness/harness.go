package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nestdoc/internal/document"
	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/query"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/resolver"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// Harness is the test execution engine.
// It owns one document and the contexts a scenario declares.
type Harness struct {
	scenario *Scenario
	location string
	logger   *slog.Logger
	tokens   engine.TokenGenerator

	doc      *document.Coordinator
	handle   store.Handle
	contexts map[string]*engine.ObjectContext
	refs     map[string]ir.EntityIdentifier
}

// Option configures Run.
type Option func(*Harness)

// WithLogger receives the document's logs. Run discards them by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh store: a memory store, or a SQLite
// file in a temporary directory when the scenario is durable.
//
// Execution flow:
// 1. Open the document and create the declared contexts
// 2. Execute steps, checking each expect clause
// 3. Evaluate assertions against the trace and the stored state
// 4. Close the document
//
// A step the document rejects is recorded with its error code; Run returns
// an error only for a malformed step or a document that cannot be opened.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tokens:   engine.NewSequenceGenerator("h"),
		refs:     map[string]ir.EntityIdentifier{},
	}
	for _, opt := range opts {
		opt(h)
	}

	if scenario.Durable {
		dir, err := os.MkdirTemp("", "nestdoc-scenario-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		defer os.RemoveAll(dir)
		h.location = filepath.Join(dir, "scenario.db")
	}

	if err := h.open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer func() { _ = h.close(ctx) }()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		result.record(ev)
		checkExpect(result, step, ev)

		h.logger.Debug("scenario step completed",
			"scenario", scenario.Name,
			"step", ev.Step,
			"label", ev.Label(),
			"outcome", ev.Outcome,
		)
	}

	actx := &AssertionContext{
		Store: h.handle,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// open attaches the document and builds the declared context tree.
func (h *Harness) open(ctx context.Context) error {
	var inner store.Opener = store.MemoryOpener{}
	if h.scenario.Durable {
		inner = store.SQLiteOpener{Logger: h.logger}
	}
	opener := store.OpenerFunc(func(ctx context.Context, m *schema.Model, location string, mo store.MigrationOptions) (store.Handle, error) {
		handle, err := inner.Open(ctx, m, location, mo)
		if err == nil {
			h.handle = handle
		}
		return handle, err
	})

	doc, err := document.Open(ctx, h.location, h.scenario.Schema,
		document.WithStoreOpener(opener),
		document.WithTokenGenerator(h.tokens),
		document.WithLogger(h.logger),
		document.WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		return err
	}
	h.doc = doc
	h.contexts = map[string]*engine.ObjectContext{MainContext: doc.MainContext()}

	for _, spec := range h.scenario.Contexts {
		policy, err := spec.policy()
		if err != nil {
			return err
		}
		var child *engine.ObjectContext
		if spec.Parent == "" || spec.Parent == MainContext {
			child, err = doc.NewScopedChildContext(policy)
		} else {
			child, err = h.contexts[spec.Parent].NewChild(policy)
		}
		if err != nil {
			return fmt.Errorf("create context %s: %w", spec.Name, err)
		}
		h.contexts[spec.Name] = child
	}
	return nil
}

// close drops the declared contexts and closes the document.
func (h *Harness) close(ctx context.Context) error {
	for name, oc := range h.contexts {
		if name != MainContext {
			oc.Close()
		}
	}
	h.contexts = nil
	if h.doc == nil {
		return nil
	}
	err := h.doc.Close(ctx)
	h.doc = nil
	return err
}

// stepFailure marks an error the document returned, as opposed to a
// malformed step.
type stepFailure struct{ err error }

func (f stepFailure) Error() string { return f.err.Error() }
func (f stepFailure) Unwrap() error { return f.err }

func failed(err error) error {
	if err == nil {
		return nil
	}
	return stepFailure{err: err}
}

// execute runs one step. Document errors become the event's outcome.
func (h *Harness) execute(ctx context.Context, index int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: index + 1, Op: step.Op, Ref: step.Ref, Kind: step.Kind, Outcome: OutcomeOK}
	name := step.Context
	if name == "" {
		name = MainContext
	}
	if step.Op != OpSaveAndWait && step.Op != OpReopen {
		ev.Context = name
	}
	oc := h.contexts[name]

	var err error
	switch step.Op {
	case OpInsert:
		err = h.insert(ctx, oc, step, &ev)
	case OpUpdate:
		err = h.update(ctx, oc, step)
	case OpRelate:
		err = h.relate(ctx, oc, step)
	case OpDelete:
		err = h.withRef(step.Ref, func(id ir.EntityIdentifier) error {
			return failed(oc.Perform(ctx, func(tx *engine.Tx) error { return tx.Delete(id) }))
		})
	case OpGet:
		err = h.get(ctx, oc, step, &ev)
	case OpFetch:
		err = h.fetch(ctx, oc, step, &ev)
	case OpSave:
		var had bool
		had, err = engine.Call(ctx, oc, func(tx *engine.Tx) (bool, error) { return tx.Save() })
		ev.HadChanges = &had
		err = failed(err)
	case OpRollback:
		err = failed(oc.Perform(ctx, func(tx *engine.Tx) error { return tx.Rollback() }))
	case OpClose:
		err = failed(oc.CloseAndWait(ctx))
	case OpSaveAndWait:
		err = h.saveAndWait(ctx, step, &ev)
	case OpResolve:
		err = h.resolve(ctx, oc, step, &ev)
	case OpReopen:
		err = h.reopen(ctx)
	default:
		return ev, fmt.Errorf("unknown op %q", step.Op)
	}

	if err != nil {
		var sf stepFailure
		if !errors.As(err, &sf) {
			return ev, err
		}
		ev.Outcome = outcomeCode(sf.err)
	}
	return ev, nil
}

func (h *Harness) insert(ctx context.Context, oc *engine.ObjectContext, step Step, ev *TraceEvent) error {
	attrs, err := convertFields(step.Attributes)
	if err != nil {
		return err
	}
	rec, err := engine.Call(ctx, oc, func(tx *engine.Tx) (ir.EntityRecord, error) {
		return tx.Insert(step.Kind, attrs)
	})
	if err != nil {
		return failed(err)
	}
	if step.Ref != "" {
		h.refs[step.Ref] = rec.ID
	}
	ev.IDs = []string{rec.ID.String()}
	return nil
}

func (h *Harness) update(ctx context.Context, oc *engine.ObjectContext, step Step) error {
	attrs, err := convertFields(step.Attributes)
	if err != nil {
		return err
	}
	return h.withRef(step.Ref, func(id ir.EntityIdentifier) error {
		return failed(oc.Perform(ctx, func(tx *engine.Tx) error {
			_, err := tx.Update(id, attrs)
			return err
		}))
	})
}

func (h *Harness) relate(ctx context.Context, oc *engine.ObjectContext, step Step) error {
	targets := make([]ir.EntityIdentifier, 0, len(step.Targets))
	for _, label := range step.Targets {
		id, err := h.lookup(label)
		if err != nil {
			return err
		}
		targets = append(targets, id)
	}
	return h.withRef(step.Ref, func(id ir.EntityIdentifier) error {
		return failed(oc.Perform(ctx, func(tx *engine.Tx) error {
			_, err := tx.SetRelationship(id, step.Relationship, targets...)
			return err
		}))
	})
}

func (h *Harness) get(ctx context.Context, oc *engine.ObjectContext, step Step, ev *TraceEvent) error {
	return h.withRef(step.Ref, func(id ir.EntityIdentifier) error {
		rec, err := engine.Call(ctx, oc, func(tx *engine.Tx) (ir.EntityRecord, error) {
			return tx.Get(id)
		})
		if err != nil {
			return failed(err)
		}
		ev.Kind = rec.Kind
		ev.IDs = []string{rec.ID.String()}
		return nil
	})
}

func (h *Harness) fetch(ctx context.Context, oc *engine.ObjectContext, step Step, ev *TraceEvent) error {
	keys, err := queryir.ParseSortKeys(step.Sort)
	if err != nil {
		return err
	}
	req := queryir.Request{Kind: step.Kind, Sort: keys, Limit: step.Limit}
	if step.Where != "" {
		req.Predicate = queryir.Expr{Source: step.Where}
	}

	recs, err := query.FindIn(ctx, oc, req)
	if err != nil {
		return failed(err)
	}
	n := len(recs)
	ev.Count = &n
	ev.IDs = make([]string, n)
	for i, rec := range recs {
		ev.IDs[i] = rec.ID.String()
	}
	return nil
}

func (h *Harness) resolve(ctx context.Context, from *engine.ObjectContext, step Step, ev *TraceEvent) error {
	into := h.contexts[step.Into]
	return h.withRef(step.Ref, func(id ir.EntityIdentifier) error {
		rec, err := engine.Call(ctx, from, func(tx *engine.Tx) (ir.EntityRecord, error) {
			return tx.Get(id)
		})
		if err != nil {
			return failed(err)
		}
		out, err := resolver.Resolve(ctx, rec, from, into)
		if err != nil {
			return failed(err)
		}
		ev.Kind = out.Kind
		ev.IDs = []string{out.ID.String()}
		return nil
	})
}

// saveAndWait runs the coordinator's save. A blocking save records the
// permanent identifier of every ref the store now knows.
func (h *Harness) saveAndWait(ctx context.Context, step Step, ev *TraceEvent) error {
	had, err := h.doc.SaveAndWait(ctx, step.Wait)
	ev.HadChanges = &had
	if err != nil {
		return failed(err)
	}
	if !step.Wait {
		return nil
	}
	pinned, err := h.permanentRefs(ctx)
	if err != nil {
		return failed(err)
	}
	names := make([]string, 0, len(pinned))
	for ref := range pinned {
		names = append(names, ref)
	}
	slices.Sort(names)
	for _, ref := range names {
		ev.IDs = append(ev.IDs, ref+"="+pinned[ref].String())
	}
	return nil
}

// reopen closes the document and attaches the same store again. Refs that
// reached the store keep working through their permanent identifiers.
func (h *Harness) reopen(ctx context.Context) error {
	pinned, err := h.permanentRefs(ctx)
	if err != nil {
		return failed(err)
	}
	for ref, id := range pinned {
		h.refs[ref] = id
	}
	if err := h.close(ctx); err != nil {
		return failed(err)
	}
	return h.open(ctx)
}

// permanentRefs maps each ref whose record reached the store to its
// permanent identifier, as the main context knows it.
func (h *Harness) permanentRefs(ctx context.Context) (map[string]ir.EntityIdentifier, error) {
	return engine.Call(ctx, h.contexts[MainContext], func(tx *engine.Tx) (map[string]ir.EntityIdentifier, error) {
		out := map[string]ir.EntityIdentifier{}
		for ref, id := range h.refs {
			if perm, ok := tx.PermanentIdentifier(id); ok {
				out[ref] = perm
			}
		}
		return out, nil
	})
}

func (h *Harness) withRef(ref string, fn func(ir.EntityIdentifier) error) error {
	id, err := h.lookup(ref)
	if err != nil {
		return err
	}
	return fn(id)
}

// lookup resolves a ref bound by an earlier insert, or parses a permanent
// identifier.
func (h *Harness) lookup(label string) (ir.EntityIdentifier, error) {
	if id, ok := h.refs[label]; ok {
		return id, nil
	}
	id, err := ir.ParseIdentifier(label)
	if err != nil || id.IsTemporary() {
		return ir.EntityIdentifier{}, fmt.Errorf("unknown ref %q", label)
	}
	return id, nil
}

// Outcome codes for document errors outside the save and query taxonomies.
const (
	OutcomeUnresolvable = "UNRESOLVABLE_TEMPORARY_IDENTIFIER"
	OutcomeNotFound     = "ENTITY_NOT_FOUND"
	OutcomeClosed       = "CONTEXT_CLOSED"
	OutcomeError        = "ERROR"
)

// outcomeCode names the error category a step failed with.
func outcomeCode(err error) string {
	var (
		saveErr *engine.SaveError
		qErr    *queryir.QueryError
	)
	switch {
	case errors.As(err, &saveErr):
		return string(saveErr.Code)
	case errors.As(err, &qErr):
		return string(qErr.Code)
	case errors.Is(err, engine.ErrUnresolvableTemporaryIdentifier):
		return OutcomeUnresolvable
	case errors.Is(err, engine.ErrEntityNotFound):
		return OutcomeNotFound
	case errors.Is(err, engine.ErrContextClosed):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}

// checkExpect compares a step's event with its expect clause.
func checkExpect(result *Result, step Step, ev TraceEvent) {
	want := OutcomeOK
	if step.Expect != nil && step.Expect.Error != "" {
		want = step.Expect.Error
	}
	if ev.Outcome != want {
		result.AddError(fmt.Sprintf("step %d (%s): expected outcome %s, got %s", ev.Step, ev.Label(), want, ev.Outcome))
		return
	}
	if step.Expect == nil {
		return
	}

	if want := step.Expect.Count; want != nil {
		if ev.Count == nil || *ev.Count != *want {
			got := "none"
			if ev.Count != nil {
				got = fmt.Sprint(*ev.Count)
			}
			result.AddError(fmt.Sprintf("step %d (%s): expected %d record(s), got %s", ev.Step, ev.Label(), *want, got))
		}
	}

	if want := step.Expect.Permanent; want != nil {
		if len(ev.IDs) == 0 {
			result.AddError(fmt.Sprintf("step %d (%s): expected an identifier, got none", ev.Step, ev.Label()))
			return
		}
		id, err := ir.ParseIdentifier(ev.IDs[0])
		if err != nil || id.IsTemporary() == *want {
			result.AddError(fmt.Sprintf("step %d (%s): identifier %s permanent=%t, expected %t",
				ev.Step, ev.Label(), ev.IDs[0], err == nil && !id.IsTemporary(), *want))
		}
	}
}

// convertFields converts YAML-parsed values to an ir.IRObject.
// YAML integers stay integers; fractional numbers and nulls are rejected.
func convertFields(fields map[string]any) (ir.IRObject, error) {
	result := make(ir.IRObject, len(fields))
	for key, val := range fields {
		if val == nil {
			return nil, fmt.Errorf("field %q: null is not a value", key)
		}
		irVal, err := ir.FromNative(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		result[key] = irVal
	}
	return result, nil
}
