package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// Mode selects whether Schedule waits for the op.
type Mode int

const (
	// Blocking waits for the op and returns its error.
	Blocking Mode = iota
	// NonBlocking enqueues the op and returns immediately. Errors are logged.
	NonBlocking
)

// String returns the mode name.
func (m Mode) String() string {
	if m == NonBlocking {
		return "nonBlocking"
	}
	return "blocking"
}

// env is shared by every context of one tree.
type env struct {
	model     *schema.Model
	handle    store.Handle
	logger    *slog.Logger
	tokens    TokenGenerator
	evaluator queryir.Evaluator
	clock     *Clock
}

// ObjectContext is an isolated, serially accessed view of an object graph.
//
// Every read and write of the graph runs as an op on the context's serial
// queue. The root context is backed by a store handle; every other context
// is backed by its parent, into which it saves.
//
// The handle is the only strong reference to the context. Parents track
// children weakly; when a handle is collected its queue is closed and its
// unsaved changes are discarded.
type ObjectContext struct {
	st *contextState
}

// contextState is the shared state behind a handle. Fields below the
// queue-confined marker are only touched by ops running on the context's
// queue.
type contextState struct {
	id        string
	name      string
	env       *env
	policy    Policy
	root      bool
	queue     *serialQueue
	ownsQueue bool
	parent    weak.Pointer[ObjectContext]
	logger    *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	childMu  sync.Mutex
	children map[string]weak.Pointer[ObjectContext]

	inboxMu sync.Mutex
	inbox   []staged

	// queue-confined
	registered map[string]ir.EntityRecord
	pending    map[string]*pendingChange
	order      []string
	aliases    map[string]ir.EntityIdentifier
}

// pendingChange is one unsaved mutation keyed by identifier.
type pendingChange struct {
	op      ir.ChangeOp
	rec     ir.EntityRecord
	base    *ir.EntityRecord
	changed []string
}

// staged is work a context receives from outside its queue: a child's saved
// changeset, or an identifier remap from a commit above.
type staged struct {
	from    string
	policy  merge.Policy
	changes []ir.Change
	remap   map[string]ir.EntityIdentifier
}

// NewRoot creates the root context of a tree over an open store handle.
//
// The root owns no store lifecycle: closing the context leaves the handle
// open.
func NewRoot(handle store.Handle, model *schema.Model, opts ...Option) (*ObjectContext, error) {
	if handle == nil {
		return nil, errors.New("new root context: nil store handle")
	}
	if model == nil {
		return nil, errors.New("new root context: nil model")
	}

	cfg := rootConfig{
		name:   "root",
		merge:  merge.Default,
		logger: slog.Default(),
		tokens: UUIDv7Generator{},
		clock:  NewClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.evaluator == nil {
		cfg.evaluator = queryir.NewExprEvaluator()
	}

	e := &env{
		model:     model,
		handle:    handle,
		logger:    cfg.logger,
		tokens:    cfg.tokens,
		evaluator: cfg.evaluator,
		clock:     cfg.clock,
	}
	st := newState(e, Policy{Queue: PrivateQueue, Merge: cfg.merge, Name: cfg.name})
	st.root = true
	st.queue = newSerialQueue()
	st.ownsQueue = true

	e.logger.Debug("context created", "context", st.name, "id", st.id, "root", true)
	return newHandle(st), nil
}

func newState(e *env, policy Policy) *contextState {
	id := fmt.Sprintf("ctx-%d", e.clock.Next())
	name := policy.Name
	if name == "" {
		name = id
	}
	return &contextState{
		id:         id,
		name:       name,
		env:        e,
		policy:     policy,
		logger:     e.logger,
		children:   map[string]weak.Pointer[ObjectContext]{},
		registered: map[string]ir.EntityRecord{},
		pending:    map[string]*pendingChange{},
		aliases:    map[string]ir.EntityIdentifier{},
	}
}

func newHandle(st *contextState) *ObjectContext {
	oc := &ObjectContext{st: st}
	runtime.AddCleanup(oc, func(st *contextState) {
		st.close()
	}, st)
	return oc
}

// NewChild creates a context whose parent is oc.
//
// The child starts with an empty graph and faults records in from oc on
// demand. Saving the child pushes its changes into oc, merged with
// policy.Merge. Returns ErrContextClosed if oc is closed.
func (oc *ObjectContext) NewChild(policy Policy) (*ObjectContext, error) {
	defer runtime.KeepAlive(oc)

	parent := oc.st
	if parent.closed.Load() {
		return nil, ErrContextClosed
	}

	st := newState(parent.env, policy)
	st.parent = weak.Make(oc)
	if policy.Queue == ParentQueue {
		st.queue = parent.queue
	} else {
		st.queue = newSerialQueue()
		st.ownsQueue = true
	}

	child := newHandle(st)
	parent.addChild(st.id, weak.Make(child))

	st.logger.Debug("context created",
		"context", st.name,
		"id", st.id,
		"parent", parent.name,
		"queue", policy.Queue.String(),
		"merge", policy.Merge.String(),
	)
	return child, nil
}

// Schedule runs fn as an op on the context's serial queue.
//
// Ops run in FIFO order for both modes. A Blocking schedule from an op
// already running on the same queue runs fn inline instead of deadlocking;
// pass tx.Context() to get this behaviour.
//
// ctx only bounds the caller's wait. If it is cancelled, Schedule returns
// ctx.Err() but the op still runs, with a context that is never cancelled.
func (oc *ObjectContext) Schedule(ctx context.Context, mode Mode, fn func(*Tx) error) error {
	defer runtime.KeepAlive(oc)

	if ctx == nil {
		ctx = context.Background()
	}
	st := oc.st
	if st.closed.Load() {
		return ErrContextClosed
	}

	if mode == Blocking && onQueue(ctx, st.queue) {
		return st.runOp(ctx, fn)
	}

	t := task{ctx: ctx, st: st, fn: fn}
	if mode == Blocking {
		t.done = make(chan error, 1)
	}
	if !st.queue.enqueue(t) {
		return ErrContextClosed
	}
	if mode == NonBlocking {
		return nil
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Perform is Schedule with Blocking.
func (oc *ObjectContext) Perform(ctx context.Context, fn func(*Tx) error) error {
	return oc.Schedule(ctx, Blocking, fn)
}

// Call runs fn as a blocking op and returns its result.
func Call[T any](ctx context.Context, oc *ObjectContext, fn func(*Tx) (T, error)) (T, error) {
	var out T
	err := oc.Schedule(ctx, Blocking, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Close stops the context from accepting ops and detaches it from its
// parent. Ops already queued still run. Unsaved changes are discarded.
// Close is idempotent.
func (oc *ObjectContext) Close() {
	oc.st.close()
}

// CloseAndWait closes the context and waits until the ops queued before
// Close have run. Contexts sharing a parent's queue return immediately after
// closing. Must not be called from an op on the same queue.
func (oc *ObjectContext) CloseAndWait(ctx context.Context) error {
	st := oc.st
	st.close()
	if !st.ownsQueue {
		return nil
	}
	select {
	case <-st.queue.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the context's unique identifier.
func (oc *ObjectContext) ID() string { return oc.st.id }

// Name returns the context's name, or its ID when unnamed.
func (oc *ObjectContext) Name() string { return oc.st.name }

// IsRoot reports whether the context saves directly to the store.
func (oc *ObjectContext) IsRoot() bool { return oc.st.root }

// Policy returns the policy the context was created with.
func (oc *ObjectContext) Policy() Policy { return oc.st.policy }

// Model returns the model shared by the context tree.
func (oc *ObjectContext) Model() *schema.Model { return oc.st.env.model }

// Evaluator returns the predicate evaluator shared by the context tree.
func (oc *ObjectContext) Evaluator() queryir.Evaluator { return oc.st.env.evaluator }

// Closed reports whether Close has been called or the handle was collected.
func (oc *ObjectContext) Closed() bool { return oc.st.closed.Load() }

// Parent returns the parent context, or nil for the root or when the parent
// has been collected.
func (oc *ObjectContext) Parent() *ObjectContext {
	if oc.st.root {
		return nil
	}
	return oc.st.parent.Value()
}

// LiveChildren returns the number of children whose handles are still
// reachable and open.
func (oc *ObjectContext) LiveChildren() int {
	return len(oc.st.liveChildren())
}

func (st *contextState) close() {
	st.closeOnce.Do(func() {
		st.closed.Store(true)
		if st.ownsQueue {
			st.queue.close()
		}
		if p := st.parent.Value(); p != nil {
			p.st.removeChild(st.id)
		}
		st.logger.Debug("context closed", "context", st.name, "id", st.id)
	})
}

func (st *contextState) addChild(id string, w weak.Pointer[ObjectContext]) {
	st.childMu.Lock()
	defer st.childMu.Unlock()
	st.children[id] = w
}

func (st *contextState) removeChild(id string) {
	st.childMu.Lock()
	defer st.childMu.Unlock()
	delete(st.children, id)
}

// liveChildren returns the states of reachable, open children and prunes
// collected entries.
func (st *contextState) liveChildren() []*contextState {
	st.childMu.Lock()
	defer st.childMu.Unlock()

	out := make([]*contextState, 0, len(st.children))
	for id, w := range st.children {
		child := w.Value()
		if child == nil || child.st.closed.Load() {
			delete(st.children, id)
			continue
		}
		out = append(out, child.st)
	}
	return out
}

// post hands staged work to the context. It is absorbed at the start of the
// context's next op. Returns false if the context is closed.
func (st *contextState) post(s staged) bool {
	if st.closed.Load() {
		return false
	}
	st.inboxMu.Lock()
	defer st.inboxMu.Unlock()
	st.inbox = append(st.inbox, s)
	return true
}

func (st *contextState) takeInbox() []staged {
	st.inboxMu.Lock()
	defer st.inboxMu.Unlock()
	out := st.inbox
	st.inbox = nil
	return out
}

// runOp executes fn against the state. The caller must be on st's queue.
func (st *contextState) runOp(ctx context.Context, fn func(*Tx) error) (err error) {
	tx := &Tx{st: st, ctx: ctx}
	defer func() {
		tx.done = true
		if r := recover(); r != nil {
			st.logger.Error("operation panicked", "context", st.name, "panic", r)
			err = fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		}
	}()

	st.drain()
	return fn(tx)
}

// drain absorbs staged work in arrival order.
func (st *contextState) drain() {
	for _, s := range st.takeInbox() {
		if s.remap != nil {
			st.applyRemap(s.remap)
		}
		for _, c := range s.changes {
			st.absorb(c, s.policy)
		}
		if len(s.changes) > 0 {
			st.logger.Debug("absorbed child changes",
				"context", st.name,
				"from", s.from,
				"changes", len(s.changes),
			)
		}
	}
}

// applyRemap rewrites temporary identifiers that a commit made permanent.
func (st *contextState) applyRemap(remap map[string]ir.EntityIdentifier) {
	for k, id := range remap {
		st.aliases[k] = id
	}

	registered := make(map[string]ir.EntityRecord, len(st.registered))
	for _, rec := range st.registered {
		rec.RemapIdentifiers(remap)
		registered[rec.ID.Key()] = rec
	}
	st.registered = registered

	pending := make(map[string]*pendingChange, len(st.pending))
	for _, pc := range st.pending {
		pc.rec.RemapIdentifiers(remap)
		if pc.base != nil {
			pc.base.RemapIdentifiers(remap)
		}
		pending[pc.rec.ID.Key()] = pc
	}
	st.pending = pending
	for i, key := range st.order {
		if id, ok := remap[key]; ok {
			st.order[i] = id.Key()
		}
	}
}

// broadcastRemap posts a remap to every live descendant. Parents are posted
// before their children, so a child's changes staged after it learned the
// remap always reach its parent's inbox after the remap.
func (st *contextState) broadcastRemap(remap map[string]ir.EntityIdentifier) {
	for _, child := range st.liveChildren() {
		child.post(staged{from: st.name, remap: remap})
		child.broadcastRemap(remap)
	}
}

// resolveID maps an identifier through known remaps.
func (st *contextState) resolveID(id ir.EntityIdentifier) ir.EntityIdentifier {
	if to, ok := st.aliases[id.Key()]; ok {
		return to
	}
	return id
}

// setPending records a pending change, keeping first-touch order.
func (st *contextState) setPending(key string, pc *pendingChange) {
	if _, ok := st.pending[key]; !ok {
		st.order = append(st.order, key)
	}
	st.pending[key] = pc
}

// changeset renders the pending set in first-touch order as value copies.
func (st *contextState) changeset() ir.Changeset {
	cs := ir.Changeset{Changes: make([]ir.Change, 0, len(st.pending))}
	seen := make(map[string]bool, len(st.pending))
	for _, key := range st.order {
		pc, ok := st.pending[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		c := ir.Change{
			Op:      pc.op,
			Record:  pc.rec.Clone(),
			Changed: append([]string(nil), pc.changed...),
		}
		if pc.base != nil {
			b := pc.base.Clone()
			c.Base = &b
		}
		cs.Changes = append(cs.Changes, c)
	}
	return cs
}

func (st *contextState) clearPending() {
	st.pending = map[string]*pendingChange{}
	st.order = nil
}

// absorb merges one change saved by a child into the pending set.
func (st *contextState) absorb(c ir.Change, policy merge.Policy) {
	c.Record.RemapIdentifiers(st.aliases)
	if c.Base != nil {
		c.Base.RemapIdentifiers(st.aliases)
	}
	key := c.Record.ID.Key()
	cur, hasPending := st.pending[key]

	switch c.Op {
	case ir.OpInsert:
		st.setPending(key, &pendingChange{op: ir.OpInsert, rec: c.Record})

	case ir.OpDelete:
		if hasPending && cur.op == ir.OpInsert {
			delete(st.pending, key)
			return
		}
		var base *ir.EntityRecord
		if reg, ok := st.registered[key]; ok {
			base = &reg
		}
		st.setPending(key, &pendingChange{op: ir.OpDelete, rec: c.Record, base: base})

	case ir.OpUpdate:
		st.absorbUpdate(key, c, policy, cur)
	}
}

func (st *contextState) absorbUpdate(key string, c ir.Change, policy merge.Policy, cur *pendingChange) {
	if cur != nil && cur.op == ir.OpDelete {
		merged, keep := merge.Record(policy, c.Base, c.Record, nil, c.Changed)
		if !keep {
			st.logger.Debug("dropped update of deleted record", "context", st.name, "id", key, "policy", policy.String())
			return
		}
		st.setPending(key, &pendingChange{op: ir.OpUpdate, rec: merged, base: cur.base, changed: merge.Union(nil, c.Changed)})
		return
	}

	var theirs *ir.EntityRecord
	switch {
	case cur != nil:
		theirs = &cur.rec
	default:
		if reg, ok := st.registered[key]; ok {
			theirs = &reg
		}
	}

	if theirs == nil {
		// Nothing known locally: pass the change through for the level above
		// to merge.
		st.setPending(key, &pendingChange{op: ir.OpUpdate, rec: c.Record, base: c.Base, changed: c.Changed})
		return
	}

	merged, keep := merge.Record(policy, c.Base, c.Record, theirs, c.Changed)
	if !keep {
		st.logger.Debug("dropped conflicting update", "context", st.name, "id", key, "policy", policy.String())
		return
	}

	if cur != nil {
		cur.changed = merge.Union(cur.changed, merge.ChangedProperties(cur.rec, merged))
		cur.rec = merged
		return
	}
	base := theirs.Clone()
	changed := merge.ChangedProperties(base, merged)
	if len(changed) == 0 {
		return
	}
	st.setPending(key, &pendingChange{
		op:      ir.OpUpdate,
		rec:     merged,
		base:    &base,
		changed: changed,
	})
}
