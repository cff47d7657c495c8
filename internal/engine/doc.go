// Package engine implements execution contexts: isolated, serially accessed
// views of an object graph arranged in a parent/child tree.
//
// ARCHITECTURE:
//
// Serial queues:
// Each context owns a FIFO queue drained by one worker goroutine (or shares
// its parent's queue under ParentQueue). Every read and write of a
// context's graph runs as an op on that queue, so a graph is never touched
// by two goroutines at once and needs no locks of its own.
//
// Save protocol:
// A child's Save validates its pending set, stages it in the parent's inbox
// and moves the changes into its own committed view. The parent absorbs the
// inbox at the start of its next op, merging with the child's merge policy.
// The root's Save commits to the store handle, learns the permanent
// identifiers the store minted and broadcasts that remap down the tree.
//
// Faulting:
// A context starts empty. Get and Candidates fault records in from the
// parent with a blocking op on the parent's queue; the root reads the store.
// Records always cross contexts as value copies.
//
// CRITICAL PATTERNS:
//
// Reentrancy:
// A blocking Schedule from inside an op on the same queue runs inline.
// Pass tx.Context() to nested Schedule calls. Blocking on a context whose
// queue is waiting on yours deadlocks; parents never block on children.
//
// Lifetime:
// *ObjectContext is the only strong reference to a context. Parents hold
// children weakly, and a collected handle closes its queue.
package engine
