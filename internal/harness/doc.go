// Package harness runs document scenarios: scripted edits, saves, fetches
// and resolves across a coordinator's contexts, recorded as a trace and
// checked by assertions.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scoped_edit
//	description: "An editor context saves through main into the store"
//	schema: model.cue
//	durable: true
//	contexts:
//	  - name: editor
//	    parent: main
//	    merge: storeTrump
//	steps:
//	  - op: insert
//	    context: editor
//	    ref: dave
//	    kind: Person
//	    attributes: { firstName: Dave, lastName: Smith }
//	  - op: save
//	    context: editor
//	  - op: save_and_wait
//	    wait: true
//	  - op: fetch
//	    kind: Person
//	    where: 'lastName == "Smith"'
//	    expect: { count: 1 }
//	assertions:
//	  - type: trace_order
//	    steps: ["save@editor", "save_and_wait"]
//	  - type: final_state
//	    kind: Person
//	    where: { firstName: Dave }
//	    expect: { id: Person/p1 }
//
// # Operations
//
//   - insert, update, relate, delete: edit a record in a context
//   - get: read a record through a context
//   - fetch: run a query in a context (where, sort, limit)
//   - save, rollback, close: act on a context's pending changes or lifetime
//   - save_and_wait: the coordinator's two-phase save
//   - resolve: carry a record from one context into another
//   - reopen: close the document and open it again (durable only)
//
// A step's expect clause names an error code (VALIDATION_FAILED,
// COMMIT_FAILED, ENTITY_NOT_FOUND, UNRESOLVABLE_TEMPORARY_IDENTIFIER,
// CONTEXT_CLOSED) and for fetch a record count.
//
// # Assertion Types
//
//   - trace_contains: a step with the given op, context and outcome ran
//   - trace_order: steps ran in the given order ("op" or "op@context")
//   - trace_count: an op ran exactly N times
//   - final_state: exactly one stored record matches and has the values
//   - state_count: the store holds exactly N records of a kind
//
// # Deterministic Testing
//
// Temporary identifiers come from a sequence generator and each scenario
// opens a fresh store, so permanent identifiers are minted from 1 in
// insertion order. Traces are identical across runs and are compared
// against golden files.
package harness
