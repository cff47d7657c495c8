// Package store provides the backings a document's root context commits to.
//
// Two backings implement Opener:
//   - MemoryOpener: volatile, used when no store location is given
//   - SQLiteOpener: durable, one SQLite file per store
//
// # Identity
//
// Inserted records arrive with temporary identifiers. Commit mints a
// permanent identifier "<kind>/p<seq>" for each, rewrites every relationship
// in the changeset that named the temporary one, and returns the mapping.
// Sequences come from one per-store counter and are never reused.
//
// # Versions and merging
//
// Every stored record carries a version that Commit increments. An update
// whose record version differs from the stored one was made against an
// older image; the committing context's merge policy decides the result
// (see package merge).
//
// # Deterministic reads
//
//   - Query returns rows in insertion order: ORDER BY seq ASC, token ASC
//   - Attribute payloads are RFC 8785 canonical JSON
//
// # SQLite configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - The parent directory must already exist; Open never creates it
//
// The backing file is watched with fsnotify. Once it is removed or replaced,
// every Commit fails with ErrDetached rather than writing to an unlinked
// inode.
package store
