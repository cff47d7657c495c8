package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
)

// MemoryOpener opens volatile backings. Every Open starts empty and the
// location is ignored.
type MemoryOpener struct{}

// Open implements Opener.
func (MemoryOpener) Open(_ context.Context, _ *schema.Model, _ string, _ MigrationOptions) (Handle, error) {
	return NewMemory(), nil
}

type memoryRow struct {
	rec ir.EntityRecord
	seq int64
}

// Memory is a volatile backing.
type Memory struct {
	mu      sync.Mutex
	rows    map[string]memoryRow
	nextSeq int64
	closed  bool
}

// NewMemory returns an empty volatile backing.
func NewMemory() *Memory {
	return &Memory{rows: map[string]memoryRow{}, nextSeq: 1}
}

var _ Handle = (*Memory)(nil)

// memoryTx stages a commit against a copy of the rows.
type memoryTx struct {
	rows    map[string]memoryRow
	nextSeq int64
}

func (t *memoryTx) reserve(n int) (int64, error) {
	first := t.nextSeq
	t.nextSeq += int64(n)
	return first, nil
}

func (t *memoryTx) load(token string) (ir.EntityRecord, bool, error) {
	row, ok := t.rows[token]
	if !ok {
		return ir.EntityRecord{}, false, nil
	}
	return row.rec.Clone(), true, nil
}

func (t *memoryTx) put(rec ir.EntityRecord, seq int64) error {
	t.rows[rec.ID.Token] = memoryRow{rec: rec.Clone(), seq: seq}
	return nil
}

func (t *memoryTx) remove(token string) error {
	delete(t.rows, token)
	return nil
}

// Commit implements Handle. Rows are swapped in only when every change
// applied.
func (m *Memory) Commit(_ context.Context, cs ir.Changeset, policy merge.Policy) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	tx := &memoryTx{rows: maps.Clone(m.rows), nextSeq: m.nextSeq}
	result, err := applyChangeset(tx, cs, policy)
	if err != nil {
		return nil, err
	}
	m.rows, m.nextSeq = tx.rows, tx.nextSeq
	return result, nil
}

// Resolve implements Handle.
func (m *Memory) Resolve(_ context.Context, id ir.EntityIdentifier) (ir.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ir.EntityRecord{}, ErrClosed
	}
	if id.IsTemporary() {
		return ir.EntityRecord{}, ErrNotFound
	}
	row, ok := m.rows[id.Token]
	if !ok {
		return ir.EntityRecord{}, ErrNotFound
	}
	return row.rec.Clone(), nil
}

// Query implements Handle.
func (m *Memory) Query(_ context.Context, req queryir.Request) ([]ir.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	filter := queryir.Pushdown(req.Predicate)
	rows := make([]memoryRow, 0)
	for _, row := range m.rows {
		if row.rec.Kind == req.Kind && queryir.MatchPushdown(row.rec, filter) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b memoryRow) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]ir.EntityRecord, len(rows))
	for i, row := range rows {
		out[i] = row.rec.Clone()
	}
	return finishQuery(out, req), nil
}

// Location implements Handle.
func (m *Memory) Location() string { return "" }

// Close implements Handle.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// finishQuery applies the optional sort and limit of a request.
func finishQuery(recs []ir.EntityRecord, req queryir.Request) []ir.EntityRecord {
	queryir.SortRecords(recs, req.Sort)
	if req.Limit > 0 && len(recs) > req.Limit {
		recs = recs[:req.Limit]
	}
	return recs
}
