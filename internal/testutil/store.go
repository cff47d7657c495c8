package testutil

import (
	"context"
	"sync"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
)

// CountingStore wraps a store handle, counts commits and can inject
// failures or hold commits until released.
//
// Thread-safety: all methods are safe for concurrent use.
type CountingStore struct {
	store.Handle

	mu        sync.Mutex
	commits   int
	changes   int
	failNext  error
	readErr   error
	gate      chan struct{}
	committed chan struct{}
}

// NewCountingStore wraps h. A nil h wraps a fresh memory store.
func NewCountingStore(h store.Handle) *CountingStore {
	if h == nil {
		h = store.NewMemory()
	}
	return &CountingStore{Handle: h, committed: make(chan struct{}, 64)}
}

// Commit counts the call, applies any injected failure or hold, then
// delegates.
func (s *CountingStore) Commit(ctx context.Context, cs ir.Changeset, policy merge.Policy) (*store.CommitResult, error) {
	s.mu.Lock()
	s.commits++
	s.changes += cs.Len()
	err := s.failNext
	s.failNext = nil
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	defer func() {
		select {
		case s.committed <- struct{}{}:
		default:
		}
	}()
	if err != nil {
		return nil, err
	}
	return s.Handle.Commit(ctx, cs, policy)
}

// Resolve delegates unless a read failure is injected.
func (s *CountingStore) Resolve(ctx context.Context, id ir.EntityIdentifier) (ir.EntityRecord, error) {
	if err := s.readFailure(); err != nil {
		return ir.EntityRecord{}, err
	}
	return s.Handle.Resolve(ctx, id)
}

// Query delegates unless a read failure is injected.
func (s *CountingStore) Query(ctx context.Context, req queryir.Request) ([]ir.EntityRecord, error) {
	if err := s.readFailure(); err != nil {
		return nil, err
	}
	return s.Handle.Query(ctx, req)
}

func (s *CountingStore) readFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Commits returns the number of Commit calls, failed ones included.
func (s *CountingStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Changes returns the total number of changes passed to Commit.
func (s *CountingStore) Changes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

// FailNextCommit makes the next Commit return err without touching the
// wrapped store.
func (s *CountingStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// FailReads makes Resolve and Query return err until called with nil.
func (s *CountingStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// HoldCommits blocks every Commit until the returned release is called.
func (s *CountingStore) HoldCommits() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Committed receives once per finished Commit call.
func (s *CountingStore) Committed() <-chan struct{} {
	return s.committed
}

// Opener returns an opener that always yields this store.
func (s *CountingStore) Opener() store.Opener {
	return store.OpenerFunc(func(context.Context, *schema.Model, string, store.MigrationOptions) (store.Handle, error) {
		return s, nil
	})
}
