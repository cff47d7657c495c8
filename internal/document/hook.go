package document

import "sync/atomic"

// Token identifies one extended operation between Begin and End.
type Token uint64

// LifecycleHook lets the host keep the process alive while a durable save
// runs. The coordinator brackets SaveWithExtendedOperation with it and does
// not depend on what the hook does.
type LifecycleHook interface {
	BeginExtendedOperation(name string) Token
	EndExtendedOperation(Token)
}

type noopHook struct{}

func (noopHook) BeginExtendedOperation(string) Token { return 0 }
func (noopHook) EndExtendedOperation(Token) {}

// CountingHook is a LifecycleHook that only counts open operations.
type CountingHook struct {
	next   atomic.Uint64
	active atomic.Int64
}

// BeginExtendedOperation implements LifecycleHook.
func (h *CountingHook) BeginExtendedOperation(string) Token {
	h.active.Add(1)
	return Token(h.next.Add(1))
}

// EndExtendedOperation implements LifecycleHook.
func (h *CountingHook) EndExtendedOperation(Token) {
	h.active.Add(-1)
}

// Active returns the number of operations begun and not yet ended.
func (h *CountingHook) Active() int64 {
	return h.active.Load()
}

// Begun returns the number of operations ever begun.
func (h *CountingHook) Begun() uint64 {
	return h.next.Load()
}
