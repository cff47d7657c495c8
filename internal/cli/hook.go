package cli

import (
	"os"
	"os/signal"
	"sync"

	"github.com/roach88/nestdoc/internal/document"
)

// InterruptHook keeps Ctrl-C from killing the process in the middle of a
// durable save. Interrupts received meanwhile are delivered once the last
// save ends.
type InterruptHook struct {
	mu      sync.Mutex
	active  int
	next    document.Token
	pending chan os.Signal
}

// BeginExtendedOperation implements document.LifecycleHook.
func (h *InterruptHook) BeginExtendedOperation(string) document.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == 0 {
		h.pending = make(chan os.Signal, 1)
		signal.Notify(h.pending, os.Interrupt)
	}
	h.active++
	h.next++
	return h.next
}

// EndExtendedOperation implements document.LifecycleHook.
func (h *InterruptHook) EndExtendedOperation(document.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == 0 {
		return
	}
	h.active--
	if h.active > 0 {
		return
	}
	signal.Stop(h.pending)
	select {
	case sig := <-h.pending:
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
	default:
	}
	h.pending = nil
}
