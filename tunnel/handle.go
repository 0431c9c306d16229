package tunnel

import (
	"sync"

	"github.com/yllada/vpnd/vpn"
)

// handle implements vpn.TunnelHandle for every backend. Only the backend's
// supervising goroutine emits events and finishes the handle.
type handle struct {
	events chan vpn.TunnelEvent
	done   chan struct{}

	stop     chan struct{}
	kill     chan struct{}
	stopOnce sync.Once
	killOnce sync.Once

	terminated bool
	cleanup    []func()
}

func newHandle(cleanup []func()) *handle {
	return &handle{
		// Up plus one terminal event.
		events:  make(chan vpn.TunnelEvent, 2),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		kill:    make(chan struct{}),
		cleanup: cleanup,
	}
}

func (h *handle) Events() <-chan vpn.TunnelEvent { return h.events }
func (h *handle) Done() <-chan struct{}          { return h.done }

func (h *handle) Close() { h.stopOnce.Do(func() { close(h.stop) }) }
func (h *handle) Kill()  { h.killOnce.Do(func() { close(h.kill) }) }

func (h *handle) closing() bool {
	select {
	case <-h.stop:
		return true
	case <-h.kill:
		return true
	default:
		return false
	}
}

func (h *handle) emit(ev vpn.TunnelEvent) {
	if h.terminated {
		return
	}
	if ev.Kind != vpn.EventUp {
		h.terminated = true
	}
	h.events <- ev
}

// finish reports an unrequested exit as Down, releases the backend's
// resources in reverse order and marks the handle done.
func (h *handle) finish(cause error) {
	if !h.closing() {
		h.emit(vpn.TunnelEvent{Kind: vpn.EventDown, Err: cause})
	}
	close(h.events)
	for i := len(h.cleanup) - 1; i >= 0; i-- {
		h.cleanup[i]()
	}
	close(h.done)
}
