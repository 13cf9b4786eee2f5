package tailstream

import "sync"

type (
	// signal wakes every waiter when something is appended. Waiters grab the
	// channel before reading so that an append racing with the read is never
	// missed
	signal struct {
		ch chan struct{}
		mu sync.Mutex
	}

	// hub tracks the live feeds of a store so that closing the store can
	// drop them
	hub struct {
		active map[*feed]struct{}
		mu     sync.Mutex
		closed bool
	}
)

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

func newHub() *hub {
	return &hub{active: map[*feed]struct{}{}}
}

// start registers and runs a feed, unless the hub was already closed
func (h *hub) start(f *feed) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrStoreClosed
	}
	h.active[f] = struct{}{}
	f.exit = h.remove
	go f.run()
	return nil
}

func (h *hub) remove(f *feed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, f)
}

// close fails every active feed with ErrStoreClosed and waits for them to
// report the drop
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := make([]*feed, 0, len(h.active))
	for f := range h.active {
		feeds = append(feeds, f)
	}
	h.mu.Unlock()

	for _, f := range feeds {
		f.fail(ErrStoreClosed)
	}
	for _, f := range feeds {
		<-f.done
	}
}
