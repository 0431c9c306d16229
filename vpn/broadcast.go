package vpn

import "sync"

// broadcaster fans state transitions out to subscribers. Each subscriber has
// its own unbounded queue so a slow reader never stalls the manager loop.
type broadcaster struct {
	mu     sync.Mutex
	last   TunnelState
	subs   map[*subscriber]struct{}
	closed bool
}

func newBroadcaster(initial TunnelState) *broadcaster {
	return &broadcaster{last: initial, subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	mu       sync.Mutex
	queue    []TunnelState
	draining bool
	signal chan struct{}
	out    chan TunnelState
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) push(state TunnelState) {
	s.mu.Lock()
	s.queue = append(s.queue, state)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// drain closes the output once everything queued has been delivered.
func (s *subscriber) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// subscribe returns a channel that first yields the current state and then
// every transition. The cancel func releases the subscription.
func (b *broadcaster) subscribe() (<-chan TunnelState, func()) {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan TunnelState),
		done:   make(chan struct{}),
	}
	go s.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stop()
		return s.out, func() {}
	}
	s.push(b.last)
	b.subs[s] = struct{}{}

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *broadcaster) publish(state TunnelState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = state
	for s := range b.subs {
		s.push(state)
	}
}

func (b *broadcaster) current() TunnelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// close ends every subscription once its queue has been drained.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.drain()
		delete(b.subs, s)
	}
}
