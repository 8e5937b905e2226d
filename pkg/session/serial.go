package session

import "sync"

// serial runs functions one by one in the order they were added.
// A worker goroutine lives only while there is something to run.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// Do adds fn to the queue, it's ignored after Close.
func (s *serial) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		go s.run()
	}
}

func (s *serial) run() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.queue = nil
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Close drops everything not yet started.
func (s *serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}
