package ports

import "sync"

// LazyPort is a port assigned from an arbiter on first access and cached for
// the life of its owner. It never re-allocates once set.
type LazyPort struct {
	arbiter *Arbiter

	mu   sync.Mutex
	port int
}

// NewLazyPort creates a lazily allocated port bound to an arbiter
func NewLazyPort(a *Arbiter) *LazyPort {
	return &LazyPort{arbiter: a}
}

// Get returns the cached port, acquiring one on first call
func (l *LazyPort) Get() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != 0 {
		return l.port, nil
	}

	port, err := l.arbiter.Acquire()
	if err != nil {
		return 0, err
	}
	l.port = port
	return port, nil
}

// Assigned returns the port if one has been allocated
func (l *LazyPort) Assigned() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port, l.port != 0
}
