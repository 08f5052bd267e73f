package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

// WorkerPortsEnv names the variable holding the static port range assigned
// to this test worker by the outer CI orchestrator
const WorkerPortsEnv = "WORKER_FREE_PORTS"

// ErrPoolExhausted is returned when no candidate port is both unleased and bindable
var ErrPoolExhausted = errors.New("no free ports in pool")

// Lease is an exclusive claim on one port
type Lease struct {
	Port     int
	Holder   string
	LeasedAt time.Time
}

// ProbeFunc reports whether a port can be bound right now
type ProbeFunc func(port int) bool

// Pool is the set of ports shared by every cluster of one worker process.
// Ports leave the free set only through an Arbiter and come back only on
// explicit release.
type Pool struct {
	mu     sync.Mutex
	all    []int
	leased map[int]string
	probe  ProbeFunc
}

// NewPool creates a pool over the given candidate ports, scanned in order
func NewPool(candidates []int) *Pool {
	all := make([]int, 0, len(candidates))
	seen := make(map[int]bool, len(candidates))
	for _, p := range candidates {
		if seen[p] {
			continue
		}
		seen[p] = true
		all = append(all, p)
	}

	return &Pool{
		all:    all,
		leased: make(map[int]string),
		probe:  IsPortFree,
	}
}

// ParseWorkerPorts parses a whitespace separated list of ports
func ParseWorkerPorts(raw string) ([]int, error) {
	fields := strings.Fields(raw)
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", f, err)
		}
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("port %d out of range", p)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// WithProbe replaces the liveness probe used before leasing a port
func (p *Pool) WithProbe(probe ProbeFunc) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = probe
	return p
}

// All returns every candidate port in scan order
func (p *Pool) All() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.all...)
}

// Free returns the candidates not currently leased, in scan order
func (p *Pool) Free() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := make([]int, 0, len(p.all))
	for _, port := range p.all {
		if _, ok := p.leased[port]; !ok {
			free = append(free, port)
		}
	}
	return free
}

// Holder returns who holds the given port, if anyone
func (p *Pool) Holder(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.leased[port]
	return h, ok
}

// NewArbiter returns a per-cluster view of the pool
func (p *Pool) NewArbiter(holder string) *Arbiter {
	return &Arbiter{pool: p, holder: holder}
}

func (p *Pool) take(holder string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.all {
		if _, ok := p.leased[port]; ok {
			continue
		}
		// A port reserved for this worker may still be held by a process
		// left over from a previous failed run.
		if !p.probe(port) {
			continue
		}
		p.leased[port] = holder
		metrics.PortsLeased.Inc()
		return port, nil
	}

	return 0, fmt.Errorf("%w: candidates %v", ErrPoolExhausted, p.all)
}

func (p *Pool) give(holder string, ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range ports {
		if h, ok := p.leased[port]; ok && h == holder {
			delete(p.leased, port)
			metrics.PortsLeased.Dec()
		}
	}
}

// Arbiter hands out ports from a shared pool on behalf of one holder
type Arbiter struct {
	pool   *Pool
	holder string

	mu     sync.Mutex
	leases []Lease
}

// Acquire leases the first candidate that is unleased and bindable
func (a *Arbiter) Acquire() (int, error) {
	port, err := a.pool.take(a.holder)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.leases = append(a.leases, Lease{Port: port, Holder: a.holder, LeasedAt: time.Now()})
	a.mu.Unlock()

	return port, nil
}

// ReleaseAll returns every port leased by this arbiter to the pool.
// Safe to call when nothing is leased.
func (a *Arbiter) ReleaseAll() {
	a.mu.Lock()
	ports := make([]int, 0, len(a.leases))
	for _, l := range a.leases {
		ports = append(ports, l.Port)
	}
	a.leases = nil
	a.mu.Unlock()

	if len(ports) > 0 {
		a.pool.give(a.holder, ports)
	}
}

// Leased returns a snapshot of the current leases
func (a *Arbiter) Leased() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Lease(nil), a.leases...)
}

// Holder returns the name this arbiter leases under
func (a *Arbiter) Holder() string {
	return a.holder
}

// IsPortFree reports whether a TCP listener can bind the port on all interfaces
func IsPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
