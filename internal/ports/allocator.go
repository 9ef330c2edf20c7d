// ABOUTME: Mutex-guarded port table handing out TCP ports from a configured range
// ABOUTME: A port has at most one owner; the OS is probed before a port is handed out

package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrNoFreePort is returned when every port in the range is held or bound.
	ErrNoFreePort = errors.New("no free port in range")

	// ErrPortInUse is returned when a specific port is held by another owner
	// or already bound by some other process.
	ErrPortInUse = errors.New("port in use")
)

// Allocator is the single writer of the port table.
type Allocator struct {
	mu      sync.Mutex
	host    string
	min     int
	max     int
	next    int
	owners  map[int]string
	byOwner map[string]int

	// probe reports whether port can be bound right now.
	probe func(host string, port int) bool
}

// New creates an allocator for ports in [min, max] on host. An empty host
// probes 127.0.0.1.
func New(host string, min, max int) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &Allocator{
		host:    host,
		min:     min,
		max:     max,
		next:    min,
		owners:  make(map[int]string),
		byOwner: make(map[string]int),
		probe:   canBind,
	}, nil
}

// Reserve assigns a port to owner. A preferred port > 0 is reserved exactly
// or fails with ErrPortInUse; otherwise the range is scanned round-robin.
// Reserving for an owner that already holds a port returns that port.
func (a *Allocator) Reserve(owner string, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byOwner[owner]; ok {
		if preferred <= 0 || preferred == port {
			return port, nil
		}
		return 0, fmt.Errorf("%s already holds port %d: %w", owner, port, ErrPortInUse)
	}

	if preferred > 0 {
		if holder, ok := a.owners[preferred]; ok {
			return 0, fmt.Errorf("port %d held by %s: %w", preferred, holder, ErrPortInUse)
		}
		if !a.probe(a.host, preferred) {
			return 0, fmt.Errorf("port %d bound by another process: %w", preferred, ErrPortInUse)
		}
		a.assign(owner, preferred)
		return preferred, nil
	}

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, held := a.owners[port]; held {
			continue
		}
		if !a.probe(a.host, port) {
			continue
		}
		a.assign(owner, port)
		return port, nil
	}
	return 0, fmt.Errorf("%d-%d: %w", a.min, a.max, ErrNoFreePort)
}

func (a *Allocator) assign(owner string, port int) {
	a.owners[port] = owner
	a.byOwner[owner] = port
}

// Release frees the port held by owner. Releasing an owner without a port
// is a no-op.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byOwner[owner]; ok {
		delete(a.byOwner, owner)
		delete(a.owners, port)
	}
}

// Port returns the port held by owner.
func (a *Allocator) Port(owner string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byOwner[owner]
	return port, ok
}

// Owner returns the owner of port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[port]
	return owner, ok
}

// Held returns a copy of the owner to port table.
func (a *Allocator) Held() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byOwner))
	for k, v := range a.byOwner {
		out[k] = v
	}
	return out
}

func canBind(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
