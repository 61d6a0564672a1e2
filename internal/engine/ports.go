package engine

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out free local TCP ports from a window and remembers
// which environment holds each one, so no two environments share a port.
type PortAllocator struct {
	mu       sync.Mutex
	basePort int
	span     int
	offset   int
	owners   map[int]string
	probe    func(port int) bool
}

// NewPortAllocator searches ports in [basePort, basePort+span).
func NewPortAllocator(basePort, span int) *PortAllocator {
	if span <= 0 {
		span = 1000
	}
	return &PortAllocator{
		basePort: basePort,
		span:     span,
		owners:   make(map[int]string),
		probe:    portFree,
	}
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Allocate reserves a free port for owner.
func (a *PortAllocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.span; i++ {
		port := a.basePort + (a.offset+i)%a.span
		if _, taken := a.owners[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.owners[port] = owner
		a.offset = (a.offset + i + 1) % a.span
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in %d-%d", a.basePort, a.basePort+a.span-1)
}

// Release frees port if owner holds it.
func (a *PortAllocator) Release(owner string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owners[port] != owner {
		return fmt.Errorf("port %d is not allocated to %s", port, owner)
	}
	delete(a.owners, port)
	return nil
}

// InUse returns the number of reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}
