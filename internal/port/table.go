package port

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Table records which service owns which fixed port.
type Table struct {
	mu     sync.Mutex
	owners map[int]string // port → service id
	ports  map[string]int // service id → port
}

// NewTable creates an empty port table.
func NewTable() *Table {
	return &Table{
		owners: make(map[int]string),
		ports:  make(map[string]int),
	}
}

// Claim assigns port to owner. Claiming the same port twice for the same owner
// is a no-op; claiming a port held by another owner, or a second port for an
// owner that already has one, is an error.
func (t *Table) Claim(owner string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.owners[port]; ok {
		if existing == owner {
			return nil
		}
		return fmt.Errorf("port %d already assigned to %q", port, existing)
	}
	if prev, ok := t.ports[owner]; ok {
		return fmt.Errorf("%q already holds port %d", owner, prev)
	}

	t.owners[port] = owner
	t.ports[owner] = port
	return nil
}

// InUse reports whether something is already listening on the loopback port.
func InUse(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
