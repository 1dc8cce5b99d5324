package supervisor

import (
	"fmt"
	"net"
	"sync"
)

// PortRange is the inclusive port band the supervisor allocates tool servers
// from, configured via config.json's "mcp": {"start_port","max_port"}.
type PortRange struct {
	Start int
	Max   int
}

// DefaultPortRange is the band used when config.json doesn't override it.
func DefaultPortRange() PortRange {
	return PortRange{Start: 8100, Max: 8200}
}

// portAllocator tracks which ports in range are currently assigned to a
// tool-server record, from Create until Delete. It never binds a port itself — it only
// probes availability and lets the child process bind — so it just
// reserves the number so two servers never race for the same one, and
// probes with a real listen-then-close so a port left open by some other
// process on the machine is never handed out.
type portAllocator struct {
	mu       sync.Mutex
	rng      PortRange
	assigned map[int]string // port -> server id holding it
}

func newPortAllocator(rng PortRange) *portAllocator {
	return &portAllocator{rng: rng, assigned: make(map[int]string)}
}

// acquire reserves a port for serverID: requested if given and free,
// otherwise the first free port in range. Returns ErrNoPortsAvailable if
// none are free.
func (a *portAllocator) acquire(serverID string, requested int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if requested != 0 {
		if requested < a.rng.Start || requested > a.rng.Max {
			return 0, fmt.Errorf("requested port %d outside range [%d,%d]", requested, a.rng.Start, a.rng.Max)
		}
		if a.tryClaim(serverID, requested) {
			return requested, nil
		}
	}

	for p := a.rng.Start; p <= a.rng.Max; p++ {
		if a.tryClaim(serverID, p) {
			return p, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// tryClaim assumes the caller holds a.mu.
func (a *portAllocator) tryClaim(serverID string, port int) bool {
	if held, ok := a.assigned[port]; ok && held != serverID {
		return false
	}
	if !probeFree(port) {
		return false
	}
	a.assigned[port] = serverID
	return true
}

// setRange updates the band future acquire calls draw from. Ports already
// assigned outside the new band are left alone until their server stops;
// it only takes effect for the next acquire.
func (a *portAllocator) setRange(rng PortRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rng = rng
}

// release frees a port so another server can claim it. Supervisor.Delete
// is its only caller: stopping a server does not release its port, so a
// stopped record keeps its reservation and a later Start reuses it.
func (a *portAllocator) release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assigned, port)
}

// probeFree attempts to listen on port and immediately closes, a
// best-effort availability probe rather than owning the bind itself.
func probeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
