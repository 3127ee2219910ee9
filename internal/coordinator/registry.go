// Package coordinator implements the dispatcher role of the elbow search.
// See doc.go for complete package documentation.
package coordinator

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"
)

// Registration is a worker known to the coordinator: the IPv4 address it
// advertised when joining and the callback port the listener allocated to it.
//
// Registrations are values. The registry hands out copies, so callers can
// keep them across phases without holding any lock.
type Registration struct {
	// IP is the dotted-quad address the worker sent in its join message.
	// It is the registry key: one worker per address.
	IP string

	// Port is the callback port the worker listens on for its start
	// message. Allocated by the listener, strictly increasing per join.
	Port int
}

// Addr returns the worker's callback address.
func (r Registration) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// WorkerRegistry keeps joined workers in registration order, which is also
// the order in which they are dispatched.
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│            WorkerRegistry            │
//	├──────────────────────────────────────┤
//	│  workers: []Registration (ordered)   │
//	│  mu: RWMutex for thread safety       │
//	├──────────────────────────────────────┤
//	│  join → Register → Workers → Dispatch│
//	└──────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//
// Re-join policy: the latest join for an address wins. Its port replaces
// the stored one and the worker keeps its original position. Callback ports
// grow with every join, so a registration whose port is not above the
// stored one is stale and is rejected with ErrDuplicateRegistration.
type WorkerRegistry struct {
	// workers holds registrations in the order they were accepted.
	workers []Registration

	// mu protects concurrent access to workers.
	mu sync.RWMutex
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{}
}

// Register appends reg to the registry, or moves a known address to the
// new port in place.
//
// Returns:
//   - nil on success
//   - ErrInvalidInput if the address is empty or the port is out of range
//   - ErrDuplicateRegistration if reg.IP is registered on reg.Port or a
//     later port
//
// Thread Safety:
// This method is thread-safe and can be called concurrently.
func (r *WorkerRegistry) Register(reg Registration) error {
	if reg.IP == "" {
		return fmt.Errorf("%w: empty worker address", ErrInvalidInput)
	}
	if reg.Port < 1 || reg.Port > 65535 {
		return fmt.Errorf("%w: worker %s: port %d", ErrInvalidInput, reg.IP, reg.Port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexOf(reg.IP); idx >= 0 {
		if reg.Port <= r.workers[idx].Port {
			return fmt.Errorf("%w: %s already registered on port %d", ErrDuplicateRegistration, reg.IP, r.workers[idx].Port)
		}
		r.workers[idx].Port = reg.Port
		return nil
	}
	r.workers = append(r.workers, reg)
	return nil
}

// Get returns the registration for ip.
func (r *WorkerRegistry) Get(ip string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx := r.indexOf(ip); idx >= 0 {
		return r.workers[idx], true
	}
	return Registration{}, false
}

// Workers returns all registrations in registration order.
func (r *WorkerRegistry) Workers() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.workers)
}

// Len returns the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Clear forgets every registration.
func (r *WorkerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = nil
}

// indexOf must be called with mu held.
func (r *WorkerRegistry) indexOf(ip string) int {
	return slices.IndexFunc(r.workers, func(w Registration) bool { return w.IP == ip })
}
