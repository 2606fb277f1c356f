package lockreg

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Registry holds one Lock per local VPN name (spec.md I4: a lock exists
// iff the VPN record belongs to the local site).
type Registry struct {
	mu    sync.RWMutex
	locks map[string]*Lock
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Lock)}
}

// Add creates a lock for vname if one does not already exist. Called once
// per local VPN at configuration load (spec.md "Lifecycle").
func (r *Registry) Add(vname string, logger *log.Logger) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[vname]; ok {
		return l
	}
	l := New(vname, logger)
	r.locks[vname] = l
	return l
}

func (r *Registry) Get(vname string) *Lock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locks[vname]
}

// ForceReleaseAll force-releases every lock currently owned by ownerToken.
// This is what the task supervisor's reaper calls when a task exits,
// satisfying spec.md I5 ("the lock is released on all exit paths including
// task cancellation, enforced by the supervisor").
func (r *Registry) ForceReleaseAll(ownerToken string) {
	r.mu.RLock()
	locks := make([]*Lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	r.mu.RUnlock()

	for _, l := range locks {
		l.ForceRelease(ownerToken)
	}
}

// Snapshot returns {vname: {status, owner}} for /debug_state (spec.md §4.8).
func (r *Registry) Snapshot() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]string, len(r.locks))
	for name, l := range r.locks {
		status, owner := l.GetStatus()
		out[name] = map[string]string{"status": string(status), "task": owner}
	}
	return out
}
