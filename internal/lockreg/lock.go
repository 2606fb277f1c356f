// Package lockreg implements the per-VPN re-entrant-by-task lock described
// in spec.md §4.2, grounded on the Python prototype's dynvpn_lock
// (original_source/dynvpn/src/dynvpn/common.py). Go has no task identity to
// key re-entrancy on the way Python's asyncio.current_task().get_name()
// does, so re-entrancy here is keyed on an explicit owner token that the
// caller (always the task supervisor, per spec.md §4.2) passes in; see
// internal/supervisor for how that token is minted and threaded through.
package lockreg

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Status is the lock's state as reported by /debug_state (spec.md §4.8).
type Status string

const (
	Locked   Status = "Locked"
	Unlocked Status = "Unlocked"
)

// waiter is one entry in the fairness queue: the token that will own the
// lock once woken, and the channel it blocks on.
type waiter struct {
	token string
	ch    chan struct{}
}

// Lock is a mutex that additionally tracks which owner token currently
// holds it, allows that same owner to "relock" without blocking, and can
// be force-released by the supervisor when the owning task dies.
type Lock struct {
	name   string
	trace  bool
	logger *log.Logger

	// mu guards locked, ownerToken, and waiters together so that handing
	// the lock off to the next waiter (spec.md §4.2's fairness guarantee)
	// is never visible from outside as an unlocked gap: a fresh Acquire
	// either finds the lock free, or finds it already held (by the
	// current owner or the waiter it was just handed to), never a window
	// in between where it could barge ahead of a queued waiter.
	mu         sync.Mutex
	locked     bool
	ownerToken string
	waiters    []waiter
}

func New(name string, logger *log.Logger) *Lock {
	return &Lock{name: name, trace: true, logger: logger}
}

func (l *Lock) logTrace(method, owner string) {
	if !l.trace || l.logger == nil {
		return
	}
	l.logger.Debug("dynvpn_lock", "method", method, "name", l.name, "owner", owner)
}

// Acquire blocks until the lock is held by ownerToken. If ownerToken already
// holds the lock it returns immediately (re-entrant), matching dynvpn_lock.lock.
func (l *Lock) Acquire(ownerToken string) {
	l.mu.Lock()
	if l.locked && l.ownerToken == ownerToken {
		l.logTrace("lock", ownerToken+" (already held)")
		l.mu.Unlock()
		return
	}

	if !l.locked {
		l.locked = true
		l.ownerToken = ownerToken
		l.mu.Unlock()
		l.logTrace("lock", ownerToken+" (acquired immediately)")
		return
	}

	// Someone else holds it: join the fair wait queue. The owner that
	// releases the lock sets l.ownerToken to our token before waking us,
	// so there is nothing left to do here once ch closes.
	ch := make(chan struct{})
	l.waiters = append(l.waiters, waiter{token: ownerToken, ch: ch})
	l.mu.Unlock()

	l.logTrace("lock", ownerToken+" (waiting)")
	<-ch
	l.logTrace("lock", ownerToken+" (acquired after wait)")
}

// Release releases the lock. Only the current owner may call this; any
// other caller gets an error, matching dynvpn_lock.unlock's exception on a
// non-owning release attempt.
func (l *Lock) Release(ownerToken string) error {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return nil
	}
	if l.ownerToken != ownerToken {
		owner := l.ownerToken
		l.mu.Unlock()
		return fmt.Errorf("lock %s: owner %s cannot release, locked by %s", l.name, ownerToken, owner)
	}

	l.handOffLocked()
	l.mu.Unlock()

	l.logTrace("unlock", ownerToken)
	return nil
}

// ForceRelease releases the lock on behalf of ownerToken without that
// owner calling Release, used by the task supervisor's reaper when a task dies while
// holding a lock (spec.md §4.2, I5). A no-op if the lock is not held by
// ownerToken (another task may have already force-acquired it).
func (l *Lock) ForceRelease(ownerToken string) {
	l.mu.Lock()
	if !l.locked || l.ownerToken != ownerToken {
		l.mu.Unlock()
		return
	}
	l.handOffLocked()
	l.mu.Unlock()

	l.logTrace("force-unlock", ownerToken)
}

// handOffLocked transfers ownership to the next queued waiter, or clears
// the lock if none is waiting. Must be called with l.mu held, and the
// waiter is only woken (via close) once l.ownerToken already reflects its
// token, so no fresh Acquire can observe an unlocked gap in between.
func (l *Lock) handOffLocked() {
	if len(l.waiters) == 0 {
		l.locked = false
		l.ownerToken = ""
		return
	}

	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.ownerToken = next.token
	close(next.ch)
}

func (l *Lock) GetStatus() (Status, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		return Locked, l.ownerToken
	}
	return Unlocked, l.ownerToken
}
