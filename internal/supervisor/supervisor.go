// Package supervisor implements the task supervisor of spec.md §4.3: it
// names, launches, tracks, and reaps asynchronous work units, force-
// releasing any locks the task held when it dies. Grounded on the Python
// prototype's task_manager.py, adapted to goroutines: Python's named
// asyncio.Task plus a "wait task" per entry becomes a goroutine plus a
// per-task done channel here, and asyncio.current_task().get_name() (used
// by dynvpn_lock for re-entrancy) becomes an explicit correlation token
// threaded through context.Context, since goroutines have no built-in
// identity to key re-entrancy on.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/defgrid/vpn-coordinator/internal/lockreg"
)

type ownerTokenKey struct{}

// OwnerToken returns the correlation token identifying the currently
// running supervised task, for use as the lock-registry owner token.
func OwnerToken(ctx context.Context) string {
	if v, ok := ctx.Value(ownerTokenKey{}).(string); ok {
		return v
	}
	return ""
}

func withOwnerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ownerTokenKey{}, token)
}

// Info is the supervised-task metadata surfaced by /debug_state (spec.md
// §4.8), adapted from the Python prototype's frame-stack introspection
// (see SPEC_FULL.md §C) into something Go can actually produce: spawn
// site, spawn time, and correlation id instead of a live call stack.
type Info struct {
	Name          string
	CorrelationID string
	SpawnedAt     time.Time
	SpawnSite     string
}

type entry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskGauge is the subset of *metrics.Metrics the supervisor reports
// into, declared structurally here (as PeerClient is in internal/coordinator)
// to avoid supervisor importing metrics directly.
type TaskGauge interface {
	SetTasksInFlight(n int)
}

// Supervisor tracks named background tasks.
type Supervisor struct {
	locks  *lockreg.Registry
	logger *log.Logger
	gauge  TaskGauge

	mu     sync.Mutex
	byName map[string]*entry
	order  []string
	wg     sync.WaitGroup
}

// New returns an empty Supervisor. A nil logger discards all log output.
func New(locks *lockreg.Registry, gauge TaskGauge, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Supervisor{
		locks:  locks,
		gauge:  gauge,
		logger: logger,
		byName: make(map[string]*entry),
	}
}

// Func is a supervised unit of work. The ctx passed in carries the task's
// owner token (retrievable via OwnerToken) for lock re-entrancy.
type Func func(ctx context.Context) error

// Add launches fn as a named background task and returns immediately. If
// a task with the same name is already running, that task is left as it
// is and fn is not started (matching task_manager.find's use before
// start_check_vpn_task to avoid duplicate health checkers).
func (s *Supervisor) Add(ctx context.Context, name string, fn Func) {
	s.mu.Lock()
	if _, exists := s.byName[name]; exists {
		s.mu.Unlock()
		s.logger.Warn("supervisor: task already running, skipping add", "name", name)
		return
	}

	_, file, line, _ := runtime.Caller(1)
	taskCtx, cancel := context.WithCancel(ctx)
	token := uuid.NewString()
	taskCtx = withOwnerToken(taskCtx, token)

	e := &entry{
		info: Info{
			Name:          name,
			CorrelationID: token,
			SpawnedAt:     time.Now(),
			SpawnSite:     fmt.Sprintf("%s:%d", file, line),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.byName[name] = e
	s.order = append(s.order, name)
	s.wg.Add(1)
	count := len(s.byName)
	s.mu.Unlock()

	s.reportTasksInFlight(count)

	go s.reap(taskCtx, name, token, fn, e)
}

func (s *Supervisor) reportTasksInFlight(n int) {
	if s.gauge != nil {
		s.gauge.SetTasksInFlight(n)
	}
}

func (s *Supervisor) reap(ctx context.Context, name, token string, fn Func, e *entry) {
	defer close(e.done)
	defer s.wg.Done()

	err := runCaught(ctx, fn)

	switch {
	case err == context.Canceled:
		s.logger.Info("supervisor: task cancelled", "name", name)
	case err != nil:
		s.logger.Error("supervisor: task exited with error", "name", name, "err", err)
	default:
		s.logger.Debug("supervisor: task ended", "name", name)
	}

	s.locks.ForceReleaseAll(token)

	s.mu.Lock()
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	count := len(s.byName)
	s.mu.Unlock()

	s.reportTasksInFlight(count)
}

// runCaught recovers a panicking task the way the Python reaper absorbs an
// uncaught exception, turning it into a logged error rather than crashing
// the process (spec.md §7 "Task exception").
func runCaught(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Cancel cancels the named task, if running. Cancellation unwinds through
// the task's own select/await points and is absorbed by the reaper.
func (s *Supervisor) Cancel(name string) bool {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Find reports whether a task with the given name is currently running.
func (s *Supervisor) Find(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// List returns the names of all currently-running tasks, in insertion
// order (mirroring task_manager's separate tasks_list to allow safe
// iteration during mutation).
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// CancelPrefix cancels every running task whose name starts with prefix,
// except the task identified by exceptName. Used by stop_retries in
// spec.md §4.7 to cancel competing failure_retry loops for a VPN.
func (s *Supervisor) CancelPrefix(prefix, exceptName string) {
	for _, name := range s.List() {
		if name == exceptName {
			continue
		}
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			s.Cancel(name)
		}
	}
}

// Debug returns a snapshot of running-task info for /debug_state.
func (s *Supervisor) Debug() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name].info)
	}
	return out
}

// Run blocks until every currently-tracked task has exited. Matches
// task_manager.run's "await every wait_task while the set is non-empty".
func (s *Supervisor) Run() {
	s.wg.Wait()
}

// RunAndWait launches fn as a supervised task named name and blocks until
// it has returned and been reaped (removed from the task list, its locks
// released), or until ctx is cancelled, whichever comes first. Request/response
// callers (the control API, synchronous startup phases) use this instead
// of fire-and-forget Add so they can observe the result and apply their
// own timeout, matching spec.md §4.8's "on timeout returns 'timed out'".
func (s *Supervisor) RunAndWait(ctx context.Context, name string, fn Func) error {
	result := make(chan error, 1)
	s.Add(ctx, name, func(taskCtx context.Context) error {
		err := fn(taskCtx)
		result <- err
		return err
	})

	s.mu.Lock()
	e := s.byName[name]
	s.mu.Unlock()

	select {
	case err := <-result:
		if e != nil {
			<-e.done
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
