package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defgrid/vpn-coordinator/internal/lockreg"
)

func newTestSupervisor() *Supervisor {
	return New(lockreg.NewRegistry(), nil, nil)
}

func TestAddRunsTaskAndTracksIt(t *testing.T) {
	s := newTestSupervisor()
	started := make(chan struct{})
	release := make(chan struct{})

	s.Add(context.Background(), "task-a", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	<-started
	assert.True(t, s.Find("task-a"))
	assert.Equal(t, []string{"task-a"}, s.List())

	close(release)
	require.Eventually(t, func() bool { return !s.Find("task-a") }, time.Second, time.Millisecond)
}

func TestAddSkipsDuplicateName(t *testing.T) {
	s := newTestSupervisor()
	var ran int32Flag

	block := make(chan struct{})
	s.Add(context.Background(), "dup", func(ctx context.Context) error {
		<-block
		return nil
	})
	s.Add(context.Background(), "dup", func(ctx context.Context) error {
		ran.set()
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.get())

	close(block)
}

func TestCancelStopsTask(t *testing.T) {
	s := newTestSupervisor()
	var cancelledSeen int32Flag

	s.Add(context.Background(), "cancel-me", func(ctx context.Context) error {
		<-ctx.Done()
		cancelledSeen.set()
		return ctx.Err()
	})

	require.Eventually(t, func() bool { return s.Find("cancel-me") }, time.Second, time.Millisecond)
	assert.True(t, s.Cancel("cancel-me"))

	require.Eventually(t, func() bool { return cancelledSeen.get() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !s.Find("cancel-me") }, time.Second, time.Millisecond)
}

func TestReaperForceReleasesLocksOnTaskExit(t *testing.T) {
	locks := lockreg.NewRegistry()
	s := New(locks, nil, nil)
	vpnLock := locks.Add("vpn1", nil)

	done := make(chan struct{})
	s.Add(context.Background(), "locker", func(ctx context.Context) error {
		vpnLock.Acquire(OwnerToken(ctx))
		close(done)
		return errors.New("boom")
	})

	<-done
	require.Eventually(t, func() bool { return !s.Find("locker") }, time.Second, time.Millisecond)

	status, _ := vpnLock.GetStatus()
	assert.Equal(t, lockreg.Unlocked, status)
}

func TestCancelPrefixExceptsGivenName(t *testing.T) {
	s := newTestSupervisor()
	ctxA, cancelA := context.WithCancel(context.Background())
	_ = cancelA

	doneA := make(chan struct{})
	doneB := make(chan struct{})

	s.Add(ctxA, "retry(vpn1)-a", func(ctx context.Context) error {
		<-ctx.Done()
		close(doneA)
		return ctx.Err()
	})
	s.Add(context.Background(), "retry(vpn1)-b", func(ctx context.Context) error {
		<-ctx.Done()
		close(doneB)
		return ctx.Err()
	})

	require.Eventually(t, func() bool { return s.Find("retry(vpn1)-a") && s.Find("retry(vpn1)-b") }, time.Second, time.Millisecond)

	s.CancelPrefix("retry(vpn1)", "retry(vpn1)-a")

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("retry(vpn1)-b was not cancelled")
	}

	select {
	case <-doneA:
		t.Fatal("retry(vpn1)-a should have been excepted from cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	s.Cancel("retry(vpn1)-a")
	<-doneA
}

func TestRunAndWaitReturnsFnResult(t *testing.T) {
	s := newTestSupervisor()
	wantErr := errors.New("downstream failure")

	err := s.RunAndWait(context.Background(), "sync-task", func(ctx context.Context) error {
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.False(t, s.Find("sync-task"))
}

func TestRunAndWaitRespectsContextDeadline(t *testing.T) {
	s := newTestSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.RunAndWait(ctx, "slow-task", func(taskCtx context.Context) error {
		<-taskCtx.Done()
		return taskCtx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingGauge struct {
	mu     sync.Mutex
	values []int
}

func (g *recordingGauge) SetTasksInFlight(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append(g.values, n)
}

func (g *recordingGauge) last() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.values) == 0 {
		return -1
	}
	return g.values[len(g.values)-1]
}

func TestAddAndReapReportTasksInFlight(t *testing.T) {
	gauge := &recordingGauge{}
	s := New(lockreg.NewRegistry(), gauge, nil)

	release := make(chan struct{})
	s.Add(context.Background(), "gauged", func(ctx context.Context) error {
		<-release
		return nil
	})

	require.Eventually(t, func() bool { return gauge.last() == 1 }, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return gauge.last() == 0 }, time.Second, time.Millisecond)
}

// int32Flag is a tiny race-safe boolean helper local to this test file.
type int32Flag struct {
	v int32
}

func (f *int32Flag) set() { atomic.StoreInt32(&f.v, 1) }

func (f *int32Flag) get() bool { return atomic.LoadInt32(&f.v) == 1 }
