package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

// stopRetries cancels every failure_retry task for vname except the task
// that is calling it, identified by the owner token in ctx. failureRetry
// reaches this through VPNOnline, and the exception keeps a retry from
// cancelling itself (as node.py's stop_retries does).
func (c *Coordinator) stopRetries(ctx context.Context, vname string) {
	self := ""
	if token := supervisor.OwnerToken(ctx); token != "" {
		for _, info := range c.Tasks.Debug() {
			if info.CorrelationID == token {
				self = info.Name
				break
			}
		}
	}
	c.Tasks.CancelPrefix(retryTaskPrefix(vname), self)
}

func retryTaskPrefix(vname string) string {
	return fmt.Sprintf("failure_retry(%s)", vname)
}

func checkVPNTaskName(vname string) string {
	return fmt.Sprintf("check-vpn_%s", vname)
}

// startCheckVPNTask launches the per-VPN health checker, grounded on
// node.py's start_check_vpn_task: a no-op if one is already running.
func (c *Coordinator) startCheckVPNTask(ctx context.Context, vname string) {
	name := checkVPNTaskName(vname)
	if c.Tasks.Find(name) {
		c.logger.Warn("start_check_vpn_task: task exists", "vpn", vname)
		return
	}

	c.Tasks.Add(ctx, name, func(taskCtx context.Context) error {
		return c.checkVPNLoop(taskCtx, vname)
	})
}

// checkVPNLoop is the health checker of spec.md §4.7: every
// local_vpn_check_interval seconds, connectivity-check up to
// local_vpn_check_retries+1 times; on failure enqueue failure_retry and
// exit. Also exits once the VPN leaves Online/Pending.
func (c *Coordinator) checkVPNLoop(ctx context.Context, vname string) error {
	interval := time.Duration(c.cfg.LocalVPNCheckInterval) * time.Second

	for {
		v, ok := c.localVPN(vname)
		if !ok || (v.Status != state.VPNOnline && v.Status != state.VPNPending) {
			c.logger.Info("check_vpn_task: VPN not Online or Pending, exiting", "vpn", vname)
			return nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}

		if !c.checkLocalVPNConnectivity(ctx, vname) {
			c.logger.Info("check_vpn_task: failure detected, initiating retries", "vpn", vname)
			c.Tasks.Add(context.Background(), fmt.Sprintf("failure_retry(%s) retries=%d", vname, c.cfg.FailureRetries), func(taskCtx context.Context) error {
				return c.failureRetry(taskCtx, vname, true, c.cfg.FailureRetries)
			})
			return nil
		}
	}
}

// stopCheckVPNTask cancels the health checker for vname, if running.
func (c *Coordinator) stopCheckVPNTask(vname string) bool {
	return c.Tasks.Cancel(checkVPNTaskName(vname))
}

// VPNOnline is the bring-up operation of spec.md §4.7, grounded on
// node.py's vpn_online/_vpn_online_impl.
func (c *Coordinator) VPNOnline(ctx context.Context, vname string, broadcast, timeoutThrow, lock bool, retries int) (bool, error) {
	c.stopRetries(ctx, vname)

	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return false, err
	}

	token := supervisor.OwnerToken(ctx)
	if lock {
		v.Lock.Acquire(token)
		defer v.Lock.Release(token)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.defaultTimeout())
	defer cancel()

	success, err := c.vpnOnlineImpl(timeoutCtx, vname, broadcast, retries)
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("vpn_online: timed out", "vpn", vname, "timeout", c.defaultTimeout())
		_ = c.setLocalVPNOffline(ctx, vname, true)
		c.setStatus(ctx, vname, state.VPNFailed, broadcast)
		if timeoutThrow {
			return false, err
		}
		return false, nil
	}
	return success, err
}

func (c *Coordinator) vpnOnlineImpl(ctx context.Context, vname string, broadcast bool, retries int) (bool, error) {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return false, err
	}

	if v.Status == state.VPNOnline {
		c.logger.Info("vpn_online: already Online, skipping", "vpn", vname)
		return true, nil
	}

	if c.checkLocalVPNProcess(ctx, vname) {
		if c.checkLocalVPNConnectivity(ctx, vname) {
			c.logger.Info("vpn_online: process already online, setting Online state", "vpn", vname)
			c.setStatus(ctx, vname, state.VPNOnline, broadcast)
			c.startCheckVPNTask(ctx, vname)
			return true, nil
		}
		c.logger.Info("vpn_online: stale process detected", "vpn", vname)
		if err := c.setLocalVPNOffline(ctx, vname, false); err != nil {
			return false, err
		}
	}

	c.setStatus(ctx, vname, state.VPNPending, broadcast)
	success, err := c.setLocalVPNOnline(ctx, vname, true)
	if err != nil {
		return false, err
	}

	if success {
		c.setStatus(ctx, vname, state.VPNOnline, broadcast)
		c.startCheckVPNTask(ctx, vname)
	} else {
		c.Tasks.Add(context.Background(), fmt.Sprintf("failure_retry(%s) retries=%d", vname, retries), func(taskCtx context.Context) error {
			return c.failureRetry(taskCtx, vname, broadcast, retries)
		})
	}

	return success, nil
}

// VPNOffline is the bring-down operation, grounded on node.py's vpn_offline.
func (c *Coordinator) VPNOffline(ctx context.Context, vname string, broadcast, lock bool) error {
	c.stopRetries(ctx, vname)

	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return err
	}

	token := supervisor.OwnerToken(ctx)
	if lock {
		v.Lock.Acquire(token)
		defer v.Lock.Release(token)
	}

	c.stopCheckVPNTask(vname)

	c.logger.Info("vpn_offline: setting status to Offline", "vpn", vname)
	if err := c.setLocalVPNOffline(ctx, vname, true); err != nil {
		return err
	}
	c.setStatus(ctx, vname, state.VPNOffline, broadcast)
	return nil
}

// VPNRestart stops and restarts the local VPN process in place, touching
// neither its anycast route nor its recorded status, grounded on
// dynvpn_http.py's restart_handler: it drives the low-level
// setLocalVPNOffline/setLocalVPNOnline primitives directly rather than the
// vpn_offline/vpn_online operations, so peers never observe a status
// change and the route stays installed throughout.
func (c *Coordinator) VPNRestart(ctx context.Context, vname string, lock bool) error {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return err
	}

	token := supervisor.OwnerToken(ctx)
	if lock {
		v.Lock.Acquire(token)
		defer v.Lock.Release(token)
	}

	// Stop the health checker for the duration of the bounce, same as
	// VPNOffline/VPNOnline: otherwise a tick landing in the window between
	// the two primitives below sees the process legitimately down and
	// spawns a failure_retry against a VPN that is mid-restart, not failed.
	wasRunning := c.stopCheckVPNTask(vname)

	if err := c.setLocalVPNOffline(ctx, vname, false); err != nil {
		return err
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	success, err := c.setLocalVPNOnline(ctx, vname, false)
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("restart: bring-up failed for %s", vname)
	}
	if wasRunning {
		c.startCheckVPNTask(ctx, vname)
	}
	return nil
}

// VPNReplica demotes to Replica, or promotes back Online when no peer
// currently holds the VPN, grounded on node.py's vpn_replica.
func (c *Coordinator) VPNReplica(ctx context.Context, vname string, broadcast, lock bool) error {
	c.stopRetries(ctx, vname)

	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return err
	}

	token := supervisor.OwnerToken(ctx)
	if lock {
		v.Lock.Acquire(token)
		defer v.Lock.Release(token)
	}

	if !c.replicaConfigured(vname) {
		return fmt.Errorf("we are not configured as a replica for %s", vname)
	}

	c.stopCheckVPNTask(vname)
	c.logger.Info("vpn_replica: setting status to Replica", "vpn", vname)

	if len(c.currentlyOnline(vname)) == 0 {
		c.logger.Warn("vpn_replica: no peers Online, bringing Online instead", "vpn", vname)
		_, err := c.VPNOnline(ctx, vname, broadcast, true, false, 0)
		return err
	}

	c.setStatus(ctx, vname, state.VPNReplica, broadcast)
	return nil
}

// failureRetry is the retry loop of spec.md §4.7, grounded on node.py's
// failure_retry.
func (c *Coordinator) failureRetry(ctx context.Context, vname string, broadcast bool, retries int) error {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return err
	}

	token := supervisor.OwnerToken(ctx)
	v.Lock.Acquire(token)
	defer v.Lock.Release(token)

	if v.Status != state.VPNOnline && v.Status != state.VPNPending {
		c.logger.Debug("failure_retry: aborting, status changed", "vpn", vname)
		return nil
	}

	c.setStatus(ctx, vname, state.VPNPending, broadcast)

	eligible := c.findSites(vname, []state.VPNStatus{state.VPNReplica, state.VPNOnline}, nil)

	if len(eligible) == 0 && retries != 0 {
		if err := c.setLocalVPNOffline(ctx, vname, false); err != nil {
			return err
		}

		c.logger.Warn("failure_retry: no peers in Replica or Online state, retrying", "vpn", vname)
		if retries > 0 {
			retries--
		}

		_, err := c.VPNOnline(ctx, vname, broadcast, true, false, retries)
		return err
	}

	c.setStatus(ctx, vname, state.VPNFailed, broadcast)
	if err := c.setLocalVPNOffline(ctx, vname, true); err != nil {
		return err
	}

	timeout := c.cfg.FailedStatusTimeout
	if timeout <= 0 {
		// Open Question (a): failed_status_timeout == 0 never clears Failed.
		return nil
	}

	for {
		select {
		case <-time.After(time.Duration(timeout) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		if c.localVPNCleared(vname) {
			return nil
		}
	}
}

// localVPNCleared implements failure_retry's deferred-clear loop body: it
// returns true (and clears Failed->Offline) once any peer reports vname
// Online, or once the local VPN is no longer Failed.
func (c *Coordinator) localVPNCleared(vname string) bool {
	v, ok := c.localVPN(vname)
	if !ok || v.Status != state.VPNFailed {
		return true
	}

	for _, id := range c.Store.RemoteSiteIDs() {
		if rv, ok := c.Store.VPNAt(id, vname); ok && rv.Status == state.VPNOnline {
			c.Store.SetStatus(c.Store.LocalSiteID(), vname, state.VPNOffline)
			c.Metrics.SetVPNStatus(c.Store.LocalSiteID(), vname, string(state.VPNOffline))
			return true
		}
	}
	return false
}
