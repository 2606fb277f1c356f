package coordinator

import (
	"context"
	"time"
)

// checkLocalVPNProcess runs check-pid.sh, grounded on node.py's
// check_local_vpn_process.
func (c *Coordinator) checkLocalVPNProcess(ctx context.Context, vname string) bool {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		c.logger.Error("checkLocalVPNProcess", "err", err)
		return false
	}

	res, err := c.Exec.CheckPID(ctx, vname, v.LocalAddr.String(), c.cfg.LocalVPNDir)
	if err != nil {
		c.logger.Error("checkLocalVPNProcess: executor error", "vpn", vname, "err", err)
		return false
	}
	return res.Success()
}

// checkLocalVPNConnectivity runs vpn-check-online.sh up to
// local_vpn_check_retries+1 times, any success counts as connected.
// Grounded on node.py's check_local_vpn_connectivity.
func (c *Coordinator) checkLocalVPNConnectivity(ctx context.Context, vname string) bool {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		c.logger.Error("checkLocalVPNConnectivity", "err", err)
		return false
	}

	attempts := c.cfg.LocalVPNCheckRetries + 1
	for i := 0; i < attempts; i++ {
		res, err := c.Exec.CheckOnline(ctx, v.LocalAddr.String(), c.cfg.LocalVPNCheckTimeout, vname)
		if err != nil {
			c.logger.Error("checkLocalVPNConnectivity: executor error", "vpn", vname, "err", err)
			continue
		}
		if res.Success() {
			return true
		}
	}

	c.logger.Info("checkLocalVPNConnectivity: detected not online", "vpn", vname)
	return false
}

// setLocalVPNOffline stops any running process and optionally removes the
// anycast route, grounded on node.py's _set_local_vpn_offline. It does not
// change status.
func (c *Coordinator) setLocalVPNOffline(ctx context.Context, vname string, removeRoute bool) error {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return err
	}

	if _, err := c.Exec.SetOffline(ctx, vname, v.LocalAddr.String(), c.cfg.LocalVPNDir); err != nil {
		c.logger.Error("setLocalVPNOffline: set-offline script error", "vpn", vname, "err", err)
	}

	if removeRoute {
		if _, err := c.Exec.DeleteRoute(ctx, v.AnycastAddr.String()); err != nil {
			c.logger.Error("setLocalVPNOffline: delete-route script error", "vpn", vname, "err", err)
		}
	}
	return nil
}

// setLocalVPNOnline brings the VPN up via script, waits online_check_delay,
// connectivity-checks, and optionally adds the anycast route. Grounded on
// node.py's _set_local_vpn_online.
func (c *Coordinator) setLocalVPNOnline(ctx context.Context, vname string, addRoute bool) (bool, error) {
	v, err := c.mustLocalVPN(vname)
	if err != nil {
		return false, err
	}

	local := c.Store.LocalSite()
	res, err := c.Exec.SetOnline(ctx, v.Name, v.LocalAddr.String(), c.cfg.LocalVPNDir, c.Store.LocalSiteID(), local.GatewayAddr.String())
	if err != nil {
		return false, err
	}
	if !res.Success() {
		c.logger.Error("setLocalVPNOnline: online script failed", "vpn", vname, "stdout", res.Stdout, "stderr", res.Stderr)
		return false, nil
	}

	select {
	case <-time.After(time.Duration(c.cfg.OnlineCheckDelay) * time.Second):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if !c.checkLocalVPNConnectivity(ctx, vname) {
		c.logger.Error("setLocalVPNOnline: connectivity check failed", "vpn", vname)
		return false, nil
	}

	if addRoute {
		res, err := c.Exec.AddRoute(ctx, v.AnycastAddr.String(), local.GatewayAddr.String())
		if err != nil {
			return false, err
		}
		if !res.Success() {
			c.logger.Error("setLocalVPNOnline: route add script failed", "vpn", vname, "stdout", res.Stdout, "stderr", res.Stderr)
			return false, nil
		}
	}

	return true, nil
}
