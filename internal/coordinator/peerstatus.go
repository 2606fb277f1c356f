package coordinator

import (
	"context"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

// handleFirst is peer_vpn_status_first of spec.md §4.4: dedup and
// journal. Grounded on processor.py's peer_vpn_status_first.handler.
func (c *Coordinator) handleFirst(args ...interface{}) {
	siteID := args[0].(string)
	vname := args[1].(string)
	status := args[2].(state.VPNStatus)

	remote, ok := c.Store.VPNAt(siteID, vname)
	if !ok {
		c.logger.Warn("peer_vpn_status_first: vpn not configured for site", "vpn", vname, "site", siteID)
		return
	}

	previous := remote.Status
	c.Store.SetStatus(siteID, vname, status)

	if status == previous {
		return
	}

	c.logger.Info("peer_vpn_status_first", "vpn", vname, "site", siteID, "from", previous, "to", status)
	c.Second.Add(siteID, vname, status, previous)
}

// handleSecond is peer_vpn_status_second of spec.md §4.4/§4.7: policy,
// including the online-arbitration demotion rule and failover
// eligibility. Grounded on processor.py's peer_vpn_status_second.handler.
func (c *Coordinator) handleSecond(args ...interface{}) {
	siteID := args[0].(string)
	vname := args[1].(string)
	status := args[2].(state.VPNStatus)
	previous := args[3].(state.VPNStatus)

	ctx := context.Background()

	switch {
	case isFailoverTrigger(previous, status):
		c.handleFailoverTrigger(ctx, siteID, vname)

	case status == state.VPNOnline:
		c.handleOnlineArbitration(ctx, siteID, vname)

	case status == state.VPNReplica, status == state.VPNPending:
		// no action needed

	case previous == state.VPNReplica && status == state.VPNFailed,
		previous == state.VPNOffline && status == state.VPNFailed:
		c.logger.Warn("peer_vpn_status_second: illegal transition or missed a transition", "vpn", vname, "site", siteID, "from", previous, "to", status)
	}
}

// isFailoverTrigger matches node.py's match clause
// `(Online, Failed) | (Pending, Failed) | (_, Offline)`.
func isFailoverTrigger(previous, status state.VPNStatus) bool {
	if status == state.VPNOffline {
		return true
	}
	return status == state.VPNFailed && (previous == state.VPNOnline || previous == state.VPNPending)
}

// handleFailoverTrigger implements spec.md §4.7's "Failover eligibility".
func (c *Coordinator) handleFailoverTrigger(ctx context.Context, siteID, vname string) {
	rp := c.Store.ReplicaPriority(vname)
	if rp == nil {
		c.logger.Info("peer_vpn_status_second: vpn not present in replica_priority, discarding", "vpn", vname, "site", siteID)
		return
	}

	if !c.replicaConfigured(vname) {
		c.logger.Info("peer_vpn_status_second: local site not configured as replica, skipping", "vpn", vname, "site", siteID)
		return
	}

	distance, eligible, ok := c.replicaDistance(siteID, c.Store.LocalSiteID(), vname)
	if !ok {
		return
	}
	c.logger.Info("peer_vpn_status_second: computed replica distance", "vpn", vname, "site", siteID, "distance", distance)

	v, ok := c.localVPN(vname)
	if !ok || v.Status != state.VPNReplica {
		return
	}

	if distance == 1 || len(eligible) == 0 {
		name := failoverTaskName(vname)
		c.Tasks.Add(ctx, name, func(taskCtx context.Context) error {
			_, err := c.VPNOnline(taskCtx, vname, true, true, true, 0)
			return err
		})
	}
}

func failoverTaskName(vname string) string {
	return "failover(" + vname + ")"
}

// handleOnlineArbitration implements spec.md §4.7's "Online-arbitration
// rule": a peer transitioning into Online for a VPN we hold Pending or
// Online demotes us to Replica (Auto) or Offline (otherwise).
func (c *Coordinator) handleOnlineArbitration(ctx context.Context, siteID, vname string) {
	v, ok := c.localVPN(vname)
	if !ok || (v.Status != state.VPNPending && v.Status != state.VPNOnline) {
		return
	}

	mode := c.Store.ReplicaMode()
	target := state.VPNOffline
	if mode == state.ReplicaAuto {
		target = state.VPNReplica
	}

	name := "demote(" + vname + ")"
	c.Tasks.Add(ctx, name, func(taskCtx context.Context) error {
		if target == state.VPNReplica {
			return c.VPNReplica(taskCtx, vname, true, true)
		}
		return c.VPNOffline(taskCtx, vname, true, true)
	})
}

// HandleSiteStatus is invoked by the peer protocol server/puller when a
// remote site's liveness changes, grounded on node.py's handle_site_status.
// On a site going Offline or Admin_offline, every VPN on that site is
// journaled as Offline through the first processor (spec.md §9(c)).
func (c *Coordinator) HandleSiteStatus(ctx context.Context, siteID string, status state.SiteStatus) {
	site, ok := c.Store.Site(siteID)
	if !ok {
		return
	}
	previous := site.Status
	c.Store.SetSiteStatus(siteID, status)
	c.Metrics.SetSiteStatus(siteID, string(status))
	c.logger.Debug("handle_site_status", "site", siteID, "from", previous, "to", status)

	transitionsToOffline := (previous == state.SitePending && status == state.SiteOffline) ||
		(previous == state.SiteOnline && status == state.SiteOffline) ||
		status == state.SiteAdminOffline

	if !transitionsToOffline {
		return
	}

	for vname := range site.VPN {
		c.First.Add(siteID, vname, state.VPNOffline)
	}
}
