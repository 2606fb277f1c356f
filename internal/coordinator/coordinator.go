// Package coordinator implements the state machine of spec.md §4.7: the
// per-site controller that decides when a local VPN comes online, steps
// down to replica, or fails over — grounded throughout on node.py from
// the Python prototype (original_source/dynvpn/src/dynvpn/node.py).
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/defgrid/vpn-coordinator/internal/config"
	"github.com/defgrid/vpn-coordinator/internal/execc"
	"github.com/defgrid/vpn-coordinator/internal/lockreg"
	"github.com/defgrid/vpn-coordinator/internal/metrics"
	"github.com/defgrid/vpn-coordinator/internal/queue"
	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

// PeerClient is satisfied by internal/peerproto.Client. Declared here,
// structurally, to avoid an import cycle between coordinator and
// peerproto (the server half of peerproto in turn depends on the Handler
// interface declared in that package, satisfied structurally by
// *Coordinator).
type PeerClient interface {
	PushState(ctx context.Context, site *state.Site, body []byte) error
	PullState(ctx context.Context, site *state.Site, handler func(siteID, vname string, status state.VPNStatus)) error
}

// Coordinator owns the state store, the lock registry, the task
// supervisor, the command executor, and the two chained event
// processors, and implements every operation in spec.md §4.7.
type Coordinator struct {
	Store   *state.Store
	Locks   *lockreg.Registry
	Tasks   *supervisor.Supervisor
	Exec    *execc.Executor
	Peer    PeerClient
	Metrics *metrics.Metrics
	logger  *log.Logger

	cfg *config.Resolved

	First  *queue.Processor
	Second *queue.Processor
}

func New(store *state.Store, locks *lockreg.Registry, tasks *supervisor.Supervisor, exec *execc.Executor, peer PeerClient, m *metrics.Metrics, cfg *config.Resolved, logger *log.Logger) *Coordinator {
	c := &Coordinator{
		Store:   store,
		Locks:   locks,
		Tasks:   tasks,
		Exec:    exec,
		Peer:    peer,
		Metrics: m,
		cfg:     cfg,
		logger:  logger,
	}

	c.First = queue.New("peer_vpn_status_first", c.handleFirst)
	c.Second = queue.New("peer_vpn_status_second", c.handleSecond)

	return c
}

func (c *Coordinator) defaultTimeout() time.Duration {
	return time.Duration(c.cfg.DefaultTimeout) * time.Second
}

// currentlyOnline lists remote sites reporting vname Online, mirroring
// node.py's _do_start closure `currently_online`.
func (c *Coordinator) currentlyOnline(vname string) []string {
	var out []string
	for _, id := range c.Store.RemoteSiteIDs() {
		if v, ok := c.Store.VPNAt(id, vname); ok && v.Status == state.VPNOnline {
			out = append(out, id)
		}
	}
	return out
}

// findSites returns site ids satisfying vpnStateRestrict/siteStateRestrict
// for vname, grounded on node.py's _find_sites.
func (c *Coordinator) findSites(vname string, vpnStateRestrict []state.VPNStatus, siteStateRestrict []state.SiteStatus) []string {
	var out []string
	for _, id := range c.Store.SiteIDs() {
		site, ok := c.Store.Site(id)
		if !ok {
			continue
		}
		v, ok := site.VPN[vname]
		if !ok {
			continue
		}
		if len(siteStateRestrict) > 0 && !containsSiteStatus(siteStateRestrict, site.Status) {
			continue
		}
		if len(vpnStateRestrict) > 0 && !containsVPNStatus(vpnStateRestrict, v.Status) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func containsSiteStatus(list []state.SiteStatus, s state.SiteStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsVPNStatus(list []state.VPNStatus, s state.VPNStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// replicaConfigured reports whether the local site appears in vname's
// static replica priority list.
func (c *Coordinator) replicaConfigured(vname string) bool {
	return c.Store.SiteOnPriorityList(c.Store.LocalSiteID(), vname)
}

// replicaDistance computes the distance described in spec.md §4.7's
// "Failover eligibility", grounded on node.py's _replica_distance. The
// eligible-replica list is restricted to sites currently Online whose
// local VPN record is Replica, matching the Python default restriction.
func (c *Coordinator) replicaDistance(from, to, vname string) (int, []string, bool) {
	rp := c.Store.ReplicaPriority(vname)
	if rp == nil {
		return 0, nil, false
	}

	eligible := c.findSites(vname, []state.VPNStatus{state.VPNReplica}, []state.SiteStatus{state.SiteOnline})

	p1, p2 := indexOf(rp, from), indexOf(rp, to)
	if p1 < 0 || p2 < 0 {
		return 0, eligible, false
	}

	if p1 == len(rp)-1 && p2 == 0 {
		return 1, eligible, true
	}
	return p2 - p1, eligible, true
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func (c *Coordinator) setStatus(ctx context.Context, vname string, status state.VPNStatus, broadcast bool) {
	c.Store.SetStatus(c.Store.LocalSiteID(), vname, status)
	c.Metrics.SetVPNStatus(c.Store.LocalSiteID(), vname, string(status))
	if broadcast {
		c.broadcastState(ctx)
	}
}

// broadcastState pushes local state to every reachable peer, sequentially
// (spec.md §5 "Broadcasts are sequential across peers").
func (c *Coordinator) broadcastState(ctx context.Context) {
	for _, id := range c.Store.RemoteSiteIDs() {
		c.pushState(ctx, id)
	}
}

func (c *Coordinator) pushState(ctx context.Context, siteID string) {
	site, ok := c.Store.Site(siteID)
	if !ok {
		c.logger.Error("push_state: unknown peer", "site", siteID)
		return
	}
	if site.Status == state.SiteOffline {
		c.logger.Info("push_state: site is offline, skipping", "site", siteID)
		return
	}

	body, err := c.Store.EncodeState()
	if err != nil {
		c.logger.Error("push_state: encode failed", "err", err)
		return
	}

	if err := c.Peer.PushState(ctx, site, body); err != nil {
		c.logger.Warn("push_state: failed", "site", siteID, "err", err)
		c.Metrics.IncPushFailure(siteID)
	}
}

// PullState pulls from one remote site and feeds the (site,vpn,status)
// triples that site reports for itself into the first event processor;
// entries it carries for other sites are not fed. Grounded on node.py's
// pull_state.
func (c *Coordinator) PullState(ctx context.Context, siteID string) {
	site, ok := c.Store.Site(siteID)
	if !ok {
		c.logger.Error("pull_state failed: unknown site", "site", siteID)
		return
	}

	err := c.Peer.PullState(ctx, site, func(fromSite, vname string, status state.VPNStatus) {
		c.First.Add(fromSite, vname, status)
	})
	if err != nil {
		c.logger.Warn("pull_state: failed", "site", siteID, "err", err)
		c.Metrics.IncPullFailure(siteID)
	}
}

// local VPN lookup helper; returns (nil, false) if unknown.
func (c *Coordinator) localVPN(vname string) (*state.VPN, bool) {
	return c.Store.LocalVPN(vname)
}

func (c *Coordinator) mustLocalVPN(vname string) (*state.VPN, error) {
	v, ok := c.localVPN(vname)
	if !ok {
		return nil, fmt.Errorf("local VPN not found: %s", vname)
	}
	return v, nil
}
