package coordinator

import (
	"context"
	"encoding/json"

	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

// HasLocalVPN reports whether vname is configured on the local site,
// used by the control API to reject unknown-VPN requests (spec.md §7
// "Admin request error").
func (c *Coordinator) HasLocalVPN(vname string) bool {
	_, ok := c.localVPN(vname)
	return ok
}

func (c *Coordinator) ReplicaMode() state.ReplicaMode {
	return c.Store.ReplicaMode()
}

func (c *Coordinator) SetReplicaMode(mode state.ReplicaMode) {
	c.Store.SetReplicaMode(mode)
}

// Shutdown stops every local VPN, marks all local statuses Offline, and
// sets the local site Offline, grounded on dynvpn_http.server.shutdown_handler.
// Each Offline status is broadcast to every reachable peer through the
// ordinary push path; on each peer the first event processor journals it
// and the second may trigger failover — intentional (spec.md §9(c)).
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, vname := range c.Store.LocalVPNNames() {
		token := supervisor.OwnerToken(ctx)
		v, _ := c.localVPN(vname)
		v.Lock.Acquire(token)
		err := c.setLocalVPNOffline(ctx, vname, true)
		c.setStatus(ctx, vname, state.VPNOffline, true)
		v.Lock.Release(token)
		if err != nil {
			c.logger.Error("shutdown: error stopping VPN", "vpn", vname, "err", err)
		}
	}

	c.Store.SetSiteStatus(c.Store.LocalSiteID(), state.SiteOffline)
	c.Metrics.SetSiteStatus(c.Store.LocalSiteID(), string(state.SiteOffline))
	return nil
}

type debugLockInfo struct {
	Status string `json:"status"`
	Task   string `json:"task"`
}

type debugTaskInfo struct {
	CorrelationID string `json:"correlation_id"`
	SpawnSite     string `json:"spawn_site"`
	SpawnedAt     string `json:"spawned_at"`
}

type debugDoc struct {
	Tasks map[string]debugTaskInfo `json:"tasks"`
	Locks map[string]debugLockInfo `json:"locks"`
}

// DebugState dumps the running task list and every local lock's
// {status, task}, grounded on dynvpn_http.server.task_state_handler and
// print.go's tabwriter-based dumps, adapted here to pretty JSON per
// spec.md §6 ("pretty-printed with 4-space indent for human debug
// endpoints").
func (c *Coordinator) DebugState() ([]byte, error) {
	doc := debugDoc{
		Tasks: make(map[string]debugTaskInfo),
		Locks: make(map[string]debugLockInfo),
	}

	for _, info := range c.Tasks.Debug() {
		doc.Tasks[info.Name] = debugTaskInfo{
			CorrelationID: info.CorrelationID,
			SpawnSite:     info.SpawnSite,
			SpawnedAt:     info.SpawnedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	for name, s := range c.Locks.Snapshot() {
		doc.Locks[name] = debugLockInfo{Status: s["status"], Task: s["task"]}
	}

	return json.MarshalIndent(doc, "", "    ")
}
