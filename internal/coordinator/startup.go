package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

// preOnlineSet is a mutex-guarded set of VPN names, grounded on spec.md
// §5's "thread-per-task model puts shared state behind a mutex": phase1
// and phase2 of Start run one goroutine per local VPN via
// parallelOverVPNs, so a plain map here would be a concurrent write.
type preOnlineSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newPreOnlineSet() *preOnlineSet {
	return &preOnlineSet{seen: make(map[string]bool)}
}

func (p *preOnlineSet) mark(vname string) {
	p.mu.Lock()
	p.seen[vname] = true
	p.mu.Unlock()
}

// takeAndClear reports whether vname was marked, clearing it either way so
// phase2 only acts on it once.
func (p *preOnlineSet) takeAndClear(vname string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasSet := p.seen[vname]
	delete(p.seen, vname)
	return wasSet
}

// Start runs the four-phase startup sequence of spec.md §4.7, grounded on
// node.py's _do_start, then launches the per-remote-site pullers. It is
// meant to be invoked as a supervised task (see cmd/vpn-coordinator) so
// that lock acquisition inside it carries a valid owner token.
func (c *Coordinator) Start(ctx context.Context) error {
	localVPNs := c.Store.LocalVPNNames()

	c.First.Activate()
	c.Second.SetDiscard(true)

	token := supervisor.OwnerToken(ctx)
	for _, name := range localVPNs {
		v, _ := c.localVPN(name)
		v.Lock.Acquire(token)
	}
	defer func() {
		for _, name := range localVPNs {
			v, _ := c.localVPN(name)
			v.Lock.Release(token)
		}
	}()

	preOnline := newPreOnlineSet()

	c.parallelOverVPNs(ctx, localVPNs, "start-phase1", func(taskCtx context.Context, vname string) error {
		if c.checkLocalVPNProcess(taskCtx, vname) {
			c.logger.Info("start: process exists at startup, checking connectivity", "vpn", vname)
			if c.checkLocalVPNConnectivity(taskCtx, vname) {
				c.logger.Info("start: connectivity check succeeded", "vpn", vname)
				preOnline.mark(vname)
			} else {
				c.logger.Info("start: connectivity check failed, killing stale process", "vpn", vname)
				return c.setLocalVPNOffline(taskCtx, vname, true)
			}
		}
		return nil
	})

	for _, id := range c.Store.RemoteSiteIDs() {
		c.PullState(ctx, id)
	}

	c.parallelOverVPNs(ctx, localVPNs, "start-phase2", func(taskCtx context.Context, vname string) error {
		if !preOnline.takeAndClear(vname) {
			return nil
		}

		if len(c.currentlyOnline(vname)) == 0 {
			c.logger.Info("start: no other replicas online, maintaining Online state", "vpn", vname)
			_, err := c.VPNOnline(taskCtx, vname, false, false, false, 0)
			return err
		}

		mode := c.Store.ReplicaMode()
		if mode == state.ReplicaAuto {
			c.logger.Info("start: peer is online, taking ours offline; status -> Replica", "vpn", vname)
			c.setStatus(taskCtx, vname, state.VPNReplica, false)
		} else {
			c.logger.Info("start: peer is online, taking ours offline; status -> Offline", "vpn", vname)
			c.setStatus(taskCtx, vname, state.VPNOffline, false)
		}
		return c.setLocalVPNOffline(taskCtx, vname, true)
	})

	c.parallelOverVPNs(ctx, localVPNs, "start-phase3", func(taskCtx context.Context, vname string) error {
		v, _ := c.localVPN(vname)
		if v.Status != state.VPNPending {
			return nil
		}

		onPriorityList := c.replicaConfigured(vname)
		firstPriority := false
		if rp := c.Store.ReplicaPriority(vname); len(rp) > 0 {
			firstPriority = rp[0] == c.Store.LocalSiteID()
		}

		if len(c.currentlyOnline(vname)) == 0 {
			if onPriorityList && firstPriority {
				c.logger.Info("start: local VPN is first in priority list, no peers Online, setting online", "vpn", vname)
				_, err := c.VPNOnline(taskCtx, vname, false, false, false, 0)
				return err
			}
			return nil
		}

		if c.checkLocalVPNConnectivity(taskCtx, vname) || c.checkLocalVPNProcess(taskCtx, vname) {
			c.logger.Info("start: peer is already online, stopping our connection", "vpn", vname)
			if err := c.setLocalVPNOffline(taskCtx, vname, true); err != nil {
				return err
			}
		}

		if c.Store.ReplicaMode() == state.ReplicaAuto {
			c.setStatus(taskCtx, vname, state.VPNReplica, false)
		} else {
			c.setStatus(taskCtx, vname, state.VPNOffline, false)
		}
		return nil
	})

	c.parallelOverVPNs(ctx, localVPNs, "start-phase4", func(taskCtx context.Context, vname string) error {
		v, _ := c.localVPN(vname)
		mode := c.Store.ReplicaMode()
		if mode == state.ReplicaAuto {
			if v.Status == state.VPNOffline || v.Status == state.VPNPending {
				c.setStatus(taskCtx, vname, state.VPNReplica, false)
			}
		} else if v.Status == state.VPNPending {
			c.setStatus(taskCtx, vname, state.VPNOffline, false)
		}
		return nil
	})

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	c.Second.Activate()
	c.Second.SetDiscard(false)

	for _, id := range c.Store.RemoteSiteIDs() {
		siteID := id
		c.Tasks.Add(context.Background(), siteID+"_pull-state", func(taskCtx context.Context) error {
			return c.pullStateLoop(taskCtx, siteID)
		})
	}

	return nil
}

// parallelOverVPNs fans out fn over items as supervised tasks and awaits
// them all, grounded on task_manager.py's iter_add_wait. Each error is
// logged rather than aborting the remaining items, matching the "Tasks
// ... log but do not re-raise" absorption rule of spec.md §7.
func (c *Coordinator) parallelOverVPNs(ctx context.Context, items []string, label string, fn func(context.Context, string) error) {
	var g errgroup.Group
	for _, item := range items {
		item := item
		g.Go(func() error {
			taskName := fmt.Sprintf("%s(%s)", label, item)
			err := c.Tasks.RunAndWait(ctx, taskName, func(taskCtx context.Context) error {
				return fn(taskCtx, item)
			})
			if err != nil {
				c.logger.Warn("startup phase step failed", "phase", label, "item", item, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// pullStateLoop is the per-remote-site puller of spec.md §4.6, grounded
// on node.py's pull_state_task: sleeps pull_interval, pulls, exits once
// the local site goes Offline.
func (c *Coordinator) pullStateLoop(ctx context.Context, siteID string) error {
	site, ok := c.Store.Site(siteID)
	if !ok {
		return nil
	}
	interval := time.Duration(site.PullInterval) * time.Second

	for {
		if c.Store.LocalSite().Status == state.SiteOffline {
			c.logger.Info("pull_state_task: detected local site Offline, exiting", "site", siteID)
			return nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}

		c.PullState(ctx, siteID)
	}
}
