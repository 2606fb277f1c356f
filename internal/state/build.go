package state

import (
	"github.com/charmbracelet/log"

	"github.com/defgrid/vpn-coordinator/internal/config"
	"github.com/defgrid/vpn-coordinator/internal/lockreg"
)

// Build constructs a Store from resolved configuration, creating one
// lockreg.Lock per local VPN (invariant I4) registered into locks.
func Build(resolved *config.Resolved, locks *lockreg.Registry, logger *log.Logger) *Store {
	sites := make(map[string]*Site, len(resolved.Sites))

	for id, rs := range resolved.Sites {
		site := &Site{
			ID:           rs.ID,
			PeerAddr:     rs.PeerAddr,
			PeerPort:     rs.PeerPort,
			GatewayAddr:  rs.GatewayAddr,
			VPN:          make(map[string]*VPN, len(rs.VPN)),
			Status:       SitePending,
			PullInterval: rs.PullInterval,
			PullTimeout:  rs.PullTimeout,
			PullRetries:  rs.PullRetries,
		}

		for name, rv := range rs.VPN {
			v := &VPN{
				Name:        rv.Name,
				SiteID:      rs.ID,
				LocalAddr:   rv.LocalAddr,
				AnycastAddr: rv.AnycastAddr,
				Status:      VPNPending,
			}
			if rs.ID == resolved.LocalSiteID {
				v.Lock = locks.Add(name, logger.WithPrefix("lock"))
			}
			site.VPN[name] = v
		}

		sites[id] = site
	}

	if local, ok := sites[resolved.LocalSiteID]; ok {
		local.Status = SiteOnline
	}

	return NewStore(resolved.LocalSiteID, ReplicaMode(resolved.ReplicaMode), sites, resolved.ReplicaPriority)
}
