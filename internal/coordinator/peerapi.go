package coordinator

import "github.com/defgrid/vpn-coordinator/internal/state"

// The methods below satisfy peerproto.Handler and peerproto.SiteStatusSetter
// structurally, letting the peer protocol server drive the coordinator
// without coordinator importing peerproto.

func (c *Coordinator) EncodeState() ([]byte, error) {
	return c.Store.EncodeState()
}

func (c *Coordinator) LocalSiteStatus() state.SiteStatus {
	return c.Store.LocalSite().Status
}

// EnqueuePeerVPNStatus feeds one (site, vpn, status) triple into the first
// event processor, used by the peer protocol server's push_state handler.
func (c *Coordinator) EnqueuePeerVPNStatus(siteID, vname string, status state.VPNStatus) {
	c.First.Add(siteID, vname, status)
}
