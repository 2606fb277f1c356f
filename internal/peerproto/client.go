// Package peerproto implements the HTTP push/pull gossip protocol of
// spec.md §4.6, grounded on the Python prototype's dynvpn_http.py (both
// client and server). It is explicit request/response, not membership
// gossip, which is why SPEC_FULL.md drops hashicorp/memberlist in favor
// of a plain net/http client/server pair routed with gorilla/mux.
package peerproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

// SiteStatusSetter is implemented by *coordinator.Coordinator; declared
// here to avoid an import cycle (peerproto must not import coordinator).
type SiteStatusSetter interface {
	HandleSiteStatus(ctx context.Context, siteID string, status state.SiteStatus)
}

// Client implements coordinator.PeerClient structurally.
type Client struct {
	localSiteID string
	siteStatus  SiteStatusSetter
	logger      *log.Logger
}

func NewClient(localSiteID string, siteStatus SiteStatusSetter, logger *log.Logger) *Client {
	return &Client{localSiteID: localSiteID, siteStatus: siteStatus, logger: logger}
}

// Bind sets the SiteStatusSetter after construction, for the common
// wiring order where the coordinator (which implements SiteStatusSetter)
// must itself be constructed with this Client already in hand.
func (c *Client) Bind(siteStatus SiteStatusSetter) {
	c.siteStatus = siteStatus
}

// PushState is a fire-and-forget POST with a total timeout equal to the
// target site's pull_timeout. Grounded on dynvpn_http.client.push_state:
// never retries (the periodic puller reconciles).
func (c *Client) PushState(ctx context.Context, site *state.Site, body []byte) error {
	timeout := time.Duration(site.PullTimeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/peer/push_state", site.PeerAddr, site.PeerPort)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("push_state(%s): failed to connect: %w", site.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		c.logger.Error("push_state: error response", "site", site.ID, "status", resp.StatusCode, "body", string(text))
	}
	return nil
}

// PullState GETs the peer's state with a per-site timeout, retrying up
// to pull_retries times before marking the site Offline, grounded on
// dynvpn_http.client.pull_state.
func (c *Client) PullState(ctx context.Context, site *state.Site, handler func(siteID, vname string, status state.VPNStatus)) error {
	timeout := time.Duration(site.PullTimeout) * time.Second

	attempts := site.PullRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := c.pullOnce(ctx, site, timeout, handler); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	c.logger.Warn("pull_state: failed to connect", "site", site.ID, "err", lastErr)
	c.siteStatus.HandleSiteStatus(ctx, site.ID, state.SiteOffline)
	return lastErr
}

func (c *Client) pullOnce(ctx context.Context, site *state.Site, timeout time.Duration, handler func(siteID, vname string, status state.VPNStatus)) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/peer/pull_state", site.PeerAddr, site.PeerPort)
	payload, _ := json.Marshal(map[string]string{"site_id": c.localSiteID})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull_state(%s): non-200 response %d", site.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	c.siteStatus.HandleSiteStatus(ctx, site.ID, state.SiteOnline)

	_, _, err = state.DecodeState(body, func(siteID, vname string, status state.VPNStatus) {
		if siteID == site.ID {
			handler(siteID, vname, status)
		}
	})
	return err
}
