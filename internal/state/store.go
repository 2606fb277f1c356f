// Package state implements the in-memory state store of spec.md §4.5: a
// map from site id to site record, each holding a map from VPN name to
// VPN record. Grounded on the Python prototype's vpn_t/site_t dataclasses
// and node.py's _encode_state/_decode_state (common.py, node.py).
package state

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/defgrid/vpn-coordinator/internal/lockreg"
)

// VPN is a single VPN record (spec.md §3). Lock is non-nil iff SiteID
// equals the store's local site id (invariant I4).
type VPN struct {
	Name        string
	SiteID      string
	LocalAddr   net.IP
	AnycastAddr net.IP
	Status      VPNStatus
	Lock        *lockreg.Lock
}

// Site is a single site record (spec.md §3).
type Site struct {
	ID          string
	PeerAddr    net.IP
	PeerPort    int
	GatewayAddr net.IP
	VPN         map[string]*VPN
	Status      SiteStatus

	// Non-zero only for non-local sites.
	PullInterval int
	PullTimeout  int
	PullRetries  int
}

// Store is the process-wide state store. All mutators lock mu; callers
// performing multi-step sequences (coordinator transitions) additionally
// hold the relevant VPN's lock per spec.md I5, but Store itself stays
// internally consistent regardless.
type Store struct {
	mu          sync.RWMutex
	localSiteID string
	replicaMode ReplicaMode
	sites       map[string]*Site

	// replicaPriority[vpn] is the static, ordered list of site ids from
	// highest to lowest priority (spec.md §3 "Replica priority").
	replicaPriority map[string][]string
}

func NewStore(localSiteID string, mode ReplicaMode, sites map[string]*Site, replicaPriority map[string][]string) *Store {
	return &Store{
		localSiteID:     localSiteID,
		replicaMode:     mode,
		sites:           sites,
		replicaPriority: replicaPriority,
	}
}

func (s *Store) LocalSiteID() string { return s.localSiteID }

func (s *Store) ReplicaMode() ReplicaMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicaMode
}

// SetReplicaMode implements POST /set_replica_mode (spec.md §4.8).
func (s *Store) SetReplicaMode(mode ReplicaMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaMode = mode
}

func (s *Store) Site(id string) (*Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	return site, ok
}

func (s *Store) LocalSite() *Site {
	site, _ := s.Site(s.localSiteID)
	return site
}

// SiteIDs returns every known site id in unspecified order.
func (s *Store) SiteIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sites))
	for id := range s.sites {
		out = append(out, id)
	}
	return out
}

// RemoteSiteIDs returns every site id other than the local one.
func (s *Store) RemoteSiteIDs() []string {
	out := make([]string, 0)
	for _, id := range s.SiteIDs() {
		if id != s.localSiteID {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) SetSiteStatus(id string, status SiteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site, ok := s.sites[id]; ok {
		site.Status = status
	}
}

// VPNAt returns the VPN record for name on site id, if both exist.
func (s *Store) VPNAt(siteID, name string) (*VPN, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return nil, false
	}
	v, ok := site.VPN[name]
	return v, ok
}

// LocalVPN returns the VPN record on the local site, if present.
func (s *Store) LocalVPN(name string) (*VPN, bool) {
	return s.VPNAt(s.localSiteID, name)
}

// SetStatus mutates a VPN's status in place. Callers hold the relevant
// VPN lock for compound transitions (spec.md I5); this method itself is
// just the store-level write.
func (s *Store) SetStatus(siteID, name string, status VPNStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site, ok := s.sites[siteID]; ok {
		if v, ok := site.VPN[name]; ok {
			v.Status = status
		}
	}
}

// LocalVPNNames returns the names of every VPN hosted on the local site.
func (s *Store) LocalVPNNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	local, ok := s.sites[s.localSiteID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(local.VPN))
	for n := range local.VPN {
		names = append(names, n)
	}
	return names
}

// ReplicaPriority returns the static priority list for a VPN name, or nil.
func (s *Store) ReplicaPriority(vpnName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicaPriority[vpnName]
}

// SiteOnPriorityList reports whether siteID appears in vpnName's replica
// priority list (false when vpnName has no list).
func (s *Store) SiteOnPriorityList(siteID, vpnName string) bool {
	for _, id := range s.ReplicaPriority(vpnName) {
		if id == siteID {
			return true
		}
	}
	return false
}

// --- encode_state / decode_state (spec.md §4.5) ---

type wireDoc struct {
	ID          string              `json:"id"`
	ReplicaMode string              `json:"replica_mode"`
	State       map[string]wireSite `json:"state"`
}

type wireSite struct {
	ID  string            `json:"id"`
	VPN map[string]string `json:"vpn"`
}

// EncodeState produces the JSON document described in spec.md §4.5.
func (s *Store) EncodeState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := wireDoc{
		ID:          s.localSiteID,
		ReplicaMode: string(s.replicaMode),
		State:       make(map[string]wireSite, len(s.sites)),
	}

	for id, site := range s.sites {
		ws := wireSite{ID: id, VPN: make(map[string]string, len(site.VPN))}
		for name, v := range site.VPN {
			ws.VPN[name] = string(v.Status)
		}
		doc.State[id] = ws
	}

	return json.MarshalIndent(doc, "", "    ")
}

// DecodeState parses a received state document and invokes apply for each
// (site_id, vpn_name, status) triple in it, so the caller (the
// peer-protocol server, or pull_state) can feed the first event processor;
// it does not mutate any Store itself. It rejects unknown status strings
// per spec.md §4.5.
func DecodeState(body []byte, apply func(siteID, vpnName string, status VPNStatus)) (string, ReplicaMode, error) {
	var doc wireDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", "", fmt.Errorf("decode_state: %w", err)
	}

	mode, err := parseReplicaMode(doc.ReplicaMode)
	if err != nil {
		return "", "", fmt.Errorf("decode_state: %w", err)
	}

	for siteID, ws := range doc.State {
		for vpnName, statusStr := range ws.VPN {
			status, err := ParseVPNStatus(statusStr)
			if err != nil {
				return "", "", fmt.Errorf("decode_state: site %s vpn %s: %w", siteID, vpnName, err)
			}
			apply(siteID, vpnName, status)
		}
	}

	return doc.ID, mode, nil
}

func parseReplicaMode(s string) (ReplicaMode, error) {
	switch ReplicaMode(s) {
	case ReplicaAuto, ReplicaManual, ReplicaDisabled:
		return ReplicaMode(s), nil
	default:
		return "", fmt.Errorf("unknown replica_mode %q", s)
	}
}
