package config

import (
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// SiteConfig is one entry under global.yml's `sites` map.
type SiteConfig struct {
	PeerAddr         string `yaml:"peer_addr"`
	PeerPort         int    `yaml:"peer_port"`
	GatewayAddr      string `yaml:"gateway_addr"`
	VPNLocalAddrBase string `yaml:"vpn_local_addr_base"`
	VPN              []int  `yaml:"vpn"`
}

// Global holds the cluster-wide settings loaded from global.yml.
type Global struct {
	VPNAnycastAddrBase string                 `yaml:"vpn_anycast_addr_base"`
	Sites              map[string]SiteConfig  `yaml:"sites"`
	ReplicaPriority    map[string][]string    `yaml:"replica_priority"`
}

func GlobalFromFile(filename string) (*Global, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", filename, err)
	}

	ret := &Global{}
	if err := yaml.Unmarshal(raw, ret); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", filename, err)
	}

	return ret, nil
}

// ResolvedVPN is a fully-derived VPN record computed from configuration:
// name, anycast address, and (when present) the local address on the
// owning site's bridge.
type ResolvedVPN struct {
	Name        string
	NumericID   int
	AnycastAddr net.IP
	LocalAddr   net.IP // nil unless this record belongs to the owning site
}

// ResolvedSite mirrors spec.md §3's Site record shape, minus runtime state
// (status, locks) which belongs to internal/state.
type ResolvedSite struct {
	ID          string
	PeerAddr    net.IP
	PeerPort    int
	GatewayAddr net.IP
	VPN         map[string]ResolvedVPN

	// zero for the local site
	PullInterval int
	PullTimeout  int
	PullRetries  int
}

// Resolved is the fully-validated, address-derived configuration ready to
// build the state store and coordinator from.
type Resolved struct {
	LocalSiteID     string
	ReplicaMode     ReplicaMode
	Sites           map[string]ResolvedSite
	ReplicaPriority map[string][]string

	ScriptPath       string
	LocalVPNDir      string
	DefaultTimeout   int
	OnlineCheckDelay int

	LocalVPNCheckInterval int
	LocalVPNCheckTimeout  int
	LocalVPNCheckRetries  int

	FailedStatusTimeout int
	FailureRetries      int
}

// Resolve validates local and global configuration together and derives
// every VPN's name and addresses using the base+numeric_id IPv4 arithmetic
// from addressing.go. All validation errors are collected via
// go-multierror so a single run reports every problem, per SPEC_FULL.md §A.2.
func Resolve(local *Local, global *Global) (*Resolved, error) {
	var errs *multierror.Error

	if !local.ReplicaMode.Valid() {
		errs = multierror.Append(errs, fmt.Errorf(
			"replica_mode must be one of Auto, Manual, or Disabled, but was %q", local.ReplicaMode))
	}
	if local.SiteID == "" {
		errs = multierror.Append(errs, fmt.Errorf("site_id is required"))
	}
	if local.ScriptPath == "" {
		errs = multierror.Append(errs, fmt.Errorf("script_path is required"))
	}
	if local.LocalVPNDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("local_vpn_dir is required"))
	}

	anycastBase := net.ParseIP(global.VPNAnycastAddrBase)
	if anycastBase == nil {
		errs = multierror.Append(errs, fmt.Errorf(
			"vpn_anycast_addr_base %q is not a valid IPv4 address", global.VPNAnycastAddrBase))
	}

	if _, ok := global.Sites[local.SiteID]; !ok {
		errs = multierror.Append(errs, fmt.Errorf(
			"local site %q not present in global config sites", local.SiteID))
	}

	sites := make(map[string]ResolvedSite, len(global.Sites))

	for siteID, sc := range global.Sites {
		peerAddr := net.ParseIP(sc.PeerAddr)
		if peerAddr == nil {
			errs = multierror.Append(errs, fmt.Errorf("site %s: peer_addr %q invalid", siteID, sc.PeerAddr))
		}
		gatewayAddr := net.ParseIP(sc.GatewayAddr)
		if gatewayAddr == nil {
			errs = multierror.Append(errs, fmt.Errorf("site %s: gateway_addr %q invalid", siteID, sc.GatewayAddr))
		}

		var localBase net.IP
		if sc.VPNLocalAddrBase != "" {
			localBase = net.ParseIP(sc.VPNLocalAddrBase)
			if localBase == nil {
				errs = multierror.Append(errs, fmt.Errorf("site %s: vpn_local_addr_base %q invalid", siteID, sc.VPNLocalAddrBase))
			}
		}

		vpns := make(map[string]ResolvedVPN, len(sc.VPN))
		if anycastBase != nil {
			for _, numericID := range sc.VPN {
				name := vpnName(numericID)

				anycastAddr, err := addIPv4(anycastBase, numericID)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("site %s vpn %s: %w", siteID, name, err))
					continue
				}

				rv := ResolvedVPN{Name: name, NumericID: numericID, AnycastAddr: anycastAddr}

				if siteID == local.SiteID {
					if localBase == nil {
						errs = multierror.Append(errs, fmt.Errorf(
							"site %s vpn %s: vpn_local_addr_base required for the local site", siteID, name))
					} else {
						localAddr, err := addIPv4(localBase, numericID)
						if err != nil {
							errs = multierror.Append(errs, fmt.Errorf("site %s vpn %s: %w", siteID, name, err))
						} else {
							rv.LocalAddr = localAddr
						}
					}
				}

				vpns[name] = rv
			}
		}

		rs := ResolvedSite{
			ID:          siteID,
			PeerAddr:    peerAddr,
			GatewayAddr: gatewayAddr,
			PeerPort:    sc.PeerPort,
			VPN:         vpns,
		}

		if siteID != local.SiteID {
			rs.PullInterval = local.PullInterval
			rs.PullTimeout = local.PullTimeout
			rs.PullRetries = local.PullRetries
		}

		sites[siteID] = rs
	}

	if errs.ErrorOrNil() != nil {
		return nil, errs
	}

	return &Resolved{
		LocalSiteID:           local.SiteID,
		ReplicaMode:           local.ReplicaMode,
		Sites:                 sites,
		ReplicaPriority:       global.ReplicaPriority,
		ScriptPath:            local.ScriptPath,
		LocalVPNDir:           local.LocalVPNDir,
		DefaultTimeout:        local.DefaultTimeout,
		OnlineCheckDelay:      local.OnlineCheckDelay,
		LocalVPNCheckInterval: local.LocalVPNCheckInterval,
		LocalVPNCheckTimeout:  local.LocalVPNCheckTimeout,
		LocalVPNCheckRetries:  local.LocalVPNCheckRetries,
		FailedStatusTimeout:   local.FailedStatusTimeout,
		FailureRetries:        local.FailureRetries,
	}, nil
}
