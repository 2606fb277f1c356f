package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ReplicaMode is the process-wide automatic-demotion policy (spec.md §3).
type ReplicaMode string

const (
	ReplicaModeAuto     ReplicaMode = "Auto"
	ReplicaModeManual   ReplicaMode = "Manual"
	ReplicaModeDisabled ReplicaMode = "Disabled"
)

func (m ReplicaMode) Valid() bool {
	switch m {
	case ReplicaModeAuto, ReplicaModeManual, ReplicaModeDisabled:
		return true
	default:
		return false
	}
}

// Local holds the per-site settings loaded from local.yml, generalized from
// the teacher's HCL-tagged Config struct (defgrid-openvpn-peer/config.go)
// to YAML, with env overrides kept in the same shape the teacher used
// (ConfigFromEnv + Override).
type Local struct {
	SiteID      string `yaml:"site_id" envconfig:"SITE_ID"`
	ScriptPath  string `yaml:"script_path" envconfig:"SCRIPT_PATH"`
	LocalVPNDir string `yaml:"local_vpn_dir" envconfig:"LOCAL_VPN_DIR"`

	ReplicaMode ReplicaMode `yaml:"replica_mode" envconfig:"REPLICA_MODE"`

	PullInterval int `yaml:"pull_interval" envconfig:"PULL_INTERVAL"`
	PullTimeout  int `yaml:"pull_timeout" envconfig:"PULL_TIMEOUT"`
	PullRetries  int `yaml:"pull_retries" envconfig:"PULL_RETRIES"`

	LocalVPNCheckInterval int `yaml:"local_vpn_check_interval" envconfig:"LOCAL_VPN_CHECK_INTERVAL"`
	LocalVPNCheckTimeout  int `yaml:"local_vpn_check_timeout" envconfig:"LOCAL_VPN_CHECK_TIMEOUT"`
	LocalVPNCheckRetries  int `yaml:"local_vpn_check_retries" envconfig:"LOCAL_VPN_CHECK_RETRIES"`

	FailedStatusTimeout int `yaml:"failed_status_timeout" envconfig:"FAILED_STATUS_TIMEOUT"`
	FailureRetries      int `yaml:"failure_retries" envconfig:"FAILURE_RETRIES"`

	DefaultTimeout   int `yaml:"default_timeout" envconfig:"DEFAULT_TIMEOUT"`
	OnlineCheckDelay int `yaml:"online_check_delay" envconfig:"ONLINE_CHECK_DELAY"`
}

// localDefaults mirrors the Python prototype's local_defaults dict in
// dynvpn/src/dynvpn/__init__.py: applied to every key that is still zero
// after loading, so a key set to 0 in the document is treated the same as
// an absent one.
var localDefaults = Local{
	FailedStatusTimeout:   0,
	LocalVPNCheckInterval: 10,
	LocalVPNCheckTimeout:  3,
	LocalVPNCheckRetries:  1,
	PullInterval:          30,
	PullTimeout:           10,
}

func LocalFromFile(filename string) (*Local, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", filename, err)
	}

	ret := &Local{}
	if err := yaml.Unmarshal(raw, ret); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", filename, err)
	}

	applyLocalDefaults(ret)
	return ret, nil
}

func applyLocalDefaults(l *Local) {
	if l.FailedStatusTimeout == 0 {
		l.FailedStatusTimeout = localDefaults.FailedStatusTimeout
	}
	if l.LocalVPNCheckInterval == 0 {
		l.LocalVPNCheckInterval = localDefaults.LocalVPNCheckInterval
	}
	if l.LocalVPNCheckTimeout == 0 {
		l.LocalVPNCheckTimeout = localDefaults.LocalVPNCheckTimeout
	}
	if l.LocalVPNCheckRetries == 0 {
		l.LocalVPNCheckRetries = localDefaults.LocalVPNCheckRetries
	}
	if l.PullInterval == 0 {
		l.PullInterval = localDefaults.PullInterval
	}
	if l.PullTimeout == 0 {
		l.PullTimeout = localDefaults.PullTimeout
	}
}

// LocalFromEnv reads overrides from the environment (DYNVPN_ prefix),
// the way the teacher's ConfigFromEnv does with OPENVPN_PEER_.
func LocalFromEnv() (*Local, error) {
	ret := &Local{}
	if err := envconfig.Process("dynvpn", ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Override copies any non-zero field from other onto l, matching the
// teacher's Config.Override merge semantics.
func (l *Local) Override(other *Local) {
	if other.SiteID != "" {
		l.SiteID = other.SiteID
	}
	if other.ScriptPath != "" {
		l.ScriptPath = other.ScriptPath
	}
	if other.LocalVPNDir != "" {
		l.LocalVPNDir = other.LocalVPNDir
	}
	if other.ReplicaMode != "" {
		l.ReplicaMode = other.ReplicaMode
	}
	if other.PullInterval != 0 {
		l.PullInterval = other.PullInterval
	}
	if other.PullTimeout != 0 {
		l.PullTimeout = other.PullTimeout
	}
	if other.PullRetries != 0 {
		l.PullRetries = other.PullRetries
	}
	if other.LocalVPNCheckInterval != 0 {
		l.LocalVPNCheckInterval = other.LocalVPNCheckInterval
	}
	if other.LocalVPNCheckTimeout != 0 {
		l.LocalVPNCheckTimeout = other.LocalVPNCheckTimeout
	}
	if other.LocalVPNCheckRetries != 0 {
		l.LocalVPNCheckRetries = other.LocalVPNCheckRetries
	}
	if other.FailedStatusTimeout != 0 {
		l.FailedStatusTimeout = other.FailedStatusTimeout
	}
	if other.FailureRetries != 0 {
		l.FailureRetries = other.FailureRetries
	}
	if other.DefaultTimeout != 0 {
		l.DefaultTimeout = other.DefaultTimeout
	}
	if other.OnlineCheckDelay != 0 {
		l.OnlineCheckDelay = other.OnlineCheckDelay
	}
}

// LoadLocal loads local.yml and layers environment overrides on top: any
// non-zero DYNVPN_ variable replaces the value from the file.
func LoadLocal(filename string) (*Local, error) {
	envCfg, err := LocalFromEnv()
	if err != nil {
		return nil, err
	}

	fileCfg, err := LocalFromFile(filename)
	if err != nil {
		return nil, err
	}

	fileCfg.Override(envCfg)
	return fileCfg, nil
}
