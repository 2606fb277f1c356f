package coordinator

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/defgrid/vpn-coordinator/internal/config"
	"github.com/defgrid/vpn-coordinator/internal/execc"
	"github.com/defgrid/vpn-coordinator/internal/lockreg"
	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

func writeOKScript(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
}

// newRestartFixture builds a Coordinator wired to real (stubbed) scripts so
// VPNRestart can be driven end to end, including its interaction with the
// health checker task.
func newRestartFixture(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"vpn-set-offline.sh", "vpn-set-online.sh", "vpn-check-online.sh", "check-pid.sh", "add-vpn-route.sh", "delete-vpn-route.sh"} {
		writeOKScript(t, dir, name)
	}

	v := &state.VPN{
		Name:        "dynvpn1",
		SiteID:      "site-a",
		LocalAddr:   net.ParseIP("10.1.0.1"),
		AnycastAddr: net.ParseIP("10.0.0.1"),
		Status:      state.VPNOnline,
		Lock:        lockreg.New("dynvpn1", nil),
	}
	site := &state.Site{
		ID:          "site-a",
		GatewayAddr: net.ParseIP("10.0.0.254"),
		VPN:         map[string]*state.VPN{"dynvpn1": v},
	}
	store := state.NewStore("site-a", state.ReplicaAuto, map[string]*state.Site{"site-a": site}, nil)

	locks := lockreg.NewRegistry()
	logger := log.New(io.Discard)
	return &Coordinator{
		Store:  store,
		Locks:  locks,
		Tasks:  supervisor.New(locks, nil, logger),
		Exec:   execc.New(dir, logger),
		logger: logger,
		cfg: &config.Resolved{
			LocalVPNDir:           dir,
			LocalVPNCheckRetries:  0,
			LocalVPNCheckTimeout:  1,
			OnlineCheckDelay:      0,
			LocalVPNCheckInterval: 3600,
		},
	}
}

func TestVPNRestartStopsAndRestartsHealthChecker(t *testing.T) {
	c := newRestartFixture(t)

	ctx := context.Background()
	c.startCheckVPNTask(ctx, "dynvpn1")
	require.Eventually(t, func() bool { return c.Tasks.Find(checkVPNTaskName("dynvpn1")) }, time.Second, time.Millisecond)

	err := c.VPNRestart(ctx, "dynvpn1", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Tasks.Find(checkVPNTaskName("dynvpn1")) }, time.Second, time.Millisecond,
		"restart must leave the health checker running again, not permanently stopped")
}

func TestVPNRestartLeavesStatusAndRouteUntouched(t *testing.T) {
	c := newRestartFixture(t)
	ctx := context.Background()

	err := c.VPNRestart(ctx, "dynvpn1", true)
	require.NoError(t, err)

	v, ok := c.localVPN("dynvpn1")
	require.True(t, ok)
	require.Equal(t, state.VPNOnline, v.Status, "restart must not change the recorded status")
}
