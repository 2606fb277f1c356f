// Command vpn-coordinator runs the per-site anycast VPN coordinator
// described in spec.md, grounded in CLI shape on the teacher's flag-based
// main.go and in config loading on the Python prototype's dynvpn.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/defgrid/vpn-coordinator/internal/config"
	"github.com/defgrid/vpn-coordinator/internal/controlapi"
	"github.com/defgrid/vpn-coordinator/internal/coordinator"
	"github.com/defgrid/vpn-coordinator/internal/execc"
	"github.com/defgrid/vpn-coordinator/internal/lockreg"
	"github.com/defgrid/vpn-coordinator/internal/metrics"
	"github.com/defgrid/vpn-coordinator/internal/peerproto"
	"github.com/defgrid/vpn-coordinator/internal/state"
	"github.com/defgrid/vpn-coordinator/internal/supervisor"
)

func main() {
	siteID := flag.String("site-id", "", "override site_id from local config")
	localConfigPath := flag.String("local-config", "local.yml", "path to local.yml")
	globalConfigPath := flag.String("global-config", "global.yml", "path to global.yml")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level, err := charmlog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %s\n", *logLevel, err)
		os.Exit(1)
	}

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	resolved, err := loadConfig(*localConfigPath, *globalConfigPath, *siteID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error:\n%s\n", err)
		os.Exit(1)
	}

	locks := lockreg.NewRegistry()
	store := state.Build(resolved, locks, logger)
	m := metrics.New()
	tasks := supervisor.New(locks, m, logger.WithPrefix("supervisor"))
	executor := execc.New(resolved.ScriptPath, logger.WithPrefix("execc"))

	client := peerproto.NewClient(resolved.LocalSiteID, nil, logger.WithPrefix("peerproto"))
	coord := coordinator.New(store, locks, tasks, executor, client, m, resolved, logger.WithPrefix("coordinator"))
	client.Bind(coord)

	peerServer := peerproto.NewServer(coord, logger.WithPrefix("peerproto"))
	requestTimeout := time.Duration(resolved.DefaultTimeout) * time.Second
	api := controlapi.New(coord, requestTimeout, logger.WithPrefix("controlapi"))

	local := store.LocalSite()
	peerMux := http.NewServeMux()
	peerMux.Handle("/peer/", peerServer.Handler())
	peerMux.Handle("/metrics", m.Handler())
	peerMux.Handle("/", api.Handler())

	addr := fmt.Sprintf("%s:%d", local.PeerAddr, local.PeerPort)
	httpServer := &http.Server{Addr: addr, Handler: peerMux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", "err", err)
		}
	}()

	ctx := context.Background()
	tasks.Add(ctx, "start", func(taskCtx context.Context) error {
		return coord.Start(taskCtx)
	})

	tasks.Run()
	os.Exit(0)
}

func loadConfig(localPath, globalPath, siteIDOverride string) (*config.Resolved, error) {
	local, err := config.LoadLocal(localPath)
	if err != nil {
		return nil, err
	}
	if siteIDOverride != "" {
		local.SiteID = siteIDOverride
	}

	global, err := config.GlobalFromFile(globalPath)
	if err != nil {
		return nil, err
	}

	return config.Resolve(local, global)
}
