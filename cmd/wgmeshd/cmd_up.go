package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wgmeshd/wgmeshd/internal/config"
	"github.com/wgmeshd/wgmeshd/internal/control"
	"github.com/wgmeshd/wgmeshd/internal/coordinator"
	"github.com/wgmeshd/wgmeshd/internal/device"
	"github.com/wgmeshd/wgmeshd/internal/metrics"
	"github.com/wgmeshd/wgmeshd/internal/netmanager"
)

var upCmd = &cobra.Command{
	Use:   "up <interface>",
	Short: "Join the mesh",
	Long: `Start wgmeshd: bind the authenticated UDP control transport, create (or
reuse) the named WireGuard interface, and run the coordinator's event loop
until interrupted.

Requires privileges for interface creation:
  sudo wgmeshd up wg0 -c network.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	ifaceName := args[0]

	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.WGName != ifaceName {
		globalLogger.Warn("config wgName differs from interface argument, using the argument", "config_wg_name", cfg.WGName, "arg", ifaceName)
		cfg.WGName = ifaceName
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := device.New(cfg.WGName, globalLogger)
	mgr := netmanager.New(cfg, globalLogger)
	co := coordinator.New(cfg, mgr, dev, globalLogger)

	registry := prometheus.NewRegistry()
	mx := metrics.New()
	mx.Register(registry)
	co.SetMetrics(mx)

	ctrl := control.NewServer(control.ResolveSocketPath(), mgr.Status, registry, globalLogger)
	co.SetControlServer(ctrl)

	globalLogger.Info("starting wgmeshd", "interface", cfg.WGName, "wg_ip", cfg.WGIP, "config", globalConfigPath)

	if err := co.Run(ctx); err != nil {
		return fmt.Errorf("run loop: %w", err)
	}
	return nil
}
