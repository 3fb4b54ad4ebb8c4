package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/outpost/pkg/api"
	"github.com/cuemby/outpost/pkg/cdn"
	"github.com/cuemby/outpost/pkg/config"
	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/events"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/manager"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/network"
	"github.com/cuemby/outpost/pkg/readiness"
	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/relay"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/tunnel"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Expose the configured domains",
	Long: `Run reconciles every exposure in the configuration file until
interrupted. The file is reloaded when it changes or on SIGHUP.

On SIGINT or SIGTERM every relay is torn down unless teardown_on_exit is false,
in which case the next start attaches to the relays that were left running.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("status-listen", "", "Status endpoint address (overrides status.listen)")
	runCmd.Flags().Bool("teardown-on-exit", true, "Tear relays down on shutdown")
	mustBind(runCmd.Flags(), map[string]string{
		"status-listen":    "status.listen",
		"teardown-on-exit": "teardown_on_exit",
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	path := settings.GetString("config")
	cfg, err := config.Load(path, settings)
	if err != nil {
		return err
	}
	log.Init(cfg.LogSettings())
	logger := log.WithComponent("main")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("config")
	metrics.RegisterComponent("config", true, path)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker(200)
	broker.Start()
	defer broker.Stop()

	strategies := &manager.Strategies{
		CDN: cdn.Config{Binary: cfg.CDN.Binary, ConfigDir: cfg.CDN.ConfigDir},
	}

	var (
		stacks manager.StackStore
		owner  string
	)
	if cfg.HasProvider(types.ProviderAWS) {
		rt, err := startRelayRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		strategies.Relay = rt.cfg
		strategies.RelayDeps = rt.deps
		stacks = rt.deps.Deployer
		owner = rt.cfg.Owner
	}

	mgr := manager.New(reconcilerConfig(cfg), strategies.New, stacks, owner, broker)

	if cfg.Status.Listen != "" {
		status := api.NewServer(mgr, broker, Version)
		if err := status.Start(cfg.Status.Listen); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Shutdown(sctx)
		}()
	}

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	watcher := config.NewWatcher(path, settings)
	go func() {
		err := watcher.Run(ctx, func(next *config.Config, err error) {
			if err != nil {
				broker.Emit(events.EventConfigRejected, "", err.Error(), nil)
				return
			}
			if next.HasProvider(types.ProviderAWS) && strategies.RelayDeps == nil {
				logger.Warn().Msg("aws exposures were added; restart outpost to enable the aws provider")
			}
			broker.Emit(events.EventConfigReloaded, "", fmt.Sprintf("%d exposures", len(next.Exposures)), nil)
			mgr.Apply(next.Desired())
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Configuration reload disabled")
		}
	}()

	logger.Info().
		Str("version", Version).
		Int("exposures", len(cfg.Exposures)).
		Bool("teardown_on_exit", cfg.TeardownOnExit).
		Msg("Outpost started")

	err = mgr.Run(ctx, cfg.Desired())
	logger.Info().Msg("Shutdown complete")
	return err
}

func reconcilerConfig(cfg *config.Config) reconciler.Config {
	return reconciler.Config{
		Interval:              cfg.Reconcile.Interval,
		DegradedRedeployAfter: cfg.Reconcile.DegradedRedeployAfter,
		WatchdogInterval:      cfg.Watchdog.Interval,
		WatchdogThreshold:     cfg.Watchdog.Threshold,
		TeardownOnExit:        cfg.TeardownOnExit,
		ShutdownTimeout:       cfg.Reconcile.ShutdownTimeout,
	}
}

// relayRuntime holds the components shared by every aws exposure
type relayRuntime struct {
	cfg     relay.Config
	deps    *relay.Deps
	tunnels *tunnel.Supervisor
}

// shapingModules are the kernel modules tc needs for the bandwidth limits
var shapingModules = struct{ upload, download []string }{
	upload:   []string{"sch_htb"},
	download: []string{"sch_htb", "ifb", "act_mirred"},
}

func startRelayRuntime(ctx context.Context, cfg *config.Config) (*relayRuntime, error) {
	logger := log.WithComponent("main")

	ok, err := network.HasNetAdmin("/proc/self/status")
	if err != nil {
		return nil, fmt.Errorf("failed to check capabilities: %w", err)
	}
	if !ok {
		return nil, errors.New("aws exposures need CAP_NET_ADMIN to manage WireGuard interfaces and iptables rules")
	}
	if err := checkShapingModules(cfg, "/proc/modules", "/sys/module"); err != nil {
		return nil, err
	}

	d, err := deployer.NewFromAWS(ctx, deployer.Config{
		Region:          cfg.AWS.Region,
		MaxAttempts:     cfg.Deploy.MaxAttempts,
		InitialInterval: cfg.Deploy.InitialInterval,
		MaxInterval:     cfg.Deploy.MaxInterval,
		PollInterval:    cfg.Deploy.PollInterval,
		ServiceRoleARN:  cfg.AWS.ServiceRoleARN,
	})
	if err != nil {
		return nil, err
	}

	metrics.SetCriticalComponents("config", "readiness")
	if d.ServiceRole() == "" {
		arn, err := d.EnsureServiceRole(ctx)
		if err != nil {
			metrics.RegisterComponent("readiness", false, err.Error())
			return nil, fmt.Errorf("cloudformation service role: %w", err)
		}
		d.SetServiceRole(arn)
	}
	logger.Info().Str("role_arn", d.ServiceRole()).Msg("Relay stacks use CloudFormation service role")

	detector := network.NewIPDetector(cfg.Origin.IPEchoURL)
	owner, err := resolveOwner(ctx, cfg, detector)
	if err != nil {
		return nil, err
	}

	gate := readiness.NewGate(d, readiness.GateConfig{
		PollInterval:      cfg.Deploy.PollInterval,
		RequestsPerSecond: cfg.Readiness.RequestsPerSecond,
		Burst:             cfg.Readiness.Burst,
	})
	metrics.RegisterComponent("readiness", true, "polling wait conditions as "+d.ServiceRole())

	tunnels, err := tunnel.NewKernelSupervisor(tunnel.Config{
		InterfacePrefix:   cfg.Tunnel.Interface,
		StaleAfter:        cfg.Tunnel.StaleAfter,
		MaxAttempts:       cfg.Tunnel.MaxAttempts,
		RetryInterval:     tunnel.DefaultConfig().RetryInterval,
		UploadLimitMbps:   cfg.Tunnel.UploadLimitMbps,
		DownloadLimitMbps: cfg.Tunnel.DownloadLimitMbps,
	})
	if err != nil {
		return nil, err
	}

	return &relayRuntime{
		cfg: relay.Config{
			Region:            cfg.AWS.Region,
			HostedZoneID:      cfg.AWS.HostedZoneID,
			InstanceType:      cfg.AWS.InstanceType,
			OriginPublicIP:    cfg.Origin.PublicIP,
			Owner:             owner,
			ListenPort:        cfg.Tunnel.ListenPort,
			AgentURL:          cfg.Relay.AgentURL,
			AgentSHA256:       cfg.Relay.AgentSHA256,
			WatchdogInterval:  cfg.Relay.WatchdogInterval,
			WatchdogThreshold: cfg.Relay.WatchdogThreshold,
			ReadinessTimeout:  cfg.Readiness.Timeout,
			VerifyDNS:         cfg.Relay.VerifyDNS,
			DNSTimeout:        cfg.Relay.DNSTimeout,
		},
		deps: &relay.Deps{
			Keys:      keys.NewManager(),
			Builder:   template.NewBuilder(),
			Deployer:  d,
			Gate:      gate,
			Tunnels:   tunnels,
			Subnets:   tunnel.NewAllocator(),
			Forwarder: network.NewForwarder(network.ExecRunner{}),
			PublicIP:  detector,
		},
		tunnels: tunnels,
	}, nil
}

func (rt *relayRuntime) close() {
	_ = rt.tunnels.Close()
}

// checkShapingModules fails when a bandwidth limit is configured but the
// kernel lacks a module tc needs for it
func checkShapingModules(cfg *config.Config, procModules, sysModule string) error {
	var names []string
	switch {
	case cfg.Tunnel.DownloadLimitMbps > 0:
		names = shapingModules.download
	case cfg.Tunnel.UploadLimitMbps > 0:
		names = shapingModules.upload
	default:
		return nil
	}

	missing, err := network.MissingModules(procModules, sysModule, names...)
	if err != nil {
		return fmt.Errorf("failed to check kernel modules: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("bandwidth limits need kernel modules %s; load them with modprobe", strings.Join(missing, ", "))
	}
	return nil
}

// resolveOwner is the id tagged on this origin's stacks: origin.id, or else the
// origin's public address, detected when not configured
func resolveOwner(ctx context.Context, cfg *config.Config, detector relay.IPSource) (string, error) {
	if cfg.Origin.ID != "" {
		return cfg.Origin.ID, nil
	}

	ip := cfg.Origin.PublicIP
	if ip == "" {
		addr, err := detector.Detect(ctx)
		if err != nil {
			return "", fmt.Errorf("cannot derive origin.id: %w", err)
		}
		ip = addr.String()
	}
	return ownerOf(cfg, ip), nil
}

func ownerOf(cfg *config.Config, publicIP string) string {
	if cfg.Origin.ID != "" {
		return cfg.Origin.ID
	}
	return publicIP
}
