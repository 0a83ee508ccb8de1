package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthanhphan/atapp/internal/adminserver"
	"github.com/anthanhphan/atapp/internal/config"
	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/discovery"
	"github.com/anthanhphan/atapp/internal/endpoint"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/gatewaymatcher"
	"github.com/anthanhphan/atapp/internal/identity"
	"github.com/anthanhphan/atapp/internal/lifecycle"
	"github.com/anthanhphan/atapp/internal/netaddr"
	"github.com/anthanhphan/atapp/internal/obslog"
	"github.com/anthanhphan/atapp/internal/pidfile"
	"github.com/anthanhphan/atapp/internal/router"
	"github.com/anthanhphan/atapp/internal/transport/grpcbus"
	"github.com/anthanhphan/atapp/pkg/clock"
	"github.com/anthanhphan/atapp/pkg/idgen"
	"github.com/anthanhphan/atapp/pkg/resilience"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Initialize and run this node",
	RunE:  runStart,
}

// instanceCommandHandler dispatches the admin endpoint's stop/reload
// handshake onto the running Lifecycle. reload reparses configPath so
// spec.md §4.5's "requests a timer reset if the tick interval changed" has
// something to compare against.
type instanceCommandHandler struct {
	lc            *lifecycle.Lifecycle
	retainPidfile *bool
	configPath    string
}

func (h *instanceCommandHandler) HandleCommand(cmd string, args []string, upgrade bool) ([]string, error) {
	switch cmd {
	case "stop":
		if upgrade {
			*h.retainPidfile = true
		}
		h.lc.Stop()
		return []string{"stop requested"}, nil
	case "reload":
		if upgrade {
			*h.retainPidfile = true
		}
		changed, err := h.reparseTickInterval()
		if err != nil {
			return nil, err
		}
		if err := h.lc.Reload(changed); err != nil {
			return nil, err
		}
		return []string{"reload requested"}, nil
	default:
		return nil, fmt.Errorf("unrecognized command %q %v", cmd, args)
	}
}

// reparseTickInterval reloads configPath from disk and applies
// atapp.timer.tick_interval to the running Lifecycle, reporting whether it
// actually differs from the value the main loop is currently ticking on.
func (h *instanceCommandHandler) reparseTickInterval() (bool, error) {
	cfg, err := config.Load(h.configPath)
	if err != nil {
		return false, errs.Wrap(err, "reparse configuration")
	}
	return h.lc.SetTickInterval(cfg.Timer.TickInterval.AsDuration()), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return errs.Wrap(err, "load configuration")
	}
	if err := applyGlobalFlags(cfg); err != nil {
		return err
	}

	if err := obslog.Init(cfg.Log); err != nil {
		return errs.Wrap(err, "init logging")
	}
	defer obslog.Sync()

	logWriter, closeLog, err := startupLogWriter()
	if err != nil {
		return errs.Wrap(err, "open startup log")
	}
	defer closeLog()
	fmt.Fprintf(logWriter, "atapp starting: id=%d name=%s\n", cfg.App.ID, cfg.App.Name)

	if err := pidfile.Write(flags.pidPath); err != nil {
		return err
	}
	retainPidfile := false

	local := gatewaymatcher.LocalMeta{
		Hostname:      cfg.App.Hostname,
		NamespaceName: cfg.Metadata.NamespaceName,
		Labels:        cfg.Metadata.Labels,
	}

	discoverySet, err := buildDiscoverySet(cfg)
	if err != nil {
		return errs.Wrap(err, "start discovery")
	}

	pool := resilience.NewWorkerPool(8, 64)
	defer pool.Close()

	bus := grpcbus.New(cfg.App.ID, cfg.App.Name, pool)
	registry := connector.NewRegistry()
	registry.Register(bus)

	seq, err := idgen.New(int64(cfg.App.ID&0x3FF), nil)
	if err != nil {
		return errs.Wrap(err, "init sequence generator")
	}

	rt := router.New(router.Config{
		Limits: endpoint.Limits{
			SendBufferNumber: cfg.Bus.SendBufferNumber,
			SendBufferSize:   int(cfg.Bus.SendBufferSize),
			MessageTimeout:   cfg.Timer.MessageTimeout.AsDuration(),
		},
		FallbackEnabled: true,
	}, registry, discoverySet, local, seq)
	rt.SetLegacyConnector(bus)
	bus.SetRequestHandler(rt)

	lc := lifecycle.New(lifecycle.Config{
		TickInterval: cfg.Timer.TickInterval.AsDuration(),
		StopTimeout:  cfg.Timer.StopTimeout.AsDuration(),
		LoopTimes:    cfg.Bus.LoopTimes,
	}, rt, bus)
	lc.WatchSignals()

	ctx := context.Background()
	for _, addr := range cfg.Bus.Listen {
		if err := bus.StartListen(ctx, addr); err != nil {
			return errs.Wrap(err, "listen on "+addr)
		}
	}

	admin := adminserver.NewServer(cfg.Admin.Listen, &instanceCommandHandler{
		lc:            lc,
		retainPidfile: &retainPidfile,
		configPath:    flags.configPath,
	})
	go func() {
		if err := admin.Start(); err != nil {
			obslog.Warnw("admin server stopped", "error", err.Error())
		}
	}()
	defer admin.Stop(context.Background())

	if err := lc.Init(); err != nil {
		return errs.Wrap(err, "init lifecycle")
	}

	var source clock.Source = clock.SystemSource{}
	if cfg.Bus.RedisClock != "" {
		source = clock.NewRedisSource(cfg.Bus.RedisClock)
	}
	runMainLoop(lc, source)

	shouldRemovePidfile := cfg.RemovePidfileAfterExit && !retainPidfile
	var removeFn func()
	if shouldRemovePidfile {
		removeFn = func() {
			if err := pidfile.Remove(flags.pidPath); err != nil {
				obslog.Warnw("failed to remove pidfile", "error", err.Error())
			}
		}
	}
	lc.PostDrain(removeFn)

	return nil
}

// runMainLoop drives Tick until DrainShutdown reports every module
// drained, matching spec.md §4.6's tick-then-drain sequencing. source
// supplies "now": the system clock by default, or a Redis-backed clock
// when atapp.bus.redis_clock names a shared Redis instance. Each iteration
// checks ConsumeResetTimer so a reload that changed atapp.timer.tick_interval
// re-enters timer setup with the new interval instead of ticking on the one
// captured at start (spec.md §4.5).
func runMainLoop(lc *lifecycle.Lifecycle, source clock.Source) {
	ticker := time.NewTicker(lc.TickInterval())
	defer ticker.Stop()

	for {
		lc.DrainSignals()

		if lc.ConsumeResetTimer() {
			ticker.Stop()
			ticker = time.NewTicker(lc.TickInterval())
		}

		if lc.State()&lifecycle.StateStopping != 0 {
			if lc.DrainShutdown(source.Now()) {
				return
			}
			continue
		}

		active, err := lc.Tick(source.Now())
		if err != nil {
			obslog.Warnw("tick error", "error", err.Error())
		}
		if active > 0 {
			continue
		}

		<-ticker.C
	}
}

func applyGlobalFlags(cfg *config.Config) error {
	if flags.id != "" {
		id, err := identity.ParseDottedID(flags.id, flags.idMask)
		if err != nil {
			return errs.Wrap(err, "parse -id/-id-mask")
		}
		cfg.App.ID = id
	}
	if flags.upgrade {
		cfg.RemovePidfileAfterExit = false
	}
	return nil
}

func buildDiscoverySet(cfg *config.Config) (discovery.Set, error) {
	bindHost, bindPort := "0.0.0.0", 0
	for _, raw := range cfg.Bus.Listen {
		addr, err := netaddr.Parse(raw)
		if err != nil || addr.Port == 0 {
			continue
		}
		bindHost, bindPort = addr.Host, addr.Port+1
		break
	}

	gateways := make([]discovery.Gateway, 0, len(cfg.Bus.Gateways))
	for _, gw := range cfg.Bus.Gateways {
		gateways = append(gateways, discovery.Gateway{
			Address:         gw.Address,
			MatchHosts:      gw.MatchHosts,
			MatchNamespaces: gw.MatchNamespaces,
			MatchLabels:     gw.MatchLabels,
		})
	}

	set, err := discovery.NewMemberlistSet(discovery.MemberlistConfig{
		NodeID:   cfg.App.ID,
		NodeName: cfg.App.Name,
		BindAddr: bindHost,
		BindPort: bindPort,
		Gateways: gateways,
	})
	if err != nil {
		return nil, err
	}
	if err := set.Join(cfg.Bus.Subnets); err != nil {
		obslog.Warnw("failed to join discovery seeds", "error", err.Error())
	}
	return set, nil
}
