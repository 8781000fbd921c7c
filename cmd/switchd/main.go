// switchd: switch control-plane daemon. It watches the configuration store
// and drives the datapath provider plugins until the model matches it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/bufmon"
	"github.com/glennswest/switchd/pkg/config"
	"github.com/glennswest/switchd/pkg/copp"
	"github.com/glennswest/switchd/pkg/engine"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/stats"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/subsystem"

	// Built-in plugins register themselves.
	_ "github.com/glennswest/switchd/pkg/asic/softasic"
	_ "github.com/glennswest/switchd/pkg/lswitch"
	_ "github.com/glennswest/switchd/pkg/maclearn"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	overrides := config.Default()

	cmd := &cobra.Command{
		Use:           "switchd",
		Short:         "Switch control-plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Path(configPath))
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &cfg, overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := logger.Sugar()
			log.Infow("starting switchd", "version", version)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "configuration file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	f.StringVar(&overrides.PluginsDir, "plugins-dir", overrides.PluginsDir, "directory searched for plugin modules, \"none\" to disable")
	f.StringVar(&overrides.ManifestDir, "manifest-dir", overrides.ManifestDir, "root of the platform plugin manifests")
	f.StringVar(&overrides.StorePath, "store", overrides.StorePath, "store snapshot file, empty to run without one")
	f.StringVar(&overrides.MetricsAddr, "metrics-addr", overrides.MetricsAddr, "metrics listen address, empty to disable")
	f.StringVar(&overrides.LogLevel, "log-level", overrides.LogLevel, "debug, info, warn or error")
	f.BoolVar(&overrides.Debug, "debug", overrides.Debug, "development logging")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config, set config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "plugins-dir":
			cfg.PluginsDir = set.PluginsDir
		case "manifest-dir":
			cfg.ManifestDir = set.ManifestDir
		case "store":
			cfg.StorePath = set.StorePath
		case "metrics-addr":
			cfg.MetricsAddr = set.MetricsAddr
		case "log-level":
			cfg.LogLevel = set.LogLevel
		case "debug":
			cfg.Debug = set.Debug
		}
	})
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	st := store.New(log)
	if err := st.Load(cfg.StorePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading store: %w", err)
	}

	h := &plugins.Host{
		Log:        log,
		Extensions: extension.NewRegistry(),
		Buses:      blocks.New(log),
		Store:      st,
		Netdevs:    netdev.NewRegistry(),
		Classes:    asic.NewClasses(),
	}

	loader := plugins.NewLoader(h, cfg.PluginsDir, cfg.ManifestDir, plugins.DMIInventory{})
	if err := loader.Discover(); err != nil {
		return err
	}
	loader.Init(ctx)
	loader.NetdevRegister()
	loader.OfprotoRegister()
	loader.BufmonRegister()
	log.Infow("plugins ready", "plugins", loader.Names())

	eng := engine.New(engine.Options{Host: h, Plugins: loader, LockName: cfg.LockName})
	metrics := stats.NewMetrics()
	sweepOpts := stats.Options{Interval: cfg.StatsInterval, Metrics: metrics}
	if sub, ok := loader.Plugin(subsystem.PluginName).(*subsystem.Plugin); ok {
		sweepOpts.Subsystems = sub
	}
	eng.AddJob(stats.New(log, st, h.Buses, eng.World(), sweepOpts))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer loader.Destroy()
		return eng.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, metrics, log) })
	}
	if cfg.StorePath != "" && cfg.SnapshotInterval > 0 {
		g.Go(func() error { return saveLoop(ctx, st, cfg.StorePath, cfg.SnapshotInterval, log) })
	}

	err := g.Wait()
	if serr := st.Save(cfg.StorePath); serr != nil {
		log.Warnw("saving store snapshot", "path", cfg.StorePath, "error", serr)
	}
	log.Info("switchd stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, m *stats.Metrics, log *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(blocks.Collectors()...)
	reg.MustRegister(m.Collectors()...)
	reg.MustRegister(copp.Collectors()...)
	reg.MustRegister(bufmon.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// saveLoop writes the store snapshot periodically. Saves only read
// committed rows, so they do not go through the main loop.
func saveLoop(ctx context.Context, st *store.Store, path string, every time.Duration, log *zap.SugaredLogger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var saved uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s := st.Seqno(); s != saved {
			if err := st.Save(path); err != nil {
				log.Warnw("saving store snapshot", "path", path, "error", err)
				continue
			}
			saved = s
		}
	}
}
