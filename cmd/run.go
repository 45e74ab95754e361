package cmd

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
	"github.com/avhub/avhub/internal/logging"
	"github.com/avhub/avhub/internal/manager"
	"github.com/avhub/avhub/internal/metrics"
	"github.com/avhub/avhub/internal/monitor"
	"github.com/avhub/avhub/internal/mqttbridge"
	"github.com/avhub/avhub/internal/opshttp"
	"github.com/avhub/avhub/internal/registry"
	"github.com/avhub/avhub/internal/store"
	"github.com/avhub/avhub/internal/version"
)

// logOptions carries log flags plus whether they were set explicitly;
// explicit flags override the config file.
type logOptions struct {
	level     string
	format    string
	levelSet  bool
	formatSet bool
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the avhub device hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			zerolog.Ctx(ctx).Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("avhub starting")

			metrics.RegisterCollectors()
			metrics.StartRateTicker()

			opts := logOptions{
				level:     logLevel,
				format:    logFormat,
				levelSet:  cmd.Flags().Changed("log-level"),
				formatSet: cmd.Flags().Changed("log-format"),
			}

			// A config file change tears the whole stack down and
			// rebuilds it from the fresh file.
			for {
				restart, err := runDaemon(ctx, opts)
				if err != nil {
					return err
				}

				if !restart {
					return nil
				}
			}
		},
	}

	return cmd
}

//nolint:cyclop,funlen // linear daemon assembly
func runDaemon(parent context.Context, opts logOptions) (bool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return false, err
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.levelSet {
		level = opts.level
	}

	if opts.formatSet {
		format = opts.format
	}

	base := logging.Base(cfg.AppName, level, format)

	ctx, cancel := context.WithCancel(base.WithContext(parent))
	defer cancel()

	log := zerolog.Ctx(ctx)

	metrics.SetService(cfg.AppName)
	log.Info().Str("config", cfg.Path).Msg("starting")

	b := bus.New(ctx)
	defer b.Close()

	domainConfigs := map[devices.Domain]*config.DomainConfig{
		devices.DomainLocal:   &cfg.LocalDevices.DomainConfig,
		devices.DomainNetwork: &cfg.NetworkDevices.DomainConfig,
	}

	registries := make(map[devices.Domain]*registry.Registry, len(domainConfigs))
	managers := make(map[devices.Domain]*manager.Manager, len(domainConfigs))

	for domain, dcfg := range domainConfigs {
		scanners, err := discovery.NewScanners(cfg, domain)
		if err != nil {
			return false, err
		}

		reg := registry.New(domain, b)
		mon := monitor.New(reg, monitor.ForDomain(domain, dcfg.ProbeDeadline()), dcfg)

		registries[domain] = reg
		managers[domain] = manager.New(reg, discovery.NewEngine(domain, scanners), mon, b, dcfg)
	}

	if cfg.Store.IsEnabled() {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return false, err
		}
		defer st.Close()

		for domain, reg := range registries {
			stored, err := st.Load(ctx, domain)
			if err != nil {
				return false, err
			}

			for _, d := range stored {
				if err := reg.Restore(d); err != nil {
					log.Warn().Err(err).Str("device", d.ID).Msg("restore failed")
				}
			}

			if len(stored) > 0 {
				log.Info().Str("domain", string(domain)).Int("devices", len(stored)).Msg("devices restored")
			}
		}

		if err := st.Subscribe(b); err != nil {
			return false, err
		}
	}

	for _, m := range managers {
		if err := m.Start(ctx); err != nil {
			return false, err
		}
	}

	defer func() {
		for _, m := range managers {
			m.Stop()
		}
	}()

	if cfg.HTTP.IsEnabled() {
		ops := opshttp.NewServer(cfg.HTTP.Listen, cfg, managers, b)
		if err := ops.Start(ctx); err != nil {
			return false, err
		}
	}

	if cfg.MQTT.Enabled {
		bridge := mqttbridge.New(&cfg.MQTT, b)
		if err := bridge.Start(ctx); err != nil {
			return false, err
		}
		defer bridge.Close()
	}

	var reloaded atomic.Bool

	if cfg.Path != "" {
		watcher, err := config.NewWatcher()
		if err != nil {
			return false, err
		}
		defer watcher.Close()

		watcher.OnReload(func(next *config.Config) {
			log.Info().Str("config", next.Path).Msg("config changed, restarting")
			reloaded.Store(true)
			cancel()
		})
		watcher.Watch(ctx, cfg.Path)
	}

	metrics.SetReady(true)
	defer metrics.SetReady(false)

	log.Info().Msg("avhub up")

	<-ctx.Done()

	return reloaded.Load() && parent.Err() == nil, nil
}