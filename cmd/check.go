package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and local scan tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			source := cfg.Path
			if source == "" {
				source = "built-in defaults"
			}

			log.Info().Str("config", source).Msg("configuration valid")

			checkScanners(ctx, cfg)
			checkLocalTools(ctx)

			if cfg.Store.IsEnabled() {
				if err := checkStorePath(cfg.Store.Path); err != nil {
					log.Err(err).Str("path", cfg.Store.Path).Msg("store path not writable")

					return err
				}

				log.Info().Str("path", cfg.Store.Path).Msg("store path writable")
			}

			log.Info().Msg("system check completed")

			return nil
		},
	}

	return cmd
}

// checkScanners reports which configured discovery methods can run on
// this host. An unavailable scanner is skipped at runtime, so this is
// informational.
func checkScanners(ctx context.Context, cfg *config.Config) {
	log := zerolog.Ctx(ctx)

	for _, domain := range []devices.Domain{devices.DomainLocal, devices.DomainNetwork} {
		scanners, err := discovery.NewScanners(cfg, domain)
		if err != nil {
			log.Err(err).Str("domain", string(domain)).Msg("scanner setup failed")

			continue
		}

		for _, sc := range scanners {
			if sc.Available(ctx) {
				log.Info().Str("domain", string(domain)).Str("protocol", sc.Protocol()).Msg("scanner available")
			} else {
				log.Warn().Str("domain", string(domain)).Str("protocol", sc.Protocol()).Msg("scanner unavailable on this host")
			}
		}
	}
}

// checkLocalTools looks for the optional capture tooling that enriches
// local scans. Both scanners degrade gracefully without them.
func checkLocalTools(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for _, tool := range []string{"v4l2-ctl", "arecord"} {
		if _, err := exec.LookPath(tool); err != nil {
			log.Warn().Str("tool", tool).Msg("tool not found, local scans lose metadata")

			continue
		}

		log.Debug().Str("tool", tool).Msg("tool found")
	}
}

func checkStorePath(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}