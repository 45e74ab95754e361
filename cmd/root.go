package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/logging"
	verpkg "github.com/avhub/avhub/internal/version"
)

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

const defaultConfigPath = "/etc/avhub/config.yaml"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "avhub",
		Short:         "Discovery and lifecycle hub for local and network AV capture devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			base := logging.Base("avhub", logLevel, logFormat)
			ctx := base.WithContext(cmd.Context())
			cmd.SetContext(ctx)

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, console")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newCheckCmd())

	// Add version command using built-in cobra version
	rootCmd.Version = verpkg.GetVersion()
	rootCmd.SetVersionTemplate("avhub " + verpkg.GetVersion())

	return rootCmd
}

// loadConfig resolves the config file from the --config flag, the
// AVHUB_CONFIG environment variable or the default path, in that order.
// A missing file at the default path falls back to built-in defaults;
// an explicitly passed path must exist.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("AVHUB_CONFIG")
	}

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), nil
	}

	return cfg, err
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}