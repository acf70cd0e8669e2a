// Package cmd builds the markscan command tree.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markscan/markscan/cmd/inspect"
	"github.com/markscan/markscan/cmd/records"
	"github.com/markscan/markscan/cmd/serve"
	"github.com/markscan/markscan/internal/buildinfo"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/telemetry"
)

const telemetryFlushTimeout = 2 * time.Second

// RootCommand creates the root command. Subcommands share settings, which is
// filled from config before any of them runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configFile string
	build := buildinfo.Current()

	rootCmd := &cobra.Command{
		Use:          "markscan",
		Short:        "MarkScan visual inspection service",
		Long:         "Inspect component photos for marking defects, keep an inspection history and serve both over HTTP.",
		Version:      build.String(),
		SilenceUsage: true,
	}

	setupFlags(rootCmd, &configFile)

	rootCmd.AddCommand(
		serve.Command(settings),
		inspect.Command(settings),
		records.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Shell completion needs no config
		if cmd.HasParent() && cmd.Parent().Name() == "completion" {
			return nil
		}
		if err := conf.BindFlags(cmd.Flags()); err != nil {
			return err
		}
		return initialize(configFile, settings, build)
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(telemetryFlushTimeout)
		_ = logger.Global().Flush()
	}

	return rootCmd
}

// initialize loads settings and starts logging and error reporting.
func initialize(configFile string, settings *conf.Settings, build *buildinfo.Context) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	log := logger.Global().Module("main")
	log.Debug("configuration loaded",
		logger.String("version", build.Version()),
		logger.String("revision", build.Revision()))

	// Error reporting is optional, a bad DSN must not stop inspections
	if err := telemetry.InitSentry(settings, build.Version()); err != nil {
		log.Warn("error reporting not started", logger.Error(err))
	}
	return nil
}

func setupFlags(rootCmd *cobra.Command, configFile *string) {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/markscan, /etc/markscan)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	cobra.CheckErr(conf.MarkConfigFlag(flags, "debug", "debug"))
}
