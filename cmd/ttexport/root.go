package main

import (
	"os"

	"github.com/spf13/cobra"

	"ttexport/internal/config"
	appLog "ttexport/internal/log"
)

const defaultConfigPath = "/etc/ttexport/config.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

var rootOpts rootOptions

var rootCmd = &cobra.Command{
	Use:   "ttexport",
	Short: "Exports TimeTree calendars to ICS files on a schedule",
	Long: `ttexport signs in to TimeTree, pulls the events of one calendar per
configured tenant and writes them as an iCalendar (.ics) document.

It can run as:
  - a long-running service that re-exports on a schedule (serve)
  - a one-shot export of every tenant (once)`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "ttexport version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootOpts.configPath, "config", defaultConfigPath, "path to config.yaml")
	pf.StringVar(&rootOpts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.StringVar(&rootOpts.logFormat, "log-format", "", "override log format (text, json)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newOnceCmd())
	rootCmd.AddCommand(newCalendarsCmd())
	rootCmd.AddCommand(newInspectCmd())
}

// loadConfig reads the config file and applies the logging flags.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(rootOpts.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", rootOpts.configPath)
		return nil, err
	}
	if rootOpts.logLevel != "" {
		conf.LogLevel = rootOpts.logLevel
	}
	if rootOpts.logFormat != "" {
		conf.LogFormat = rootOpts.logFormat
	}
	appLog.Configure(os.Stderr, conf.LogFormat, appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

// productID is the PRODID written into exported documents.
func productID() string {
	return "-//TimeTree Exporter " + version + "//EN"
}
