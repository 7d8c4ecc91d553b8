package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/config"
	"github.com/entrhq/browseract/pkg/logging"
)

// Version is set at build time:
//
//	go build -ldflags "-X main.Version=1.2.0" ./cmd/browseract
var Version = "0.1.0"

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string

	// newDriver builds the browser driver; replaced in tests
	newDriver func(cfg *config.Config, log *logging.Logger) (browser.Driver, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper(), newDriver: driverFor}
	return c.rootCmd()
}

// newViper returns a viper instance reading BROWSERACT_* environment
// variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BROWSERACT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "browseract",
		Short: "Drive headless browsers: screenshots, PDFs and scripted page actions",
		Long: `browseract launches isolated browser sessions and runs typed actions
against them: navigate, click, fill, screenshot, PDF and script evaluation.

Configuration is read from --config (default ~/.browseract/config.yaml when
present). Flags and BROWSERACT_* environment variables override the file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "browseract %s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "config file (default ~/.browseract/config.yaml)")
	flags.String("driver", "", "automation backend: playwright or cdp")
	flags.String("engine", "", "browser engine: chromium, firefox or webkit")
	flags.Bool("headed", false, "show the browser window")
	flags.Duration("slow-mo", 0, "delay between page interactions, e.g. 250ms")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("log-console", false, "mirror log output to stderr")
	flags.Bool("allow-scripts", false, "enable the evaluate action")
	flags.Bool("trace", false, "print OpenTelemetry spans for every action to stderr")

	for key, name := range map[string]string{
		"driver":        "driver",
		"engine":        "engine",
		"headed":        "headed",
		"slow_mo":       "slow-mo",
		"log_level":     "log-level",
		"log_console":   "log-console",
		"allow_scripts": "allow-scripts",
		"trace":         "trace",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(
		c.screenshotCmd(),
		c.pdfCmd(),
		c.runCmd(),
		c.batchCmd(),
		c.serveCmd(),
		c.versionCmd(),
	)
	return root
}

// loadConfig reads the config file and applies flag and environment
// overrides.
func (c *cli) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.cfgFile != "" {
		cfg, err = config.Load(c.cfgFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	applyOverrides(c.v, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every key set by flag or environment into cfg.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("driver") {
		cfg.Driver = config.DriverKind(strings.ToLower(v.GetString("driver")))
	}
	if v.IsSet("engine") {
		cfg.Browser.Engine = v.GetString("engine")
	}
	if v.IsSet("headed") {
		cfg.Browser.Headless = !v.GetBool("headed")
	}
	if v.IsSet("slow_mo") {
		cfg.Browser.SlowMotion = v.GetDuration("slow_mo")
	}
	if v.IsSet("log_level") {
		cfg.Logging.Level = v.GetString("log_level")
	}
	if v.IsSet("log_console") {
		cfg.Logging.Console = v.GetBool("log_console")
	}
	if v.IsSet("allow_scripts") {
		cfg.Scripts.AllowEvaluate = v.GetBool("allow_scripts")
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "browseract %s\n", Version)
		},
	}
}
