package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/portvisor/internal/config"
	"github.com/benaskins/portvisor/internal/registry"
)

var (
	flagConfig    string
	flagRegistry  string
	flagBaseDir   string
	flagSocket    string
	flagLogFormat string

	// cfg is loaded once before any command runs.
	cfg *config.Config
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.DefaultPath(), "config file")
	pf.StringVar(&flagRegistry, "registry", "", "service registry file (default: built-in services)")
	pf.StringVar(&flagBaseDir, "base-dir", "", "directory services are launched from")
	pf.StringVar(&flagSocket, "socket", "", "API socket path")
	pf.StringVar(&flagLogFormat, "log-format", "", `log format, "text" or "json" (default: text on a terminal)`)
}

// loadSettings reads the config file and applies flag overrides.
func loadSettings(cmd *cobra.Command) error {
	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagRegistry != "" {
		c.Registry = flagRegistry
	}
	if flagBaseDir != "" {
		c.BaseDir = flagBaseDir
	}
	if flagSocket != "" {
		c.Socket = flagSocket
	}
	if flagLogFormat != "" {
		c.LogFormat = flagLogFormat
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	cfg = c
	return nil
}

// loadRegistry returns the configured registry, or the built-in one.
func loadRegistry() (*registry.Registry, error) {
	if cfg.Registry == "" {
		return registry.Default(), nil
	}
	return registry.Load(cfg.Registry)
}
