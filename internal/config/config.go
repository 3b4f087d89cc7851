package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds supervisor configuration loaded from ~/.portvisor/config.yaml.
// Zero values mean "use the built-in default".
type Config struct {
	BaseDir   string   `yaml:"base_dir"`
	Registry  string   `yaml:"registry"`
	Socket    string   `yaml:"socket"`
	APIAddr   string   `yaml:"api_addr"`
	LogDir    string   `yaml:"log_dir"`
	AuditLog  string   `yaml:"audit_log"`
	LogFormat string   `yaml:"log_format"` // "text" | "json" | "" (auto)
	Preflight []string `yaml:"preflight"`
	AutoStart bool     `yaml:"auto_start"`
	Timeouts  Timeouts `yaml:"timeouts"`
}

// Timeouts overrides the supervisor's timing constants.
type Timeouts struct {
	Probe         Duration `yaml:"probe"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeAttempts int      `yaml:"probe_attempts"`
	GracePeriod   Duration `yaml:"grace_period"`
	Stagger       Duration `yaml:"stagger"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// DefaultPreflight checks that streamlit is importable.
var DefaultPreflight = []string{"python3", "-c", "import streamlit"}

// Home returns ~/.portvisor.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "portvisor")
	}
	return filepath.Join(home, ".portvisor")
}

// DefaultPath returns the default config file path: ~/.portvisor/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Timeouts.ProbeAttempts < 0 {
		return nil, fmt.Errorf("parsing config %s: timeouts.probe_attempts must not be negative", path)
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("parsing config %s: log_format must be \"text\" or \"json\", got %q", path, cfg.LogFormat)
	}
	return cfg, nil
}

// SocketPath returns the API socket path, defaulting to ~/.portvisor/portvisor.sock.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return filepath.Join(Home(), "portvisor.sock")
}

// LogPath returns the directory for service output logs, defaulting to
// ~/.portvisor/logs.
func (c *Config) LogPath() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return filepath.Join(Home(), "logs")
}

// AuditPath returns the operator audit log path, defaulting to
// ~/.portvisor/audit.log.
func (c *Config) AuditPath() string {
	if c.AuditLog != "" {
		return c.AuditLog
	}
	return filepath.Join(Home(), "audit.log")
}

// PreflightCommand returns the configured preflight argv, or the default.
func (c *Config) PreflightCommand() []string {
	if len(c.Preflight) > 0 {
		return c.Preflight
	}
	return DefaultPreflight
}

// ResolveBaseDir returns the absolute directory services are launched from.
// Precedence: base_dir, the registry file's directory, the working directory.
func (c *Config) ResolveBaseDir() (string, error) {
	dir := c.BaseDir
	if dir == "" && c.Registry != "" {
		dir = filepath.Dir(c.Registry)
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving base dir: %w", err)
		}
		dir = wd
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving base dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("base dir %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("base dir %s is not a directory", abs)
	}
	return abs, nil
}
