package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/benaskins/portvisor/internal/audit"
	"github.com/benaskins/portvisor/internal/config"
	"github.com/benaskins/portvisor/internal/driver"
	"github.com/benaskins/portvisor/internal/metrics"
	"github.com/benaskins/portvisor/internal/notify"
	"github.com/benaskins/portvisor/internal/registry"
	"github.com/benaskins/portvisor/internal/supervisor"
)

const preflightTimeout = 30 * time.Second

// runtimeEnv is an in-process supervisor with its observers.
type runtimeEnv struct {
	reg     *registry.Registry
	baseDir string
	sup     *supervisor.Supervisor
	history *notify.History
	metrics *metrics.Collector
	audit   *audit.Logger
}

// newRuntime performs the one-time startup initialization: load the registry,
// resolve the base directory and build the supervisor. The process working
// directory is left unchanged.
func newRuntime() (*runtimeEnv, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	baseDir, err := cfg.ResolveBaseDir()
	if err != nil {
		return nil, err
	}

	history := notify.NewHistory(0)
	collector := metrics.New(reg.IDs())
	sup := supervisor.New(reg,
		supervisor.WithBaseDir(baseDir),
		supervisor.WithSpawner(driver.NativeSpawner{LogDir: cfg.LogPath()}),
		supervisor.WithTimeouts(timeoutsFrom(cfg.Timeouts)),
		supervisor.WithObserver(history),
		supervisor.WithObserver(collector),
		supervisor.WithObserver(notify.NewLogObserver(slog.Default())),
	)
	collector.WatchProcesses(sup.Snapshot)

	// No audit log is not fatal; a nil logger discards.
	auditLog, err := audit.NewLogger(cfg.AuditPath())
	if err != nil {
		slog.Warn("audit log unavailable", "path", cfg.AuditPath(), "error", err)
	}

	slog.Info("supervisor ready", "services", reg.Len(), "base_dir", baseDir, "registry", registrySource())
	return &runtimeEnv{
		reg:     reg,
		baseDir: baseDir,
		sup:     sup,
		history: history,
		metrics: collector,
		audit:   auditLog,
	}, nil
}

// close stops the supervisor's background work and closes the audit log.
func (rt *runtimeEnv) close() {
	rt.sup.Close()
	rt.audit.Close()
}

func registrySource() string {
	if cfg.Registry == "" {
		return "built-in"
	}
	return cfg.Registry
}

func timeoutsFrom(t config.Timeouts) supervisor.Timeouts {
	return supervisor.Timeouts{
		ProbeTimeout:  t.Probe.Duration,
		ProbeInterval: t.ProbeInterval.Duration,
		ProbeAttempts: t.ProbeAttempts,
		GracePeriod:   t.GracePeriod.Duration,
		Stagger:       t.Stagger.Duration,
	}
}

// runPreflight runs the dependency check command in baseDir.
func runPreflight(ctx context.Context, argv []string, baseDir string) error {
	if len(argv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = baseDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
		}
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, lastLine(msg))
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// preflight runs the dependency check and reports a failure as a warning.
func (rt *runtimeEnv) preflight(ctx context.Context) {
	argv := cfg.PreflightCommand()
	if err := runPreflight(ctx, argv, rt.baseDir); err != nil {
		rt.sup.Note(slog.LevelWarn, fmt.Sprintf("dependency check failed, services may not start: %v", err))
		return
	}
	slog.Debug("dependency check passed", "command", argv)
}

// watchRegistry warns when the registry file changes on disk. The running
// registry is never reloaded.
func (rt *runtimeEnv) watchRegistry(ctx context.Context) {
	if cfg.Registry == "" {
		return
	}
	go func() {
		err := registry.Watch(ctx, cfg.Registry, func() {
			rt.sup.Note(slog.LevelWarn, fmt.Sprintf("registry %s changed on disk; restart portvisor to apply it", cfg.Registry))
		})
		if err != nil {
			slog.Warn("registry watch failed", "path", cfg.Registry, "error", err)
		}
	}()
}
