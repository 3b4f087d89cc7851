// Package health determines whether a just-started service has become
// reachable. It is a liveness probe only: a Healthy outcome means something
// accepted a TCP connection on the port, not that the service works.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	DefaultHost     = "localhost"
	DefaultAttempts = 30
	DefaultInterval = time.Second
	DefaultTimeout  = time.Second
)

// Outcome is the terminal result of one monitoring run.
type Outcome int

const (
	Healthy Outcome = iota
	TimedOut
	ProcessExited
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Healthy:
		return "healthy"
	case TimedOut:
		return "timed_out"
	case ProcessExited:
		return "process_exited"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config holds liveness probe settings.
type Config struct {
	Host     string
	Port     int
	Attempts int           // iterations before giving up
	Interval time.Duration // wait after each failed probe
	Timeout  time.Duration // per-probe connect timeout
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Prober checks whether addr accepts connections.
type Prober interface {
	Probe(ctx context.Context, addr string, timeout time.Duration) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr string, timeout time.Duration) error

func (f ProberFunc) Probe(ctx context.Context, addr string, timeout time.Duration) error {
	return f(ctx, addr, timeout)
}

// TCPProber succeeds when a TCP connection can be established.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

// Report is produced once per monitoring run.
type Report struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

// Monitor runs one bounded liveness check after a service launch.
type Monitor struct {
	cfg    Config
	prober Prober
	logger *slog.Logger
}

// NewMonitor creates a monitor. A nil prober uses TCPProber.
func NewMonitor(cfg Config, prober Prober, logger *slog.Logger) *Monitor {
	if prober == nil {
		prober = TCPProber{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg.withDefaults(),
		prober: prober,
		logger: logger,
	}
}

// Run polls until the port accepts a connection, the process exits, the
// attempts run out, or ctx is cancelled. exited must be closed when the
// process being monitored has exited.
func (m *Monitor) Run(ctx context.Context, exited <-chan struct{}) Report {
	start := time.Now()
	addr := m.cfg.Addr()
	var lastErr error

	done := func(o Outcome, attempts int) Report {
		return Report{
			Outcome:  o,
			Attempts: attempts,
			Elapsed:  time.Since(start),
			LastErr:  lastErr,
		}
	}

	wait := time.NewTimer(m.cfg.Interval)
	defer wait.Stop()

	for i := 1; i <= m.cfg.Attempts; i++ {
		select {
		case <-exited:
			return done(ProcessExited, i-1)
		default:
		}
		if ctx.Err() != nil {
			return done(Cancelled, i-1)
		}

		err := m.prober.Probe(ctx, addr, m.cfg.Timeout)
		if err == nil {
			return done(Healthy, i)
		}
		if ctx.Err() != nil {
			return done(Cancelled, i)
		}
		lastErr = err
		m.logger.Debug("liveness probe failed", "addr", addr, "attempt", i, "error", err)

		wait.Reset(m.cfg.Interval)
		select {
		case <-ctx.Done():
			return done(Cancelled, i)
		case <-exited:
			return done(ProcessExited, i)
		case <-wait.C:
		}
	}

	select {
	case <-exited:
		return done(ProcessExited, m.cfg.Attempts)
	default:
	}
	return done(TimedOut, m.cfg.Attempts)
}
