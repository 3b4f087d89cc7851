// Package supervisor owns the lifecycle state of every registered service.
// It launches processes, runs one liveness check per launch, applies the
// check's result and tears processes down on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/portvisor/internal/driver"
	"github.com/benaskins/portvisor/internal/health"
	"github.com/benaskins/portvisor/internal/port"
	"github.com/benaskins/portvisor/internal/registry"
)

const (
	DefaultProbeTimeout  = time.Second
	DefaultProbeInterval = time.Second
	DefaultProbeAttempts = 30
	DefaultGracePeriod   = 5 * time.Second
	DefaultStagger       = 2 * time.Second
)

// Timeouts holds the supervisor's timing constants. Zero fields use the
// defaults.
type Timeouts struct {
	ProbeTimeout  time.Duration // per-probe connect timeout
	ProbeInterval time.Duration // delay between probes
	ProbeAttempts int           // probes before a launch is reported as timed out
	GracePeriod   time.Duration // wait after the graceful signal before killing
	Stagger       time.Duration // gap between launches in StartAll
}

// DefaultTimeouts returns the built-in timing constants.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ProbeTimeout:  DefaultProbeTimeout,
		ProbeInterval: DefaultProbeInterval,
		ProbeAttempts: DefaultProbeAttempts,
		GracePeriod:   DefaultGracePeriod,
		Stagger:       DefaultStagger,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = d.ProbeTimeout
	}
	if t.ProbeInterval <= 0 {
		t.ProbeInterval = d.ProbeInterval
	}
	if t.ProbeAttempts <= 0 {
		t.ProbeAttempts = d.ProbeAttempts
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = d.GracePeriod
	}
	if t.Stagger <= 0 {
		t.Stagger = d.Stagger
	}
	return t
}

// entry is the supervisor-owned record for one service.
type entry struct {
	index  int
	def    registry.Definition
	logger *slog.Logger

	// op serializes Start, Stop and Refresh for this service.
	op sync.Mutex

	// mu guards the fields below. Held only briefly.
	mu        sync.Mutex
	state     State
	proc      driver.Process
	last      driver.Process // most recent process, kept for output after exit
	startedAt time.Time
	gen       uint64
	cancel    context.CancelFunc // cancels the outstanding liveness check
	lastErr   string
	lastExit  *driver.ExitInfo
}

func (e *entry) live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc != nil
}

type healthReport struct {
	index  int
	gen    uint64
	report health.Report
}

// Supervisor manages every service in a registry.
type Supervisor struct {
	reg       *registry.Registry
	entries   []*entry
	spawner   driver.Spawner
	prober    health.Prober
	timeouts  Timeouts
	baseDir   string
	portCheck func(port int) bool
	logger    *slog.Logger
	observers []Observer

	notify  *dispatcher
	reports chan healthReport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu sync.RWMutex
	closed bool
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithSpawner sets how processes are launched. Defaults to driver.NativeSpawner.
func WithSpawner(sp driver.Spawner) Option {
	return func(s *Supervisor) {
		s.spawner = sp
	}
}

// WithProber sets the liveness prober. Defaults to health.TCPProber.
func WithProber(p health.Prober) Option {
	return func(s *Supervisor) {
		s.prober = p
	}
}

// WithTimeouts overrides timing constants.
func WithTimeouts(t Timeouts) Option {
	return func(s *Supervisor) {
		s.timeouts = t.withDefaults()
	}
}

// WithBaseDir sets the directory services are launched from and entry
// scripts are resolved against. Without it the working directory is used.
func WithBaseDir(dir string) Option {
	return func(s *Supervisor) {
		s.baseDir = dir
	}
}

// WithObserver subscribes obs before any notification is emitted.
func WithObserver(obs Observer) Option {
	return func(s *Supervisor) {
		s.observers = append(s.observers, obs)
	}
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithPortCheck sets the function used to detect a foreign listener on a
// service's port before launch. Defaults to port.InUse.
func WithPortCheck(fn func(port int) bool) Option {
	return func(s *Supervisor) {
		s.portCheck = fn
	}
}

// New creates a supervisor with one stopped record per registry entry.
func New(reg *registry.Registry, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:       reg,
		spawner:   driver.NativeSpawner{},
		prober:    health.TCPProber{},
		timeouts:  DefaultTimeouts(),
		portCheck: port.InUse,
		logger:    slog.With("component", "supervisor"),
		reports:   make(chan healthReport),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.notify = newDispatcher(s.logger)
	for _, obs := range s.observers {
		s.notify.subscribe(obs)
	}

	for i, def := range reg.Definitions() {
		s.entries = append(s.entries, &entry{
			index:  i,
			def:    def,
			logger: s.logger.With("service", def.ID),
			state:  StateStopped,
		})
	}

	s.wg.Add(1)
	go s.reportLoop()
	return s
}

// Subscribe registers obs for notifications and returns a function that
// unregisters it.
func (s *Supervisor) Subscribe(obs Observer) func() {
	return s.notify.subscribe(obs)
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	i := s.reg.Index(id)
	if i < 0 {
		return nil, unknown(id)
	}
	return s.entries[i], nil
}

func (s *Supervisor) isClosed() bool {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	return s.closed
}

// Start launches the service if it has no live process. It returns once the
// process is spawned; liveness is checked in the background.
func (s *Supervisor) Start(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	e.op.Lock()
	defer e.op.Unlock()
	return s.start(e)
}

func (s *Supervisor) start(e *entry) error {
	if e.live() {
		s.event(e, slog.LevelInfo, KindAlreadyRunning, "already running")
		return nil
	}

	cmd, err := s.command(e.def)
	if err != nil {
		return s.fail(e, err)
	}

	if s.portCheck != nil && s.portCheck(e.def.Port) {
		s.event(e, slog.LevelWarn, KindPortInUse,
			fmt.Sprintf("port %d is already in use by another process; the liveness check may pass without this service", e.def.Port))
	}

	proc, err := s.spawner.Spawn(cmd)
	if err != nil {
		return s.fail(e, &Error{Kind: KindSpawn, Service: e.def.ID, Err: err})
	}
	e.logger.Debug("process spawned", "pid", proc.PID(), "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir)

	ctx, cancel := context.WithCancel(s.ctx)

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.proc = proc
	e.last = proc
	e.startedAt = proc.StartedAt()
	e.cancel = cancel
	e.lastErr = ""
	s.setState(e, StateStarting)
	e.mu.Unlock()

	s.event(e, slog.LevelInfo, KindStarted,
		fmt.Sprintf("started (pid %d), waiting for port %d", proc.PID(), e.def.Port))

	if !s.goMonitor(ctx, e, gen, proc) {
		cancel()
	}
	return nil
}

// command resolves the launch command for def.
func (s *Supervisor) command(def registry.Definition) (driver.Command, error) {
	if def.Entry != "" {
		path := def.Entry
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.baseDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return driver.Command{}, &Error{Kind: KindSpawn, Service: def.ID, Err: fmt.Errorf("entry script: %w", err)}
		}
	}

	argv, err := def.Render(def.Params(s.baseDir))
	if err != nil {
		return driver.Command{}, &Error{Kind: KindConfig, Service: def.ID, Err: err}
	}
	if len(argv) == 0 || argv[0] == "" {
		return driver.Command{}, &Error{Kind: KindConfig, Service: def.ID, Err: errors.New("empty command")}
	}

	return driver.Command{
		Name: def.ID,
		Path: argv[0],
		Args: argv[1:],
		Dir:  s.baseDir,
	}, nil
}

// fail records a launch failure: the service enters the error state with no
// process handle.
func (s *Supervisor) fail(e *entry, err error) error {
	e.mu.Lock()
	e.lastErr = err.Error()
	s.setState(e, StateError)
	e.mu.Unlock()

	kind, cause := KindSpawn, err
	var se *Error
	if errors.As(err, &se) {
		kind, cause = se.Kind, se.Err
	}
	s.event(e, slog.LevelError, kind, fmt.Sprintf("failed to start: %v", cause))
	return err
}

// Stop terminates the service's process. It sends the graceful signal, waits
// up to the grace period and then kills it. Cancelling ctx kills early. Stop
// returns once the process has exited.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.op.Lock()
	defer e.op.Unlock()
	return s.stop(ctx, e)
}

func (s *Supervisor) stop(ctx context.Context, e *entry) error {
	e.mu.Lock()
	proc := e.proc
	if proc == nil {
		e.mu.Unlock()
		s.event(e, slog.LevelInfo, KindAlreadyStopped, "already stopped")
		return nil
	}
	// Invalidate any outstanding liveness check.
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	s.event(e, slog.LevelInfo, KindStopping, fmt.Sprintf("stopping (pid %d)", proc.PID()))

	forceNow, reason := false, ""
	if err := proc.Terminate(); err != nil {
		if errors.Is(err, driver.ErrProcessGone) {
			s.event(e, slog.LevelInfo, KindShutdownSignal, "process had already exited")
		} else {
			s.event(e, slog.LevelWarn, KindShutdownSignal, fmt.Sprintf("graceful signal failed: %v", err))
			forceNow, reason = true, "graceful signal failed"
		}
	}

	if !forceNow {
		timer := time.NewTimer(s.timeouts.GracePeriod)
		select {
		case <-proc.Done():
		case <-timer.C:
			forceNow, reason = true, fmt.Sprintf("did not exit within %s", s.timeouts.GracePeriod)
		case <-ctx.Done():
			forceNow, reason = true, "stop cancelled"
		}
		timer.Stop()
	}

	if forceNow {
		select {
		case <-proc.Done():
		default:
			if err := proc.Kill(); err != nil && !errors.Is(err, driver.ErrProcessGone) {
				e.logger.Error("kill failed", "pid", proc.PID(), "error", err)
			}
			s.event(e, slog.LevelWarn, KindKilled, reason+", killed")
			<-proc.Done()
		}
	}

	exit := proc.Exit()
	e.mu.Lock()
	e.proc = nil
	e.lastExit = &exit
	s.setState(e, StateStopped)
	e.mu.Unlock()

	s.event(e, slog.LevelInfo, KindStopped, fmt.Sprintf("stopped (%s)", exit))
	return nil
}

// StartAll starts every service without a live process, in registry order,
// spacing launches by the stagger interval. A failing service does not stop
// the loop; all failures are returned joined.
func (s *Supervisor) StartAll(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.timeouts.Stagger), 1)

	var errs []error
	for _, e := range s.entries {
		if e.live() {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start all: %w", err))
			break
		}
		if err := s.Start(e.def.ID); err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrClosed) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service with a live process, sequentially in registry
// order. A Start in flight for a service completes before that service is
// checked, so its process is stopped too.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, e := range s.entries {
		if err := s.stopIfLive(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopIfLive(ctx context.Context, e *entry) error {
	e.op.Lock()
	defer e.op.Unlock()
	if !e.live() {
		return nil
	}
	return s.stop(ctx, e)
}

// Refresh reconciles a service whose process exited after its liveness
// check finished. The service enters the error state and its handle is
// cleared. Ports are not probed.
func (s *Supervisor) Refresh(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.op.Lock()
	defer e.op.Unlock()
	s.refresh(e)
	return nil
}

// RefreshAll refreshes every service.
func (s *Supervisor) RefreshAll() {
	for _, e := range s.entries {
		e.op.Lock()
		s.refresh(e)
		e.op.Unlock()
	}
}

func (s *Supervisor) refresh(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return
	}
	select {
	case <-e.proc.Done():
	default:
		return
	}
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	s.exitedLocked(e)
}

// exitedLocked records an unexpected exit of e's process. e.mu must be held.
func (s *Supervisor) exitedLocked(e *entry) {
	exit := e.proc.Exit()
	prev := e.state
	e.proc = nil
	e.lastExit = &exit
	err := &Error{Kind: KindUnexpectedExit, Service: e.def.ID, Err: errors.New(exit.String())}
	e.lastErr = err.Error()
	s.setState(e, StateError)

	msg := fmt.Sprintf("exited unexpectedly (%s)", exit)
	if prev == StateStarting {
		msg = fmt.Sprintf("exited before opening port %d (%s)", e.def.Port, exit)
	}
	s.event(e, slog.LevelError, KindUnexpectedExit, msg)
}

// Output returns the last n output lines of the service's most recent process.
func (s *Supervisor) Output(id string, n int) ([]string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	p := e.last
	e.mu.Unlock()
	if p == nil {
		return nil, nil
	}
	return p.Output(n), nil
}

// OpenURL returns the service's local address. It does not check state.
func (s *Supervisor) OpenURL(id string) (string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return URL(e.def.Port), nil
}

// URL returns the local address for port.
func URL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// Note emits an operator event not tied to a service.
func (s *Supervisor) Note(level slog.Level, msg string) {
	s.notify.event(Event{Level: level, Kind: KindNote, Message: msg})
}

// Close cancels outstanding liveness checks and flushes pending
// notifications. It does not stop processes; call StopAll first.
func (s *Supervisor) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return
	}
	s.closed = true
	s.lifeMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.notify.close()
}

// setState records a transition and queues its notification. e.mu must be held.
func (s *Supervisor) setState(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	s.notify.stateChanged(e.def.ID, from, to)
}

// event queues an operator event for e. It only takes the dispatcher's lock,
// so it may be called with e.mu held.
func (s *Supervisor) event(e *entry, level slog.Level, kind Kind, msg string) {
	s.notify.event(Event{
		Service: e.def.ID,
		Level:   level,
		Kind:    kind,
		Message: e.def.Label + ": " + msg,
	})
}
