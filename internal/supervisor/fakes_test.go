package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/portvisor/internal/driver"
	"github.com/benaskins/portvisor/internal/registry"
)

type fakeProcess struct {
	pid        int
	name       string
	started    time.Time
	exitOnTerm bool
	log        *callLog

	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	exit  driver.ExitInfo
	terms atomic.Int32
	kills atomic.Int32
}

func (p *fakeProcess) PID() int             { return p.pid }
func (p *fakeProcess) StartedAt() time.Time { return p.started }
func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) Exit() driver.ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProcess) Output(n int) []string {
	return []string{fmt.Sprintf("%s output", p.name)}
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// finish simulates the process exiting on its own.
func (p *fakeProcess) finish(code int, signal string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = driver.ExitInfo{Code: code, Signal: signal, At: time.Now()}
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	if p.exited() {
		return driver.ErrProcessGone
	}
	p.terms.Add(1)
	if p.log != nil {
		p.log.add("term " + p.name)
	}
	if p.exitOnTerm {
		p.finish(-1, "SIGTERM")
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	if p.exited() {
		return driver.ErrProcessGone
	}
	p.kills.Add(1)
	if p.log != nil {
		p.log.add("kill " + p.name)
	}
	p.finish(-1, "SIGKILL")
	return nil
}

type callLog struct {
	mu    sync.Mutex
	calls []string
	times []time.Time
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
	l.times = append(l.times, time.Now())
}

func (l *callLog) snapshot() ([]string, []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...), append([]time.Time(nil), l.times...)
}

type fakeSpawner struct {
	exitOnTerm bool
	failFor    map[string]error
	log        callLog

	// When gate is set, Spawn signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess
	cmds    []driver.Command
}

func (f *fakeSpawner) Spawn(c driver.Command) (driver.Process, error) {
	f.log.add("spawn " + c.Name)
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if err := f.failFor[c.Name]; err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	p := &fakeProcess{
		pid:        1000 + f.nextPID,
		name:       c.Name,
		started:    time.Now(),
		exitOnTerm: f.exitOnTerm,
		log:        &f.log,
		done:       make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	f.cmds = append(f.cmds, c)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func (f *fakeSpawner) proc(name string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.procs) - 1; i >= 0; i-- {
		if f.procs[i].name == name {
			return f.procs[i]
		}
	}
	return nil
}

// fakeProber reports reachable once healthy is set.
type fakeProber struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, addr string, timeout time.Duration) error {
	p.calls.Add(1)
	if p.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

type stateChange struct {
	service  string
	from, to State
}

type recorder struct {
	mu      sync.Mutex
	changes []stateChange
	events  []Event
}

func (r *recorder) OnStateChanged(service string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, stateChange{service, from, to})
}

func (r *recorder) OnLogEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) hasEvent(service string, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Service == service && ev.Kind == kind {
			return true
		}
	}
	return false
}

func (r *recorder) countChanges(service string, to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.service == service && c.to == to {
			n++
		}
	}
	return n
}

func testTimeouts() Timeouts {
	return Timeouts{
		ProbeTimeout:  50 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
		ProbeAttempts: 5,
		GracePeriod:   150 * time.Millisecond,
		Stagger:       40 * time.Millisecond,
	}
}

func testRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"app"}
	}
	defs := make([]registry.Definition, 0, len(ids))
	for i, id := range ids {
		defs = append(defs, registry.Definition{
			ID:      id,
			Label:   id,
			Port:    8501 + i,
			Command: registry.Argv{"app-server", "--port", "{{.Port}}"},
		})
	}
	reg, err := registry.New(defs)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type harness struct {
	sup     *Supervisor
	spawner *fakeSpawner
	prober  *fakeProber
	rec     *recorder
}

func newHarness(t *testing.T, reg *registry.Registry, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{exitOnTerm: true},
		prober:  &fakeProber{},
		rec:     &recorder{},
	}
	base := []Option{
		WithSpawner(h.spawner),
		WithProber(h.prober),
		WithTimeouts(testTimeouts()),
		WithObserver(h.rec),
		WithPortCheck(func(int) bool { return false }),
	}
	h.sup = New(reg, append(base, opts...)...)
	t.Cleanup(func() {
		h.sup.StopAll(context.Background())
		h.sup.Close()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Supervisor, id string, want State) ServiceStatus {
	t.Helper()
	var st ServiceStatus
	waitFor(t, fmt.Sprintf("%s to be %s", id, want), func() bool {
		var err error
		st, err = s.Status(id)
		return err == nil && st.State == want
	})
	return st
}
