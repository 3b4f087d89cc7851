// Package console is an interactive terminal front end for a supervisor.
// It only reads snapshots and issues commands; all state lives in the
// supervisor.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/benaskins/portvisor/internal/supervisor"
)

const (
	maxLogLines  = 500
	tickInterval = time.Second
)

// Controller is the subset of the supervisor the console drives.
type Controller interface {
	Snapshot() supervisor.Snapshot
	Start(id string) error
	Stop(ctx context.Context, id string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	RefreshAll()
	OpenURL(id string) (string, error)
	Subscribe(obs supervisor.Observer) func()
}

type (
	eventMsg   supervisor.Event
	changedMsg struct{}
	tickMsg    time.Time
	quitMsg    struct{}

	// opDoneMsg reports the result of a command on one service, or on all
	// of them when id is empty.
	opDoneMsg struct {
		op  string
		id  string
		err error
	}
)

// Model is the bubbletea model for the console.
type Model struct {
	ctl  Controller
	open func(url string) error
	ctx  context.Context

	keys KeyMap
	help help.Model
	log  viewport.Model

	snap     supervisor.Snapshot
	cursor   int
	lines    []string
	width    int
	height   int
	quitting bool
}

// New creates a console model. open is called with a service URL by the
// open key.
func New(ctx context.Context, ctl Controller, open func(url string) error) Model {
	m := Model{
		ctl:  ctl,
		open: open,
		ctx:  ctx,
		keys: DefaultKeyMap(),
		help: help.New(),
		log:  viewport.New(80, 8),
		snap: ctl.Snapshot(),
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.log.Width = max(msg.Width-4, 20)
		m.log.Height = max(msg.Height-len(m.snap.Services)-8, 3)
		m.log.SetContent(strings.Join(m.lines, "\n"))
		m.log.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.appendLine(supervisor.Event(msg).String())
		m.snap = m.ctl.Snapshot()
		return m, nil

	case changedMsg:
		m.snap = m.ctl.Snapshot()
		return m, nil

	case tickMsg:
		m.snap = m.ctl.Snapshot()
		return m, tick()

	case opDoneMsg:
		if msg.err != nil {
			m.appendLine(fmt.Sprintf("[%s] %s failed: %v", time.Now().Format("15:04:05"), msg.op, msg.err))
		}
		m.snap = m.ctl.Snapshot()
		return m, nil

	case quitMsg:
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		m.appendLine(fmt.Sprintf("[%s] stopping all services before exit", time.Now().Format("15:04:05")))
		return m, quitCmd(m.ctx, m.ctl)

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.snap.Services)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Start):
		if id, ok := m.selected(); ok {
			return m, startCmd(m.ctl, id)
		}
	case key.Matches(msg, m.keys.Stop):
		if id, ok := m.selected(); ok {
			return m, stopCmd(m.ctx, m.ctl, id)
		}
	case key.Matches(msg, m.keys.Open):
		if id, ok := m.selected(); ok {
			return m, openCmd(m.ctl, m.open, id)
		}
	case key.Matches(msg, m.keys.StartAll):
		return m, startAllCmd(m.ctx, m.ctl)
	case key.Matches(msg, m.keys.StopAll):
		return m, stopAllCmd(m.ctx, m.ctl)
	case key.Matches(msg, m.keys.Refresh):
		return m, refreshCmd(m.ctl)
	}
	return m, nil
}

func (m Model) selected() (string, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Services) {
		return "", false
	}
	return m.snap.Services[m.cursor].ID, true
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

// Each command carries its service id as a parameter. Stops run on a context
// that quitting does not cancel, so a stop in flight keeps its grace period.

func startCmd(ctl Controller, id string) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "start " + id, id: id, err: ctl.Start(id)}
	}
}

func stopCmd(ctx context.Context, ctl Controller, id string) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "stop " + id, id: id, err: ctl.Stop(context.WithoutCancel(ctx), id)}
	}
}

func openCmd(ctl Controller, open func(string) error, id string) tea.Cmd {
	return func() tea.Msg {
		url, err := ctl.OpenURL(id)
		if err == nil {
			err = open(url)
		}
		return opDoneMsg{op: "open " + id, id: id, err: err}
	}
}

func startAllCmd(ctx context.Context, ctl Controller) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "start all", err: ctl.StartAll(ctx)}
	}
}

func stopAllCmd(ctx context.Context, ctl Controller) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "stop all", err: ctl.StopAll(context.WithoutCancel(ctx))}
	}
}

func refreshCmd(ctl Controller) tea.Cmd {
	return func() tea.Msg {
		ctl.RefreshAll()
		return changedMsg{}
	}
}

func quitCmd(ctx context.Context, ctl Controller) tea.Cmd {
	return func() tea.Msg {
		ctl.StopAll(context.WithoutCancel(ctx))
		return quitMsg{}
	}
}

// Run shows the console until the operator quits. startup, if set, runs in
// the background once notifications reach the console. StopAll is issued
// when the operator quits.
func Run(ctx context.Context, ctl Controller, open func(url string) error, startup func(), opts ...tea.ProgramOption) error {
	p := tea.NewProgram(New(ctx, ctl, open), append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)

	unsubscribe := ctl.Subscribe(supervisor.ObserverFuncs{
		StateChanged: func(string, supervisor.State, supervisor.State) { p.Send(changedMsg{}) },
		LogEvent:     func(ev supervisor.Event) { p.Send(eventMsg(ev)) },
	})
	defer unsubscribe()

	if startup != nil {
		go startup()
	}

	_, err := p.Run()
	return err
}
