package driver

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benaskins/portvisor/internal/logbuf"
)

const (
	defaultBufSize    = 1000
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 7

	// waitDelay bounds how long Wait keeps copying output after the process
	// exits, in case a grandchild still holds the pipe open.
	waitDelay = 2 * time.Second
)

// NativeSpawner launches native (fork/exec) processes in their own process
// group, capturing combined output into a ring buffer and, when LogDir is set,
// a rotating log file named <LogDir>/<name>.log.
type NativeSpawner struct {
	BufSize    int // ring buffer size in lines, 0 for default
	LogDir     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Spawn starts cmd and returns immediately. The returned process is reaped by
// a background goroutine.
func (s NativeSpawner) Spawn(c Command) (Process, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("empty command")
	}

	path := c.Path
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) && c.Dir != "" {
		path = filepath.Join(c.Dir, path)
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}

	lines := logbuf.NewLines(valOr(s.BufSize, defaultBufSize))
	var out io.Writer = lines
	var logFile io.Closer
	if s.LogDir != "" && c.Name != "" {
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(s.LogDir, c.Name+".log"),
			MaxSize:    valOr(s.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: valOr(s.MaxBackups, defaultMaxBackups),
			MaxAge:     valOr(s.MaxAgeDays, defaultMaxAgeDays),
			Compress:   s.Compress,
		}
		out = io.MultiWriter(lines, lj)
		logFile = lj
	}

	cmd := exec.Command(resolved, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("starting process: %w", err)
	}

	p := &nativeProcess{
		cmd:       cmd,
		lines:     lines,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait(logFile)
	return p, nil
}

type nativeProcess struct {
	cmd       *exec.Cmd
	lines     *logbuf.Lines
	startedAt time.Time
	done      chan struct{}

	mu   sync.Mutex
	exit ExitInfo
}

func (p *nativeProcess) wait(logFile io.Closer) {
	err := p.cmd.Wait()

	info := ExitInfo{At: time.Now()}
	if state := p.cmd.ProcessState; state != nil {
		info.Code = state.ExitCode()
		info.Signal = exitSignal(state)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			info.Err = err.Error()
		}
	}

	p.mu.Lock()
	p.exit = info
	p.mu.Unlock()

	if logFile != nil {
		logFile.Close()
	}
	close(p.done)
}

func (p *nativeProcess) PID() int { return p.cmd.Process.Pid }

func (p *nativeProcess) StartedAt() time.Time { return p.startedAt }

func (p *nativeProcess) Done() <-chan struct{} { return p.done }

func (p *nativeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate signals the process group gracefully. Once the process has been
// reaped its pid may be reused, so no signal is sent after Done.
func (p *nativeProcess) Terminate() error {
	if p.exited() {
		return ErrProcessGone
	}
	return terminate(p.cmd.Process)
}

func (p *nativeProcess) Kill() error {
	if p.exited() {
		return ErrProcessGone
	}
	return kill(p.cmd.Process)
}

func (p *nativeProcess) Exit() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *nativeProcess) Output(n int) []string {
	return p.lines.Last(n)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
