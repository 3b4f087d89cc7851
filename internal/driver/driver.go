package driver

import (
	"errors"
	"fmt"
	"time"
)

// ErrProcessGone is returned when a signal is sent to a process that has
// already exited.
var ErrProcessGone = errors.New("process already exited")

// Command describes a process to launch.
type Command struct {
	Name string // service id, used for log file naming
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the supervisor's environment
}

// ExitInfo describes how a process ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

func (e ExitInfo) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by signal %s", e.Signal)
	}
	if e.Err != "" && e.Code < 0 {
		return e.Err
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Process is a handle on one spawned service instance.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// StartedAt returns when the process was spawned.
	StartedAt() time.Time

	// Terminate sends the platform's graceful stop signal.
	// It returns ErrProcessGone if the process has already exited.
	Terminate() error

	// Kill forcibly terminates the process.
	Kill() error

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Exit returns exit details. Only meaningful after Done is closed.
	Exit() ExitInfo

	// Output returns the last n lines of combined stdout/stderr.
	Output(n int) []string
}

// Spawner launches processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}
