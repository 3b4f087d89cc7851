package supervisor

import (
	"errors"
	"fmt"

	"github.com/benaskins/portvisor/internal/registry"
)

// Kind classifies supervisor errors and events.
type Kind string

// Error kinds.
const (
	KindConfig         Kind = "config"
	KindSpawn          Kind = "spawn"
	KindHealthTimeout  Kind = "health_timeout"
	KindUnexpectedExit Kind = "unexpected_exit"
	KindShutdownSignal Kind = "shutdown_signal"
)

// Lifecycle event kinds.
const (
	KindStarted        Kind = "started"
	KindRunning        Kind = "running"
	KindStopping       Kind = "stopping"
	KindStopped        Kind = "stopped"
	KindKilled         Kind = "killed"
	KindAlreadyRunning Kind = "already_running"
	KindAlreadyStopped Kind = "already_stopped"
	KindPortInUse      Kind = "port_in_use"
	KindNote           Kind = "note"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrSpawn          = errors.New("spawn failed")
	ErrUnexpectedExit = errors.New("unexpected exit")
	ErrClosed         = errors.New("supervisor closed")
)

// Error is a failure attributed to one service.
type Error struct {
	Kind    Kind
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindSpawn:
		return target == ErrSpawn
	case KindUnexpectedExit:
		return target == ErrUnexpectedExit
	case KindConfig:
		return target == registry.ErrConfig
	}
	return false
}

func unknown(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownService, id)
}
