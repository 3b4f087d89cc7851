//go:build windows

package driver

import (
	"errors"
	"os"
	"syscall"
)

// Windows has no graceful stop signal for console-less children, so both
// terminate and kill end the process.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(p *os.Process) error {
	return kill(p)
}

func kill(p *os.Process) error {
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

func exitSignal(*os.ProcessState) string {
	return ""
}
