// Package browser hands a service URL to the operator's desktop.
package browser

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
)

// ErrNoOpener is returned when no URL opener is installed.
var ErrNoOpener = errors.New("no browser opener found")

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// opener returns the command used to open url on this platform.
func opener(url string) (string, []string, error) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/c", "start", url}, nil
	}
	for _, name := range []string{"open", "xdg-open"} {
		if _, err := lookPath(name); err == nil {
			return name, []string{url}, nil
		}
	}
	return "", nil, ErrNoOpener
}

// Open opens url in the default browser without waiting for it.
func Open(url string) error {
	name, args, err := opener(url)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	go cmd.Wait()
	return nil
}

// Copy places url on the system clipboard.
func Copy(url string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard not supported on this system")
	}
	if err := clipboard.WriteAll(url); err != nil {
		return fmt.Errorf("copying to clipboard: %w", err)
	}
	return nil
}
