//go:build windows

package lifecycle

import (
	"errors"
	"os"
)

// windowsTerminator is the Windows half of the terminate trait. Windows
// has no SIGTERM/SIGUSR2 equivalent visible to a non-console-owning
// process, so graceful signal and forced kill both terminate the process
// directly; Reload is unsupported here so the engine always falls back
// to stop+start on Windows.
type windowsTerminator struct{}

func newTerminator() terminator { return windowsTerminator{} }

func (windowsTerminator) Signal(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func (windowsTerminator) Reload(pid int) error {
	return errors.New("reload is not supported on windows, caller should fall back to stop+start")
}

func (windowsTerminator) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
