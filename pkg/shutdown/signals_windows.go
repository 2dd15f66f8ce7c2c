//go:build windows

package shutdown

import "os"

// Windows delivers console-close and Ctrl+C as os.Interrupt; there is no
// SIGTERM equivalent visible to os/signal on this platform.
func terminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
