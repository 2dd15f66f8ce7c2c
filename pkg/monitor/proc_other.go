//go:build !linux

package monitor

import "errors"

// ErrUnsupported is returned by readProcStat on platforms without a
// /proc-style process accounting interface (the Windows note:
// resource sampling is a documented platform gap rather than a fabricated
// approximation).
var ErrUnsupported = errors.New("resource sampling is not supported on this platform")

const clockTicksPerSecond = 100.0

func readProcStat(pid int) (cpuTicks uint64, rssBytes int64, err error) {
	return 0, 0, ErrUnsupported
}
