package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

// ScriptChecker performs exec-based health checks: runs the configured
// script with no arguments and treats exit code 0 as healthy, anything
// else (or a timeout) as unhealthy. There are no containers to exec
// into here, so the checker always runs directly on the host.
type ScriptChecker struct {
	Path    string
	Dir     string
	Timeout time.Duration
}

// NewScriptChecker creates a script checker that runs path from dir with
// the given timeout.
func NewScriptChecker(path, dir string, timeout time.Duration) *ScriptChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ScriptChecker{Path: path, Dir: dir, Timeout: timeout}
}

// Check performs the script health check.
func (e *ScriptChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if e.Path == "" {
		return Result{Healthy: false, Message: "no script path configured", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Path)
	cmd.Dir = e.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		message := fmt.Sprintf("script %s: %v", e.Path, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s (stderr: %s)", message, stderr.String())
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	return Result{Healthy: true, Message: fmt.Sprintf("script %s exited 0", e.Path), CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check kind.
func (e *ScriptChecker) Type() types.CheckType { return types.CheckScript }
