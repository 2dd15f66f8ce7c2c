// Package spawner turns an instance descriptor into a running OS process,
// generalizing a container-orchestrator worker's task-creation sequencing
// (open logs, build env, create, start, record pid) from container
// creation to os/exec.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/types"
)

// Handle is the result of a successful spawn: the running child plus
// enough state for the lifecycle engine to own its exit.
type Handle struct {
	Cmd       *exec.Cmd
	PID       int
	StartedAt time.Time
	OutFile   *os.File
	ErrFile   *os.File
}

// Spawn launches one instance of descriptor with the given 0-based
// instance index and (if any) assigned port, following the
// five-step contract.
func Spawn(descriptor types.ProcessDescriptor, instanceIndex int, port int) (*Handle, error) {
	logger := log.WithProcess(descriptor.Name, descriptor.ID)

	// Step 1: open out_file/error_file in append mode, creating parent
	// directories as needed.
	outFile, err := openAppend(descriptor.OutFile)
	if err != nil {
		metrics.SpawnFailuresTotal.Inc()
		return nil, perrors.Wrap(perrors.KindSpawn, descriptor.Name, err, "open out_file")
	}
	errFile, err := openAppend(descriptor.ErrFile)
	if err != nil {
		outFile.Close()
		metrics.SpawnFailuresTotal.Inc()
		return nil, perrors.Wrap(perrors.KindSpawn, descriptor.Name, err, "open error_file")
	}

	// Step 2: build the child environment.
	env := buildEnv(descriptor.Env, instanceIndex, port)

	// Step 3: spawn.
	timer := metrics.NewTimer()
	cmd := exec.Command(descriptor.Script, descriptor.Args...)
	cmd.Dir = descriptor.Cwd
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	if err := cmd.Start(); err != nil {
		outFile.Close()
		errFile.Close()
		metrics.SpawnFailuresTotal.Inc()
		logger.Error().Err(err).Msg("spawn failed")
		return nil, perrors.Wrap(perrors.KindSpawn, descriptor.Name, err, "start process")
	}
	timer.ObserveDuration(metrics.SpawnDuration)

	// Step 4: record pid, write pid_file.
	if descriptor.PIDFile != "" {
		if err := writePIDFile(descriptor.PIDFile, cmd.Process.Pid); err != nil {
			logger.Warn().Err(err).Msg("failed to write pid_file")
		}
	}

	logger.Info().Int("pid", cmd.Process.Pid).Int("instance", instanceIndex).Msg("process spawned")

	return &Handle{
		Cmd:       cmd,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		OutFile:   outFile,
		ErrFile:   errFile,
	}, nil
}

// buildEnv overlays the supervisor's own environment with the
// descriptor's env map, then injects PORT/PM2_INSTANCE_ID/NODE_APP_INSTANCE
// last so they win over anything the caller set via env (the
// override-vs-merge question, resolved in DESIGN.md).
func buildEnv(overlay map[string]string, instanceIndex int, port int) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	if port > 0 {
		merged["PORT"] = strconv.Itoa(port)
	}
	merged["PM2_INSTANCE_ID"] = strconv.Itoa(instanceIndex)
	merged["NODE_APP_INSTANCE"] = strconv.Itoa(instanceIndex)

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

func openAppend(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_APPEND|os.O_WRONLY, 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
