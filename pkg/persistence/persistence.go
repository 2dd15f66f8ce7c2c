// Package persistence writes and reloads the one-file-per-descriptor
// record under the supervisor's home directory, using a temp-file-then-
// rename atomic write with an added fsync since this record is the sole
// source of truth recovered on restart.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/types"
	"gopkg.in/yaml.v3"
)

// Record is the on-disk shape for one descriptor: its launch config plus
// the runtime counters that must survive a supervisor restart (spec
// §4.7: "selected runtime fields").
type Record struct {
	Descriptor              types.ProcessDescriptor `yaml:"descriptor"`
	RestartCount            int                     `yaml:"restart_count"`
	ConsecutiveRestartCount int                     `yaml:"consecutive_restart_count"`
	AssignedPorts           []int                   `yaml:"assigned_ports,omitempty"`
}

// Store persists and reloads descriptor records in a directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (normally Config.ProcessesDir()). The
// directory must already exist (Config.EnsureLayout handles that).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, sanitize(name)+".yaml")
}

// sanitize defends the filename against a descriptor name containing a
// path separator; descriptor names are otherwise caller-controlled.
func sanitize(name string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(name)
}

// Save atomically writes rec to disk: temp file, fsync, rename over the
// target.
func (s *Store) Save(rec Record) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PersistenceWriteDuration)

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal descriptor record: %w", err)
	}

	target := s.path(rec.Descriptor.Name)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp descriptor file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp descriptor file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp descriptor file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp descriptor file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename descriptor file into place: %w", err)
	}
	return nil
}

// Delete unlinks the descriptor's record file (Deletion
// unlinks the descriptor file; pid_file cleanup is the lifecycle
// engine's responsibility since only it knows the path at stop time).
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadAll scans the store directory and returns every descriptor record
// found, for startup recovery. Unreadable or malformed files
// are skipped with a warning rather than aborting the whole scan.
func (s *Store) LoadAll() []Record {
	logger := log.WithComponent("persistence")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Warn().Err(err).Str("dir", s.dir).Msg("failed to scan descriptor store")
		return nil
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			logger.Warn().Err(err).Str("file", full).Msg("failed to read descriptor record")
			continue
		}
		var rec Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			logger.Warn().Err(err).Str("file", full).Msg("failed to parse descriptor record")
			continue
		}
		records = append(records, rec)
	}
	return records
}

// RecoveryAction is the outcome of reconciling one loaded Record against
// its pid_file at startup: check liveness, then confirm the executable
// still matches before deciding to adopt.
type RecoveryAction int

const (
	// RecoveryAdopt means the pid is alive and its executable matches the
	// descriptor's script: treat it as Online, resume probing it.
	RecoveryAdopt RecoveryAction = iota
	// RecoverySchedule means the process is gone: mark Stopped and, if
	// autorestart is set, schedule a fresh spawn.
	RecoverySchedule
)

// Reconcile inspects a record's pid_file (if any) and decides whether to
// adopt the running process or treat it as crashed, following spec
// §4.7's two-step recovery rule.
func Reconcile(rec Record) (RecoveryAction, int) {
	if rec.Descriptor.PIDFile == "" {
		return RecoverySchedule, 0
	}
	data, err := os.ReadFile(rec.Descriptor.PIDFile)
	if err != nil {
		return RecoverySchedule, 0
	}
	pid, err := parsePID(strings.TrimSpace(string(data)))
	if err != nil {
		return RecoverySchedule, 0
	}
	if !ProcessAlive(pid) {
		return RecoverySchedule, 0
	}
	if !executableMatches(pid, rec.Descriptor.Script) {
		return RecoverySchedule, 0
	}
	return RecoveryAdopt, pid
}

func parsePID(s string) (int, error) {
	var pid int
	_, err := fmt.Sscanf(s, "%d", &pid)
	return pid, err
}

// ProcessAlive reports whether pid currently names a running process, via
// the POSIX-portable signal-0 probe (os.Process.Signal with a
// zero-valued Signal on Unix always succeeds in constructing the
// Process; existence is confirmed by FindProcess followed by Signal(0)
// semantics that Go maps to a kill(pid, 0) check on Unix). Exported for
// the lifecycle engine's adopted-instance liveness poll, which has no
// Cmd.Wait to block on since an adopted process is not its child.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// FindProcess opens a handle to pid on Windows and fails when no
		// such process exists; Signal there supports only Kill.
		return true
	}
	return proc.Signal(syscallSignalZero) == nil
}

func executableMatches(pid int, script string) bool {
	exe := readExePath(pid)
	if exe == "" {
		// No way to verify on this platform; trust the pid_file's liveness
		// alone rather than refusing to adopt.
		return true
	}
	return filepath.Base(exe) == filepath.Base(script) || exe == script
}
