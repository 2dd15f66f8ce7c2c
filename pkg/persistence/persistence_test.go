package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	d := types.ProcessDescriptor{ID: types.NewDescriptorID(), Name: "api", Script: "/bin/api"}.WithDefaults()
	rec := Record{Descriptor: d, RestartCount: 3, ConsecutiveRestartCount: 1, AssignedPorts: []int{3000}}

	if err := store.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := store.LoadAll()
	if len(loaded) != 1 {
		t.Fatalf("expected 1 record, got %d", len(loaded))
	}
	if loaded[0].Descriptor.Name != "api" || loaded[0].RestartCount != 3 {
		t.Errorf("round trip mismatch: %+v", loaded[0])
	}
}

func TestSave_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	d := types.ProcessDescriptor{Name: "worker", Script: "/bin/worker"}.WithDefaults()

	if err := store.Save(Record{Descriptor: d}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "worker.yaml.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file should not survive a successful save")
	}
}

func TestDelete_MissingFileIsNotAnError(t *testing.T) {
	store := New(t.TempDir())
	if err := store.Delete("never-existed"); err != nil {
		t.Errorf("deleting a missing record should be a no-op: %v", err)
	}
}

func TestReconcile_NoPIDFileSchedules(t *testing.T) {
	rec := Record{Descriptor: types.ProcessDescriptor{Name: "x", Script: "/bin/x"}}
	action, _ := Reconcile(rec)
	if action != RecoverySchedule {
		t.Errorf("expected RecoverySchedule, got %v", action)
	}
}

func TestReconcile_AdoptsLiveMatchingProcess(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "x.pid")
	selfPID := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(itoaTest(selfPID)), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Skip("cannot resolve test binary path")
	}

	rec := Record{Descriptor: types.ProcessDescriptor{Name: "x", Script: exe, PIDFile: pidFile}}
	action, pid := Reconcile(rec)
	if action != RecoveryAdopt {
		t.Errorf("expected RecoveryAdopt for live matching process, got %v", action)
	}
	if pid != selfPID {
		t.Errorf("pid = %d, want %d", pid, selfPID)
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
