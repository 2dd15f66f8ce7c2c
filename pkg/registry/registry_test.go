package registry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/config"
	"github.com/pmdaemon/pmdaemon/pkg/events"
	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{Home: dir, MonitorInterval: config.DefaultMonitorInterval, ShutdownDeadline: config.DefaultShutdownDeadline}
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(cfg, broker)
}

func scriptDescriptor(t *testing.T, name, body string) types.ProcessDescriptor {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return types.ProcessDescriptor{Name: name, Script: path, AutoRestart: true}
}

func TestStart_RejectsDuplicateName(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "api", "sleep 5\n")

	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := r.Start(context.Background(), d, StartOptions{})
	if got, ok := perrors.KindOf(err); !ok || got != perrors.KindConfig {
		t.Errorf("expected KindConfig duplicate error, got %v", err)
	}
}

func TestStart_RejectsMissingScript(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Start(context.Background(), types.ProcessDescriptor{Name: "bad"}, StartOptions{})
	if err == nil {
		t.Fatal("expected validation error for missing script")
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "worker", "sleep 5\n")

	ids, err := r.Start(context.Background(), d, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 id, got %d", len(ids))
	}

	deadline := time.After(time.Second)
	for {
		info, _ := r.Info("worker")
		if info.State.PID != 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never reported a pid")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop("worker"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, ok := r.Info("worker")
	if !ok {
		t.Fatal("expected descriptor to still be present after stop")
	}
	if info.State.Status != types.StatusStopped {
		t.Errorf("status = %v, want Stopped", info.State.Status)
	}
}

func TestDelete_BulkRequiresForce(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "api", "sleep 5\n")
	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := r.Delete("all", false)
	if got, ok := perrors.KindOf(err); !ok || got != perrors.KindConfirmationRequired {
		t.Errorf("expected ConfirmationRequired, got %v", err)
	}

	if err := r.Delete("all", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, ok := r.Info("api"); ok {
		t.Error("descriptor should be gone after delete")
	}
}

func TestList_MultiInstanceNaming(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "web", "sleep 5\n")
	d.Instances = 3

	ids, err := r.Start(context.Background(), d, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(ids))
	}

	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 descriptors in list, got %d", len(infos))
	}
	names := map[string]bool{}
	for _, info := range infos {
		names[info.Descriptor.Name] = true
	}
	for _, want := range []string{"web-0", "web-1", "web-2"} {
		if !names[want] {
			t.Errorf("missing instance name %q", want)
		}
	}
}

func waitForPID(t *testing.T, r *Registry, name string) int {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		info, _ := r.Info(name)
		if info.State.PID != 0 {
			return info.State.PID
		}
		select {
		case <-deadline:
			t.Fatalf("%s never reported a pid", name)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForNewPID(t *testing.T, r *Registry, name string, previous int) int {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		info, _ := r.Info(name)
		if info.State.PID != 0 && info.State.PID != previous {
			return info.State.PID
		}
		select {
		case <-deadline:
			t.Fatalf("%s never reported a new pid distinct from %d", name, previous)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRestart_PreservesCountersAndAppliesPortOverride(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "api", "sleep 5\n")

	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := waitForPID(t, r, "api")

	// Kill the child out from under the supervisor (not via Stop) so the
	// instance takes the crash-restart path and increments restart_count
	// before the explicit Restart under test.
	proc, err := os.FindProcess(firstPID)
	if err != nil {
		t.Fatalf("find process: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	crashPID := waitForNewPID(t, r, "api", firstPID)

	info, _ := r.Info("api")
	if info.State.RestartCount != 1 {
		t.Fatalf("expected restart_count 1 after crash, got %d", info.State.RestartCount)
	}

	override := types.PortSpec{Kind: types.PortKindSingle, Port: 9234}
	if err := r.Restart(context.Background(), "api", &override); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForNewPID(t, r, "api", crashPID)

	info, ok := r.Info("api")
	if !ok {
		t.Fatal("expected descriptor to still be present after restart")
	}
	if info.State.RestartCount != 1 {
		t.Errorf("restart_count must be cumulative across supervisor lifetime, not reset by an explicit restart: got %d, want 1", info.State.RestartCount)
	}
	if len(info.State.AssignedPorts) != 1 || info.State.AssignedPorts[0] != 9234 {
		t.Errorf("expected override port 9234 to be assigned, got %v", info.State.AssignedPorts)
	}
	if info.Descriptor.PortSpec.Kind == types.PortKindSingle && info.Descriptor.PortSpec.Port == 9234 {
		t.Error("port override must not be persisted onto the table's descriptor of record")
	}

	infos := r.List()
	count := 0
	for _, in := range infos {
		if in.Descriptor.Name == "api" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 table entry for %q after restart, got %d", "api", count)
	}
}

func TestReload_AppliesPortOverrideOnlyOnRespawnWithNoOrphan(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "web", "sleep 5\n")

	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := waitForPID(t, r, "web")

	// SIGUSR2 has no handler in this script, so the default disposition
	// (terminate) fires and Instance.Reload falls through to its
	// exitSeen branch, which respawns with the override applied.
	override := types.PortSpec{Kind: types.PortKindSingle, Port: 9345}
	if err := r.Reload(context.Background(), "web", &override); err != nil {
		t.Fatalf("reload: %v", err)
	}
	waitForNewPID(t, r, "web", firstPID)

	info, ok := r.Info("web")
	if !ok {
		t.Fatal("expected descriptor to still be present after reload")
	}
	if len(info.State.AssignedPorts) != 1 || info.State.AssignedPorts[0] != 9345 {
		t.Errorf("expected override port 9345 after respawn, got %v", info.State.AssignedPorts)
	}

	infos := r.List()
	count := 0
	for _, in := range infos {
		if in.Descriptor.Name == "web" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 table entry for %q after reload, got %d (orphaned process)", "web", count)
	}
}

func TestAdopt_AttachesToLivePIDWithoutSpawning(t *testing.T) {
	r := testRegistry(t)

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start external process: %v", err)
	}
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	d := types.ProcessDescriptor{Name: "adopted", Script: "/bin/sleep", AutoRestart: true}
	if err := r.Adopt(context.Background(), d, pid); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	info, ok := r.Info("adopted")
	if !ok {
		t.Fatal("expected adopted descriptor to be present in the table")
	}
	if info.State.Status != types.StatusOnline {
		t.Errorf("status = %v, want Online", info.State.Status)
	}
	if info.State.PID != pid {
		t.Errorf("pid = %d, want %d: adoption must attach to the existing process, not spawn a new one", info.State.PID, pid)
	}
	if info.Descriptor.PIDFile == "" {
		t.Error("expected adopted descriptor to get an auto-generated pid_file")
	}
}

func TestAdopt_RejectsDuplicateName(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "dup", "sleep 5\n")
	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start external process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	err := r.Adopt(context.Background(), types.ProcessDescriptor{Name: "dup", Script: "/bin/sleep"}, cmd.Process.Pid)
	if got, ok := perrors.KindOf(err); !ok || got != perrors.KindConfig {
		t.Errorf("expected KindConfig duplicate error, got %v", err)
	}
}

func TestStart_AutoGeneratesFilePathsUnderHome(t *testing.T) {
	r := testRegistry(t)
	d := scriptDescriptor(t, "defaulted", "sleep 5\n")

	if _, err := r.Start(context.Background(), d, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	info, ok := r.Info("defaulted")
	if !ok {
		t.Fatal("expected descriptor to be present")
	}
	if info.Descriptor.OutFile == "" || info.Descriptor.ErrFile == "" || info.Descriptor.PIDFile == "" {
		t.Errorf("expected out/error/pid files to be auto-generated, got %+v", info.Descriptor)
	}
	if filepath.Dir(info.Descriptor.PIDFile) != r.cfg.PIDsDir() {
		t.Errorf("pid_file %q not under PIDsDir %q", info.Descriptor.PIDFile, r.cfg.PIDsDir())
	}
}

func TestInfo_MemorySummary(t *testing.T) {
	info := Info{
		Descriptor: types.ProcessDescriptor{MaxMemoryRestart: 512 * 1024 * 1024},
		State:      types.RuntimeState{RSSBytes: 128 * 1024 * 1024},
	}
	if got := info.MemorySummary(); got == "" {
		t.Error("expected a non-empty memory summary")
	}

	unlimited := Info{Descriptor: types.ProcessDescriptor{}, State: types.RuntimeState{}}
	if got := unlimited.MemorySummary(); got == "" {
		t.Error("expected a non-empty memory summary for an unset ceiling")
	}
}
