package types

import (
	"testing"
	"time"
)

func TestWithDefaults(t *testing.T) {
	d := ProcessDescriptor{Name: "worker", Script: "/bin/true"}.WithDefaults()

	if d.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", d.Namespace)
	}
	if d.Instances != 1 {
		t.Errorf("Instances = %d, want 1", d.Instances)
	}
	if d.MaxRestarts != DefaultMaxRestarts {
		t.Errorf("MaxRestarts = %d, want %d", d.MaxRestarts, DefaultMaxRestarts)
	}
	if d.MinUptime != DefaultMinUptime {
		t.Errorf("MinUptime = %v, want %v", d.MinUptime, DefaultMinUptime)
	}
	if d.KillTimeout != DefaultKillTimeout {
		t.Errorf("KillTimeout = %v, want %v", d.KillTimeout, DefaultKillTimeout)
	}
	if d.Env == nil {
		t.Error("Env should be initialized to an empty map")
	}
}

func TestWithDefaults_PreservesExplicitValues(t *testing.T) {
	d := ProcessDescriptor{
		Name:        "worker",
		Script:      "/bin/true",
		Namespace:   "staging",
		Instances:   3,
		MaxRestarts: 5,
	}.WithDefaults()

	if d.Namespace != "staging" {
		t.Errorf("Namespace = %q, want staging", d.Namespace)
	}
	if d.Instances != 3 {
		t.Errorf("Instances = %d, want 3", d.Instances)
	}
	if d.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", d.MaxRestarts)
	}
}

func TestInstanceName(t *testing.T) {
	cases := map[int]string{0: "api-0", 1: "api-1", 12: "api-12"}
	for k, want := range cases {
		if got := InstanceName("api", k); got != want {
			t.Errorf("InstanceName(api, %d) = %q, want %q", k, got, want)
		}
	}
}

func TestRuntimeState_Uptime(t *testing.T) {
	now := time.Now()
	started := now.Add(-5 * time.Second)

	online := RuntimeState{Status: StatusOnline, StartedAt: started}
	if got := online.Uptime(now); got < 4*time.Second || got > 6*time.Second {
		t.Errorf("Uptime for online process = %v, want ~5s", got)
	}

	stopped := RuntimeState{Status: StatusStopped, StartedAt: started}
	if got := stopped.Uptime(now); got != 0 {
		t.Errorf("Uptime for stopped process = %v, want 0", got)
	}
}

func TestRuntimeState_IsLive(t *testing.T) {
	live := []Status{StatusStarting, StatusOnline, StatusStopping}
	for _, s := range live {
		if !(RuntimeState{Status: s}).IsLive() {
			t.Errorf("IsLive(%v) = false, want true", s)
		}
	}
	dead := []Status{StatusStopped, StatusErrored, StatusRestarting}
	for _, s := range dead {
		if (RuntimeState{Status: s}).IsLive() {
			t.Errorf("IsLive(%v) = true, want false", s)
		}
	}
}

func TestNewRuntimeState(t *testing.T) {
	rs := NewRuntimeState()
	if rs.Status != StatusStopped {
		t.Errorf("Status = %v, want Stopped", rs.Status)
	}
	if rs.LastHealth != HealthUnknown {
		t.Errorf("LastHealth = %v, want Unknown", rs.LastHealth)
	}
}

func TestNewDescriptorID_Unique(t *testing.T) {
	if NewDescriptorID() == NewDescriptorID() {
		t.Error("expected distinct descriptor IDs")
	}
}

func TestProcessDescriptor_FormatMaxMemory(t *testing.T) {
	d := ProcessDescriptor{}
	if got := d.FormatMaxMemory(); got != "unlimited" {
		t.Errorf("FormatMaxMemory() = %q, want %q", got, "unlimited")
	}

	d.MaxMemoryRestart = 512 * 1024 * 1024
	if got := d.FormatMaxMemory(); got == "unlimited" || got == "" {
		t.Errorf("FormatMaxMemory() = %q, want a rendered byte count", got)
	}
}

func TestRuntimeState_FormatRSS(t *testing.T) {
	rs := RuntimeState{RSSBytes: 128 * 1024 * 1024}
	if got := rs.FormatRSS(); got == "" {
		t.Error("expected a non-empty RSS string")
	}
}
