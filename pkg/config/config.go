// Package config holds the supervisor-level configuration: home directory
// resolution, monitor tick interval, and global shutdown deadline, as a
// plain struct with defaults filled in by Default().
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration for one supervisor process.
type Config struct {
	// Home is the supervisor's home directory, containing processes/,
	// logs/, pids/, and api-key.
	Home string

	// MonitorInterval is the resource monitor's tick period (default ~1s).
	MonitorInterval time.Duration

	// ShutdownDeadline bounds how long the supervisor waits for every
	// descriptor to reach Stopped/Errored during graceful shutdown
	// before exiting regardless.
	ShutdownDeadline time.Duration

	Log LogConfig
}

// LogConfig mirrors pkg/log.Config's fields at the config layer so they
// can be set from flags/env before pkg/log.Init is called.
type LogConfig struct {
	Level      string
	JSONOutput bool
}

const (
	DefaultMonitorInterval  = time.Second
	DefaultShutdownDeadline = 30 * time.Second
	homeEnvVar              = "PMDAEMON_HOME"
)

// Default returns a Config with the home directory resolved from
// PMDAEMON_HOME, falling back to an OS-appropriate default under the
// user's home directory.
func Default() Config {
	return Config{
		Home:             resolveHome(),
		MonitorInterval:  DefaultMonitorInterval,
		ShutdownDeadline: DefaultShutdownDeadline,
		Log:              LogConfig{Level: "info"},
	}
}

func resolveHome() string {
	if h := os.Getenv(homeEnvVar); h != "" {
		return h
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".pmdaemon")
	}
	return filepath.Join(os.TempDir(), "pmdaemon")
}

// ProcessesDir, LogsDir, PIDsDir, and APIKeyPath realize the home
// directory layout.
func (c Config) ProcessesDir() string { return filepath.Join(c.Home, "processes") }
func (c Config) LogsDir() string      { return filepath.Join(c.Home, "logs") }
func (c Config) PIDsDir() string      { return filepath.Join(c.Home, "pids") }
func (c Config) APIKeyPath() string   { return filepath.Join(c.Home, "api-key") }

// EnsureLayout creates the home directory layout if missing.
func (c Config) EnsureLayout() error {
	for _, dir := range []string{c.Home, c.ProcessesDir(), c.LogsDir(), c.PIDsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
