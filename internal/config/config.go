// Package config handles loading and parsing fleetd.toml configuration files.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fleetd/fleetd/internal/fsys"
)

// Config is the top-level configuration for a fleetd coordinator.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Logging   LoggingConfig   `toml:"logging,omitempty" json:"logging,omitempty"`
	Forum     ForumConfig     `toml:"forum,omitempty" json:"forum,omitempty"`
	Timing    TimingConfig    `toml:"timing,omitempty" json:"timing,omitempty"`
	Review    ReviewConfig    `toml:"review,omitempty" json:"review,omitempty"`
	State     StateConfig     `toml:"state,omitempty" json:"state,omitempty"`
	Audit     AuditConfig     `toml:"audit,omitempty" json:"audit,omitempty"`
	Telemetry TelemetryConfig `toml:"telemetry,omitempty" json:"telemetry,omitempty"`
	Shutdown  ShutdownConfig  `toml:"shutdown,omitempty" json:"shutdown,omitempty"`
}

// ServerConfig holds the RPC listener settings.
type ServerConfig struct {
	Host string `toml:"host,omitempty" json:"host,omitempty"` // default 127.0.0.1
	Port int    `toml:"port,omitempty" json:"port,omitempty"` // default 7433
}

// Addr returns the host:port listen address with defaults applied.
func (s *ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.Port
	if port == 0 {
		port = 7433
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `toml:"level,omitempty" json:"level,omitempty"`
	Format string `toml:"format,omitempty" json:"format,omitempty"`
}

// ForumConfig holds external forum-thread notifier settings.
type ForumConfig struct {
	// DefaultChat is the chat id used for auto-created session threads
	// when the caller does not supply one.
	DefaultChat string `toml:"default_chat,omitempty" json:"default_chat,omitempty"`
}

// TimingConfig holds the tunable intervals of the delivery engine and
// monitors. All values are strings in time.ParseDuration syntax; zero
// values fall back to defaults.
type TimingConfig struct {
	IdleTimeout       string `toml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`                 // default 300s
	WatchPollInterval string `toml:"watch_poll_interval,omitempty" json:"watch_poll_interval,omitempty"`   // default 2s
	SkipFenceWindow   string `toml:"skip_fence_window,omitempty" json:"skip_fence_window,omitempty"`       // default 8s
	InputPollInterval string `toml:"input_poll_interval,omitempty" json:"input_poll_interval,omitempty"`   // default 5s
	InputStaleTimeout string `toml:"input_stale_timeout,omitempty" json:"input_stale_timeout,omitempty"`   // default 120s
	RemindSoft        string `toml:"remind_soft,omitempty" json:"remind_soft,omitempty"`                   // default 210s
	RemindHard        string `toml:"remind_hard,omitempty" json:"remind_hard,omitempty"`                   // default 420s
	MonitorInterval   string `toml:"monitor_interval,omitempty" json:"monitor_interval,omitempty"`         // default 1s
	CompactWaitCap    string `toml:"compact_wait_cap,omitempty" json:"compact_wait_cap,omitempty"`         // default 300s
	UrgentSettle      string `toml:"urgent_settle,omitempty" json:"urgent_settle,omitempty"`               // default 500ms
	DeliverySettle    string `toml:"delivery_settle,omitempty" json:"delivery_settle,omitempty"`           // default 300ms
	SendKeysTimeout   string `toml:"send_keys_timeout,omitempty" json:"send_keys_timeout,omitempty"`       // default 5s
	CaptureTimeout    string `toml:"capture_timeout,omitempty" json:"capture_timeout,omitempty"`           // default 3s
	RecoverySuccessCooldown string `toml:"recovery_success_cooldown,omitempty" json:"recovery_success_cooldown,omitempty"` // default 30s
	RecoveryFailureCooldown string `toml:"recovery_failure_cooldown,omitempty" json:"recovery_failure_cooldown,omitempty"` // default 5s
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IdleTimeoutDuration returns the pane-silence idle timeout.
func (t *TimingConfig) IdleTimeoutDuration() time.Duration { return duration(t.IdleTimeout, 300*time.Second) }

// WatchPollDuration returns the watcher poll interval.
func (t *TimingConfig) WatchPollDuration() time.Duration { return duration(t.WatchPollInterval, 2*time.Second) }

// SkipFenceWindowDuration returns the skip-fence arming window.
func (t *TimingConfig) SkipFenceWindowDuration() time.Duration { return duration(t.SkipFenceWindow, 8*time.Second) }

// InputPollDuration returns the pending-user-input poll interval.
func (t *TimingConfig) InputPollDuration() time.Duration { return duration(t.InputPollInterval, 5*time.Second) }

// InputStaleDuration returns the pending-user-input stale timeout.
func (t *TimingConfig) InputStaleDuration() time.Duration { return duration(t.InputStaleTimeout, 120*time.Second) }

// RemindSoftDuration returns the soft reminder period.
func (t *TimingConfig) RemindSoftDuration() time.Duration { return duration(t.RemindSoft, 210*time.Second) }

// RemindHardDuration returns the hard reminder period.
func (t *TimingConfig) RemindHardDuration() time.Duration { return duration(t.RemindHard, 420*time.Second) }

// MonitorIntervalDuration returns the pane monitor poll interval.
func (t *TimingConfig) MonitorIntervalDuration() time.Duration { return duration(t.MonitorInterval, time.Second) }

// CompactWaitCapDuration returns the bounded wait while a session compacts.
func (t *TimingConfig) CompactWaitCapDuration() time.Duration { return duration(t.CompactWaitCap, 300*time.Second) }

// UrgentSettleDuration returns the pause between interrupt and urgent inject.
func (t *TimingConfig) UrgentSettleDuration() time.Duration { return duration(t.UrgentSettle, 500*time.Millisecond) }

// DeliverySettleDuration returns the pause after delivery keystrokes.
func (t *TimingConfig) DeliverySettleDuration() time.Duration { return duration(t.DeliverySettle, 300*time.Millisecond) }

// SendKeysTimeoutDuration returns the wall-clock cap on a keystroke send.
func (t *TimingConfig) SendKeysTimeoutDuration() time.Duration { return duration(t.SendKeysTimeout, 5*time.Second) }

// CaptureTimeoutDuration returns the wall-clock cap on a pane capture.
func (t *TimingConfig) CaptureTimeoutDuration() time.Duration { return duration(t.CaptureTimeout, 3*time.Second) }

// RecoverySuccessCooldownDuration returns the post-success crash debounce.
func (t *TimingConfig) RecoverySuccessCooldownDuration() time.Duration {
	return duration(t.RecoverySuccessCooldown, 30*time.Second)
}

// RecoveryFailureCooldownDuration returns the post-failure crash debounce.
func (t *TimingConfig) RecoveryFailureCooldownDuration() time.Duration {
	return duration(t.RecoveryFailureCooldown, 5*time.Second)
}

// ReviewConfig holds settle delays for the scripted review menu.
type ReviewConfig struct {
	MenuSettle   string `toml:"menu_settle,omitempty" json:"menu_settle,omitempty"`     // default 1s
	BranchSettle string `toml:"branch_settle,omitempty" json:"branch_settle,omitempty"` // default 1s
	SteerDelay   string `toml:"steer_delay,omitempty" json:"steer_delay,omitempty"`     // default 5s
	PRPollInterval string `toml:"pr_poll_interval,omitempty" json:"pr_poll_interval,omitempty"` // default 30s
	PRPollTimeout  string `toml:"pr_poll_timeout,omitempty" json:"pr_poll_timeout,omitempty"`   // default 20m
}

// MenuSettleDuration returns the pause after opening the review menu.
func (r *ReviewConfig) MenuSettleDuration() time.Duration { return duration(r.MenuSettle, time.Second) }

// BranchSettleDuration returns the pause after the branch list renders.
func (r *ReviewConfig) BranchSettleDuration() time.Duration { return duration(r.BranchSettle, time.Second) }

// SteerDelayDuration returns the pause before steering text is typed.
func (r *ReviewConfig) SteerDelayDuration() time.Duration { return duration(r.SteerDelay, 5*time.Second) }

// PRPollDuration returns the PR review poll interval.
func (r *ReviewConfig) PRPollDuration() time.Duration { return duration(r.PRPollInterval, 30*time.Second) }

// PRPollTimeoutDuration returns the overall PR review poll deadline.
func (r *ReviewConfig) PRPollTimeoutDuration() time.Duration { return duration(r.PRPollTimeout, 20*time.Minute) }

// StateConfig holds persistent-state locations.
type StateConfig struct {
	// Dir is the coordinator state directory. Default ~/.fleetd resolved
	// by the caller; the config value is used verbatim when set.
	Dir string `toml:"dir,omitempty" json:"dir,omitempty"`
}

// AuditConfig holds the tool-audit store settings.
type AuditConfig struct {
	// Driver is "sqlite3" (default) or "mysql".
	Driver string `toml:"driver,omitempty" json:"driver,omitempty"`
	// DSN overrides the data source. Defaults to audit.db in the state dir
	// for sqlite3; required for mysql.
	DSN string `toml:"dsn,omitempty" json:"dsn,omitempty"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint. Empty disables export.
	Endpoint string `toml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// ShutdownConfig controls daemon shutdown behavior.
type ShutdownConfig struct {
	// KillPanes stops all owned agent panes on daemon shutdown. Default
	// false: agent panes outlive the coordinator and are re-adopted on
	// the next start.
	KillPanes bool `toml:"kill_panes,omitempty" json:"kill_panes,omitempty"`
	// GracePeriod is the wait between interrupt and force-kill when
	// KillPanes is set. Default 10s.
	GracePeriod string `toml:"grace_period,omitempty" json:"grace_period,omitempty"`
}

// GracePeriodDuration returns the interrupt-to-kill grace period.
func (s *ShutdownConfig) GracePeriodDuration() time.Duration { return duration(s.GracePeriod, 10*time.Second) }

// Validate checks the configuration for values that must refuse startup.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Audit.Driver {
	case "", "sqlite3":
	case "mysql":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.driver mysql requires audit.dsn")
		}
	default:
		return fmt.Errorf("unknown audit.driver %q", c.Audit.Driver)
	}
	if c.Timing.RemindHardDuration() <= c.Timing.RemindSoftDuration() {
		return fmt.Errorf("timing.remind_hard must exceed timing.remind_soft")
	}
	for name, raw := range map[string]string{
		"timing.idle_timeout":        c.Timing.IdleTimeout,
		"timing.watch_poll_interval": c.Timing.WatchPollInterval,
		"timing.skip_fence_window":   c.Timing.SkipFenceWindow,
		"timing.remind_soft":         c.Timing.RemindSoft,
		"timing.remind_hard":         c.Timing.RemindHard,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Load reads and parses a fleetd.toml file at the given path using the
// provided filesystem. All file I/O goes through fs for testability.
func Load(fs fsys.FS, path string) (*Config, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML data into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{}
}
