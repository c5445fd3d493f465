package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug"`
	Triggers  []TriggerConfig `json:"triggers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the task engine.
//
// Defaults (when fields are omitted):
//   - periodic_check: "16ms" ("0s" disables automatic promotion)
//   - async_poll_interval: "1ms"
//   - start_immediately: true
//   - async_workers: 0 (unbounded)
//   - history_size: 100
type EngineConfig struct {
	PeriodicCheck     string `json:"periodic_check,omitempty"`
	AsyncPollInterval string `json:"async_poll_interval,omitempty"`
	// StartImmediately is a pointer so "omitted" (default true) differs from false.
	StartImmediately *bool `json:"start_immediately,omitempty"`
	AsyncWorkers     int   `json:"async_workers,omitempty"`
	HistorySize      int   `json:"history_size,omitempty"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskloop.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`
}

// DebugConfig controls the local HTTP endpoint (/healthz, /status,
// /debug/pprof). Defaults to 127.0.0.1:6060; other binds need a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// TriggerConfig declares a shell command submitted to the engine.
//
// Exactly one of Schedule (cron/interval, see scheduler.ParseSchedule) or At
// (RFC3339 time, one-shot) must be set. Commands run async unless async is
// false, and a synchronous command needs a timeout because it occupies the
// engine's only consumer while it runs.
type TriggerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	At       string `json:"at,omitempty"`
	Command  string `json:"command"`
	Timeout  string `json:"timeout,omitempty"`

	RescheduleOnFailure bool   `json:"reschedule_on_failure,omitempty"`
	RescheduleDelay     string `json:"reschedule_delay,omitempty"`
	StartDelay          string `json:"start_delay,omitempty"`

	Async        *bool  `json:"async,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// IsAsync reports whether the command runs off the consumer (default true).
func (t TriggerConfig) IsAsync() bool { return t.Async == nil || *t.Async }
