package app

import (
	"fmt"
	"strings"
	"time"

	"taskloop/internal/config"
	"taskloop/internal/observability/debugsrv"
	"taskloop/internal/storage"
	"taskloop/internal/task/engine"
	"taskloop/internal/task/scheduler"
	logx "taskloop/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapEngineConfig applies engine defaults for omitted fields. An explicit
// periodic_check of "0s" disables automatic promotion.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	ec := cfg.Engine

	pc, set, err := config.ParseOptionalDuration("engine.periodic_check", ec.PeriodicCheck)
	if err != nil {
		return engine.Config{}, err
	}
	if set {
		out.PeriodicCheck = pc
	}
	out.AsyncPollInterval, err = config.ParseDurationOrDefault("engine.async_poll_interval", ec.AsyncPollInterval, engine.DefaultAsyncPollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	if ec.StartImmediately != nil {
		out.StartImmediately = *ec.StartImmediately
	}
	if ec.AsyncWorkers < 0 {
		return engine.Config{}, fmt.Errorf("engine.async_workers must be >= 0")
	}
	out.AsyncWorkers = ec.AsyncWorkers
	if ec.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	} else if ec.HistorySize > 0 {
		out.HistorySize = ec.HistorySize
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    strings.TrimSpace(cfg.Debug.Addr),
		Token:   strings.TrimSpace(cfg.Debug.Token),
	}
}
