package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var validLevels = map[string]bool{"": true, "TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true}

// Validate checks field syntax and bounds. Schedule expressions are checked
// by the app layer when triggers are mapped.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !validLevels[strings.ToUpper(strings.TrimSpace(cfg.Logging.Level))] {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled is true"))
	}

	e := cfg.Engine
	for _, f := range []struct{ path, raw string }{
		{"engine.periodic_check", e.PeriodicCheck},
		{"engine.async_poll_interval", e.AsyncPollInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if e.AsyncWorkers < 0 {
		errs = append(errs, errors.New("engine.async_workers must be >= 0"))
	}
	if e.HistorySize < 0 {
		errs = append(errs, errors.New("engine.history_size must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if sc.Retain < 0 {
			errs = append(errs, errors.New("storage.retain must be >= 0"))
		}
	}

	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}

	seen := make(map[string]bool, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		name := strings.TrimSpace(t.Name)
		p := fmt.Sprintf("triggers[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", p))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate trigger %q", p, name))
		}
		seen[name] = true
		if strings.TrimSpace(t.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", p))
		}
		hasSchedule, hasAt := strings.TrimSpace(t.Schedule) != "", strings.TrimSpace(t.At) != ""
		if hasSchedule == hasAt {
			errs = append(errs, fmt.Errorf("%s: exactly one of schedule or at is required", p))
		}
		if hasAt {
			if _, err := time.Parse(time.RFC3339, strings.TrimSpace(t.At)); err != nil {
				errs = append(errs, fmt.Errorf("%s.at: %w", p, err))
			}
		}
		if d, _ := ParseDurationField(p+".timeout", t.Timeout); !t.IsAsync() && d <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout is required when async is false", p))
		}
		for _, f := range []struct{ field, raw string }{
			{"timeout", t.Timeout},
			{"reschedule_delay", t.RescheduleDelay},
			{"start_delay", t.StartDelay},
			{"poll_interval", t.PollInterval},
		} {
			if _, err := ParseDurationField(p+"."+f.field, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
