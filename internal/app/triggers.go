package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"taskloop/internal/config"
	"taskloop/internal/task/engine"
	"taskloop/internal/task/scheduler"
	logx "taskloop/pkg/logx"
)

const maxCommandOutput = 512

// trigger is a validated TriggerConfig: exactly one of schedule or at is set.
type trigger struct {
	name     string
	schedule string
	at       time.Time
	task     engine.Task
}

func buildTrigger(tc config.TriggerConfig, log logx.Logger) (trigger, error) {
	name := strings.TrimSpace(tc.Name)
	p := fmt.Sprintf("triggers[%s]", name)
	if name == "" {
		return trigger{}, errors.New("trigger name is required")
	}
	command := strings.TrimSpace(tc.Command)
	if command == "" {
		return trigger{}, fmt.Errorf("%s.command is required", p)
	}

	tr := trigger{name: name}
	switch {
	case strings.TrimSpace(tc.Schedule) != "" && strings.TrimSpace(tc.At) != "":
		return trigger{}, fmt.Errorf("%s: schedule and at are mutually exclusive", p)
	case strings.TrimSpace(tc.Schedule) != "":
		tr.schedule = strings.TrimSpace(tc.Schedule)
		if err := scheduler.ValidateSchedule(tr.schedule); err != nil {
			return trigger{}, fmt.Errorf("%s.schedule: %w", p, err)
		}
	case strings.TrimSpace(tc.At) != "":
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(tc.At))
		if err != nil {
			return trigger{}, fmt.Errorf("%s.at: %w", p, err)
		}
		tr.at = at
	default:
		return trigger{}, fmt.Errorf("%s: schedule or at is required", p)
	}

	timeout, err := config.ParseDurationField(p+".timeout", tc.Timeout)
	if err != nil {
		return trigger{}, err
	}
	if !tc.IsAsync() && timeout <= 0 {
		return trigger{}, fmt.Errorf("%s.timeout is required when async is false", p)
	}
	resched, err := config.ParseDurationField(p+".reschedule_delay", tc.RescheduleDelay)
	if err != nil {
		return trigger{}, err
	}
	delay, err := config.ParseDurationField(p+".start_delay", tc.StartDelay)
	if err != nil {
		return trigger{}, err
	}
	poll, err := config.ParseDurationField(p+".poll_interval", tc.PollInterval)
	if err != nil {
		return trigger{}, err
	}

	tr.task = engine.Task{
		Name:                name,
		Work:                commandWork(name, command, timeout, log),
		RescheduleOnFailure: tc.RescheduleOnFailure,
		RescheduleDelay:     resched,
		StartDelay:          delay,
		Async:               tc.IsAsync(),
		PollInterval:        poll,
	}
	return tr, nil
}

// commandWork runs command through sh -c; exit status 0 is success.
func commandWork(name, command string, timeout time.Duration, log logx.Logger) engine.Work {
	log = log.With(logx.String("trigger", name))
	return engine.FromError(func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
		fields := []logx.Field{logx.Duration("took", time.Since(start))}
		if s := strings.TrimSpace(string(out)); s != "" {
			if len(s) > maxCommandOutput {
				s = s[:maxCommandOutput] + "..."
			}
			fields = append(fields, logx.String("output", s))
		}
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", timeout, err)
			}
			log.Warn("trigger command failed", append(fields, logx.Err(err))...)
			return err
		}
		log.Debug("trigger command done", fields...)
		return nil
	})
}

// registerTriggers (re)registers the named triggers from cfg, removing the
// ones that are gone or disabled. A nil names slice means every trigger.
func (a *App) registerTriggers(cfg *config.Config, names []string) error {
	byName := make(map[string]config.TriggerConfig, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		byName[strings.TrimSpace(tc.Name)] = tc
	}
	if names == nil {
		names = make([]string, 0, len(byName))
		for n := range byName {
			names = append(names, n)
		}
	}

	var errs []error
	for _, name := range names {
		tc, ok := byName[name]
		if !ok || tc.Disabled {
			if a.sched.Remove(name) {
				a.log.Info("trigger removed", logx.String("name", name))
			}
			continue
		}
		tr, err := buildTrigger(tc, a.log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tr.schedule != "" {
			_, err = a.sched.AddSchedule(tr.name, tr.schedule, tr.task)
		} else if tr.at.Before(time.Now()) {
			a.sched.Remove(name)
			a.log.Info("one-shot trigger is in the past; skipped", logx.String("name", name), logx.Time("at", tr.at))
			continue
		} else {
			_, err = a.sched.AddOnce(tr.name, tr.at, tr.task)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", name, err))
			continue
		}
		a.log.Info("trigger registered",
			logx.String("name", tr.name),
			logx.String("schedule", tr.schedule),
			logx.Bool("async", tr.task.Async),
			logx.Bool("reschedule_on_failure", tr.task.RescheduleOnFailure),
		)
	}
	return errors.Join(errs...)
}

func validateTriggers(cfg *config.Config) error {
	var errs []error
	for _, tc := range cfg.Triggers {
		if tc.Disabled {
			continue
		}
		if _, err := buildTrigger(tc, logx.Nop()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
