package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskloop/internal/task/engine"
	logx "taskloop/pkg/logx"
)

var (
	ErrNameRequired = errors.New("schedule name required")
	ErrNilWork      = errors.New("schedule task work is nil")
)

// AddSchedule parses schedule and registers either a cron or interval trigger.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Each fire submits a copy of tmpl named after the schedule.
func (s *Service) AddSchedule(name, schedule string, tmpl engine.Task) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, tmpl)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, tmpl)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, tmpl engine.Task) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.register(name, "cron", spec, tmpl)
}

func (s *Service) AddInterval(name string, every time.Duration, tmpl engine.Task) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return s.register(name, "interval", fmt.Sprintf("@every %s", every.String()), tmpl)
}

// AddDaily fires every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, tmpl engine.Task) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), tmpl)
}

// AddWeekly fires on weekday at HH:MM in the scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, tmpl engine.Task) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), tmpl)
}

func (s *Service) register(name, kind, spec string, tmpl engine.Task) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if tmpl.Work == nil {
		return "", ErrNilWork
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot-reloads and repeated registrations do not duplicate.
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)

	id := fmt.Sprintf("%s:%d", kind, time.Now().UnixNano())
	s.defs = append(s.defs, scheduleDef{id: id, name: name, spec: spec, template: tmpl})
	if s.c == nil {
		// Not started yet: keep the definition and register when Start runs.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	args := []logx.Field{logx.String("name", name), logx.String("id", id), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// AddOnce submits tmpl to the engine with a StartDelay that lands on at.
// The engine's deadline store owns the wait; Remove or a later registration
// under the same name turns the pending run into a no-op.
func (s *Service) AddOnce(name string, at time.Time, tmpl engine.Task) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if tmpl.Work == nil {
		return "", ErrNilWork
	}
	if s.engine == nil {
		return "", errors.New("no task engine")
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.omu.Lock()
	s.onceSeq++
	ver := s.onceSeq
	s.once[name] = onceDef{at: at, ver: ver}
	s.omu.Unlock()

	t := tmpl
	t.ID = ""
	t.Name = name
	t.StartDelay = max(at.Sub(s.clock.Now()), 0)
	work := tmpl.Work
	var claimed atomic.Bool
	t.Work = func(ctx context.Context) bool {
		// Retries of a claimed run go straight to the work.
		if !claimed.Load() {
			if !s.claimOnce(name, ver) {
				return true
			}
			claimed.Store(true)
		}
		return work(ctx)
	}

	if _, err := s.engine.Submit(t); err != nil {
		s.removeOnce(name)
		return "", err
	}
	s.log.Debug("one-shot registered", logx.String("name", name), logx.Time("at", at), logx.Duration("delay", t.StartDelay))
	return name, nil
}

func (s *Service) claimOnce(name string, ver uint64) bool {
	s.omu.Lock()
	defer s.omu.Unlock()
	o, ok := s.once[name]
	if !ok || o.ver != ver {
		return false
	}
	delete(s.once, name)
	return true
}

// Remove unschedules everything registered under name and reports whether
// something was removed. Safe to call before Start.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.omu.Lock()
	defer s.omu.Unlock()
	if _, ok := s.once[name]; !ok {
		return false
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, tmpl := d.name, d.template
	job := cron.FuncJob(func() { s.fire(name, tmpl) })

	// Startup spread only applies to interval schedules (@every ...).
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := intervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fire submits a fresh copy of the template.
func (s *Service) fire(name string, tmpl engine.Task) {
	if s.engine == nil {
		return
	}
	t := tmpl
	t.ID = ""
	t.Name = name
	atomic.AddUint64(&s.fired, 1)
	if _, err := s.engine.Submit(t); err != nil {
		s.reportSubmitError(name, err)
	}
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run times
// for the given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.locationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
