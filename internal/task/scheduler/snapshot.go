package scheduler

import (
	"sort"
	"sync/atomic"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Spread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.omu.Lock()
	once := make([]OnceInfo, 0, len(s.once))
	for name, o := range s.once {
		once = append(once, OnceInfo{Name: name, At: o.at})
	}
	s.omu.Unlock()
	sort.Slice(once, func(i, j int) bool { return once[i].At.Before(once[j].At) })

	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Fired:     atomic.LoadUint64(&s.fired),
		Schedules: items,
		Once:      once,
	}
}
