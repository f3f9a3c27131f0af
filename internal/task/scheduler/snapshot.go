package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if tz == "" {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Task: d.task, Schedule: d.raw, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Task < items[j].Task })

	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  tz,
		Schedules: items,
	}
}

// Triggered reports how many times a task's schedule fired.
func (s *Service) Triggered(name string) int {
	s.trigMu.Lock()
	defer s.trigMu.Unlock()
	return s.triggered[name]
}
