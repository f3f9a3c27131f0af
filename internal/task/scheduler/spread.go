package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = time.Minute

// spreadSchedule delays only the first run; later runs follow base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread offsets the first run by a jitter derived
// from tag, so each task keeps the same offset across restarts.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	jitter := time.Duration(h.Sum64() % uint64(spreadMax))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
