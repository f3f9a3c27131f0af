package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "fleetbot/pkg/logx"
)

func New(cfg Config, launcher Launcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		launcher: launcher,
		ctx:      context.Background(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:      map[string]*scheduleDef{},
		lastWarn:  map[string]time.Time{},
		triggered: map[string]int{},
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply takes a new config. A timezone change re-registers every schedule;
// toggling Enabled starts or stops triggering.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg
	running := s.c != nil
	if running && cfg.Enabled && oldTZ != newTZ {
		s.restartLocked()
	}
	s.mu.Unlock()

	switch {
	case !wasEnabled && cfg.Enabled:
		s.start()
	case wasEnabled && !cfg.Enabled && running:
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}
}

// Start begins triggering. Task starts inherit ctx.
func (s *Service) Start(ctx context.Context) {
	s.trigMu.Lock()
	s.ctx = ctx
	s.trigMu.Unlock()
	s.start()
}

func (s *Service) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("start skipped; scheduler disabled")
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering. Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
