package control

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetbot/internal/progress"
	kit "fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

// LiveReporter renders the current report of a running task.
type LiveReporter interface {
	LiveReport(name string) (string, bool)
}

type SinkOptions struct {
	// Chat receives the status messages; ChatID 0 disables the sink.
	Chat kit.ChatTarget
	// Every is the minimum interval between edits of one message.
	Every time.Duration
}

// Sink keeps one status message per run up to date from progress events.
//
// Events are taken in memory by Run and delivered to the chat by a separate
// loop, so a slow chat never backs up the bus subscription.
type Sink struct {
	adapter kit.Adapter
	reports LiveReporter
	log     logx.Logger

	events      <-chan progress.Event
	unsubscribe func()
	wake        chan struct{}

	mu        sync.Mutex
	opts      SinkOptions
	live      map[string]*liveMessage // by run id
	lifecycle []progress.Event        // started/finished, in order, not yet delivered
}

type liveMessage struct {
	task   string
	action string
	ref    kit.MessageRef
	posted bool
	lim    *rate.Limiter
	dirty  bool
}

func NewSink(adapter kit.Adapter, bus progress.Bus, reports LiveReporter, opts SinkOptions, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Subscribing here means no run started after construction is missed.
	events, unsubscribe := bus.Subscribe(256)
	return &Sink{
		adapter:     adapter,
		reports:     reports,
		log:         log.With(logx.String("comp", "control.sink")),
		events:      events,
		unsubscribe: unsubscribe,
		wake:        make(chan struct{}, 1),
		opts:        normalizeSink(opts),
		live:        map[string]*liveMessage{},
	}
}

func normalizeSink(o SinkOptions) SinkOptions {
	if o.Every <= 0 {
		o.Every = 3 * time.Second
	}
	return o
}

// Apply swaps options; messages already posted keep their chat.
func (s *Sink) Apply(opts SinkOptions) {
	s.mu.Lock()
	s.opts = normalizeSink(opts)
	s.mu.Unlock()
}

func (s *Sink) options() SinkOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Run consumes progress events until ctx ends, then unsubscribes.
func (s *Sink) Run(ctx context.Context) {
	defer s.unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deliver(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

// handle records ev; it never talks to the chat.
func (s *Sink) handle(ctx context.Context, ev progress.Event) {
	s.mu.Lock()
	if s.opts.Chat.ChatID == 0 {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case progress.TypeRunStarted:
		s.live[ev.RunID] = &liveMessage{
			task:   ev.Task,
			action: ev.Status,
			lim:    rate.NewLimiter(rate.Every(s.opts.Every), 1),
		}
		s.lifecycle = append(s.lifecycle, ev)
	case progress.TypeAccount:
		if m := s.live[ev.RunID]; m != nil {
			m.dirty = true
		}
	case progress.TypeRunFinished:
		s.lifecycle = append(s.lifecycle, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) deliver(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.drain(ctx)
		s.flush(ctx)
	}
}

// drain delivers pending lifecycle events in publish order.
func (s *Sink) drain(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		if len(s.lifecycle) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.lifecycle[0]
		s.lifecycle = s.lifecycle[1:]
		opts := s.opts
		s.mu.Unlock()

		switch ev.Type {
		case progress.TypeRunStarted:
			s.started(ctx, opts, ev)
		case progress.TypeRunFinished:
			s.finished(ctx, opts, ev)
		}
	}
}

func (s *Sink) started(ctx context.Context, opts SinkOptions, ev progress.Event) {
	s.mu.Lock()
	m := s.live[ev.RunID]
	s.mu.Unlock()
	if m == nil {
		// Finished before the message was posted.
		return
	}
	text := s.liveText(ev.Task, ev.Status)
	ref, err := s.send(ctx, opts.Chat, text, &kit.SendOptions{Buttons: stopButtons(ev.Task)})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.live, ev.RunID)
		s.log.Warn("post status message failed", logx.String("task", ev.Task), logx.Err(err))
		return
	}
	m.ref = ref
	m.posted = true
}

func (s *Sink) liveText(task, action string) string {
	text := "▶️ " + task
	if action != "" {
		text += " (" + action + ")"
	}
	if s.reports != nil {
		if rep, ok := s.reports.LiveReport(task); ok && rep != "" {
			text += "\n" + rep
		}
	}
	return text
}

// refresh edits a dirty message when its limiter allows.
func (s *Sink) refresh(ctx context.Context, m *liveMessage) {
	s.mu.Lock()
	if !m.posted || !m.dirty || !m.lim.Allow() {
		s.mu.Unlock()
		return
	}
	m.dirty = false
	ref := m.ref
	s.mu.Unlock()

	text := s.liveText(m.task, m.action)
	if err := s.edit(ctx, ref, text, &kit.SendOptions{Buttons: stopButtons(m.task)}); err != nil {
		s.log.Debug("status edit failed", logx.String("task", m.task), logx.Err(err))
	}
}

// flush pushes updates that were held back by the limiter.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	pending := make([]*liveMessage, 0, len(s.live))
	for _, m := range s.live {
		if m.dirty && m.posted {
			pending = append(pending, m)
		}
	}
	s.mu.Unlock()
	for _, m := range pending {
		s.refresh(ctx, m)
	}
}

func (s *Sink) finished(ctx context.Context, opts SinkOptions, ev progress.Event) {
	s.mu.Lock()
	m := s.live[ev.RunID]
	delete(s.live, ev.RunID)
	s.mu.Unlock()

	icon := "✅"
	if ev.State == "stopped" {
		icon = "⏹"
	}
	head := icon + " " + ev.Task + " " + ev.State
	if m != nil && m.posted {
		// Drop the Stop button from the live message.
		if err := s.edit(ctx, m.ref, head, nil); err != nil {
			s.log.Debug("final status edit failed", logx.String("task", ev.Task), logx.Err(err))
		}
	}
	text := head
	if ev.Status != "" {
		text += "\n" + ev.Status
	}
	if _, err := s.send(ctx, opts.Chat, text, nil); err != nil {
		s.log.Warn("post final report failed", logx.String("task", ev.Task), logx.Err(err))
	}
}

func (s *Sink) send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.adapter.SendText(cctx, to, text, opt)
}

func (s *Sink) edit(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.adapter.EditText(cctx, ref, text, opt)
}
