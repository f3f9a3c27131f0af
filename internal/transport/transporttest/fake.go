// Package transporttest provides an in-memory chat adapter for tests.
package transporttest

import (
	"context"
	"strings"
	"sync"

	kit "fleetbot/internal/transport"
)

// Sent is one message or edit recorded by Adapter.
type Sent struct {
	Ref  kit.MessageRef
	Text string
	Opt  kit.SendOptions
	Edit bool
}

// Adapter records outgoing traffic. Messages get sequential ids per adapter.
type Adapter struct {
	mu      sync.Mutex
	nextID  int
	sent    []Sent
	answers []string
	menu    []kit.BotCommand
	notify  chan struct{}

	// SendErr, when set, fails every SendText.
	SendErr error
	// Gate, when set, holds every SendText until it receives or is closed.
	Gate chan struct{}
}

var _ kit.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{notify: make(chan struct{}, 1)}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                         { return nil }

func (a *Adapter) record(s Sent) {
	a.sent = append(a.sent, s)
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if a.Gate != nil {
		select {
		case <-a.Gate:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SendErr != nil {
		return kit.MessageRef{}, a.SendErr
	}
	a.nextID++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}
	s := Sent{Ref: ref, Text: text}
	if opt != nil {
		s.Opt = *opt
	}
	a.record(s)
	return ref, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Sent{Ref: ref, Text: text, Edit: true}
	if opt != nil {
		s.Opt = *opt
	}
	a.record(s)
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, callbackID+":"+text)
	return nil
}

func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menu = append([]kit.BotCommand(nil), cmds...)
	return nil
}

// Sent returns a copy of everything sent or edited so far.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) Answers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.answers...)
}

func (a *Adapter) Menu() []kit.BotCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]kit.BotCommand(nil), a.menu...)
}

// WaitFor blocks until a recorded message satisfies match or ctx ends.
func (a *Adapter) WaitFor(ctx context.Context, match func(Sent) bool) (Sent, bool) {
	for {
		a.mu.Lock()
		for _, s := range a.sent {
			if match(s) {
				a.mu.Unlock()
				return s, true
			}
		}
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return Sent{}, false
		case <-a.notify:
		}
	}
}

// Contains matches messages whose text contains sub.
func Contains(sub string) func(Sent) bool {
	return func(s Sent) bool { return strings.Contains(s.Text, sub) }
}
