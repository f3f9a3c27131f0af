// Package dryrun is a remote driver that performs no network I/O. Operators
// use it to rehearse tasks: every call is logged and answered with synthetic data.
package dryrun

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"fleetbot/internal/proxy"
	"fleetbot/internal/remote"
	logx "fleetbot/pkg/logx"
)

type Options struct {
	// FailRate is the probability (0..1) that a dial fails as a connection error.
	FailRate float64
	// Latency is the simulated duration of every call.
	Latency time.Duration
	Seed    int64
}

type Dialer struct {
	opts Options
	log  logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(opts Options, log logx.Logger) *Dialer {
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Latency <= 0 {
		opts.Latency = 50 * time.Millisecond
	}
	return &Dialer{
		opts: opts,
		log:  log.With(logx.String("comp", "remote.dryrun")),
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

func (d *Dialer) roll() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

func (d *Dialer) Dial(ctx context.Context, creds remote.Credentials, ep *proxy.Endpoint) (remote.Client, error) {
	via := "direct"
	if ep != nil {
		via = ep.Redacted()
	}
	if err := sleep(ctx, d.opts.Latency); err != nil {
		return nil, remote.Connection("dial", err)
	}
	if d.opts.FailRate > 0 && d.roll() < d.opts.FailRate {
		d.log.Info("dial failed (simulated)", logx.String("account", creds.Account), logx.String("via", via))
		return nil, remote.Connection("dial", errors.New("simulated network failure"))
	}
	d.log.Info("dial", logx.String("account", creds.Account), logx.String("via", via))
	return &client{d: d, account: creds.Account, password: creds.TwoFA != ""}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type client struct {
	d       *Dialer
	account string

	mu       sync.Mutex
	password bool
	nextID   int
}

func (c *client) call(ctx context.Context, op string, fields ...logx.Field) error {
	if err := sleep(ctx, c.d.opts.Latency); err != nil {
		return err
	}
	c.d.log.Debug("call", append([]logx.Field{logx.String("account", c.account), logx.String("op", op)}, fields...)...)
	return nil
}

func (c *client) Me(ctx context.Context) (remote.Me, error) {
	if err := c.call(ctx, "me"); err != nil {
		return remote.Me{}, err
	}
	return remote.Me{ID: int64(len(c.account)) * 1000003, FirstName: "dry", Username: "dry_" + c.account, Phone: c.account}, nil
}

func (c *client) SpamStatus(ctx context.Context) (remote.SpamReport, error) {
	return remote.SpamReport{Status: remote.SpamClean}, c.call(ctx, "spam_status")
}

func (c *client) UpdateProfile(ctx context.Context, u remote.ProfileUpdate) error {
	var fields []logx.Field
	if u.FirstName != nil {
		fields = append(fields, logx.String("first_name", *u.FirstName))
	}
	if u.LastName != nil {
		fields = append(fields, logx.String("last_name", *u.LastName))
	}
	return c.call(ctx, "update_profile", fields...)
}

func (c *client) UploadAvatar(ctx context.Context, path string) error {
	return c.call(ctx, "upload_avatar", logx.String("path", path))
}

func (c *client) DeleteAvatars(ctx context.Context) (int, error) {
	return 0, c.call(ctx, "delete_avatars")
}

func (c *client) CreateChannel(ctx context.Context, title, about string) (remote.Peer, error) {
	if err := c.call(ctx, "create_channel", logx.String("title", title)); err != nil {
		return remote.Peer{}, err
	}
	return remote.Peer{ID: c.id(), Kind: remote.PeerChannel, Title: title}, nil
}

func (c *client) SetChannelUsername(ctx context.Context, ch remote.Peer, username string) error {
	return c.call(ctx, "set_channel_username", logx.String("username", username))
}

func (c *client) SetChannelPhoto(ctx context.Context, ch remote.Peer, path string) error {
	return c.call(ctx, "set_channel_photo", logx.String("path", path))
}

func (c *client) SetPersonalChannel(ctx context.Context, ch remote.Peer) error {
	return c.call(ctx, "set_personal_channel", logx.Int64("channel", ch.ID))
}

func (c *client) ForwardPost(ctx context.Context, link string, to remote.Peer) error {
	return c.call(ctx, "forward_post", logx.String("link", link))
}

func (c *client) JoinChat(ctx context.Context, link string) (remote.JoinResult, error) {
	if err := c.call(ctx, "join", logx.String("link", link)); err != nil {
		return remote.Joined, err
	}
	if strings.Contains(link, "+") || strings.Contains(link, "joinchat") {
		return remote.JoinRequested, nil
	}
	return remote.Joined, nil
}

func (c *client) Dialogs(ctx context.Context) ([]remote.Peer, error) {
	if err := c.call(ctx, "dialogs"); err != nil {
		return nil, err
	}
	return []remote.Peer{
		{ID: 1, Kind: remote.PeerGroup, Title: "dry group"},
		{ID: 2, Kind: remote.PeerChannel, Title: "dry channel", Discussion: 3},
		{ID: 4, Kind: remote.PeerUser, Title: "dry user"},
	}, nil
}

func (c *client) LatestPost(ctx context.Context, ch remote.Peer) (remote.Post, bool, error) {
	if err := c.call(ctx, "latest_post", logx.Int64("channel", ch.ID)); err != nil {
		return remote.Post{}, false, err
	}
	return remote.Post{Peer: ch, ID: 1}, true, nil
}

func (c *client) Send(ctx context.Context, to remote.Peer, text string, replyTo int) (remote.Post, error) {
	if err := c.call(ctx, "send", logx.Int64("peer", to.ID), logx.Int("reply_to", replyTo), logx.Int("len", len(text))); err != nil {
		return remote.Post{}, err
	}
	return remote.Post{Peer: to, ID: int(c.id())}, nil
}

func (c *client) PostExists(ctx context.Context, p remote.Post) (bool, error) {
	return true, c.call(ctx, "post_exists", logx.Int("id", p.ID))
}

func (c *client) LeaveDialog(ctx context.Context, p remote.Peer) error {
	return c.call(ctx, "leave", logx.Int64("peer", p.ID))
}

func (c *client) HasPassword(ctx context.Context) (bool, error) {
	if err := c.call(ctx, "has_password"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password, nil
}

func (c *client) SetPassword(ctx context.Context, password string) error {
	if err := c.call(ctx, "set_password"); err != nil {
		return err
	}
	c.mu.Lock()
	c.password = true
	c.mu.Unlock()
	return nil
}

func (c *client) RemovePassword(ctx context.Context, current string) error {
	if err := c.call(ctx, "remove_password"); err != nil {
		return err
	}
	c.mu.Lock()
	c.password = false
	c.mu.Unlock()
	return nil
}

func (c *client) TerminateOtherSessions(ctx context.Context) (int, error) {
	return 0, c.call(ctx, "terminate_sessions")
}

func (c *client) Reauthorize(ctx context.Context, password string) error {
	return c.call(ctx, "reauthorize")
}

func (c *client) Incoming(ctx context.Context) (<-chan remote.IncomingMessage, error) {
	ch := make(chan remote.IncomingMessage)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, c.call(ctx, "incoming")
}

func (c *client) Disconnect(ctx context.Context) error {
	c.d.log.Info("disconnect", logx.String("account", c.account))
	return nil
}

func (c *client) id() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return int64(c.nextID)
}

var _ remote.Dialer = (*Dialer)(nil)

// String identifies the driver in logs.
func (d *Dialer) String() string { return fmt.Sprintf("dryrun(fail_rate=%.2f)", d.opts.FailRate) }
