// Package remotetest provides a scriptable in-memory remote.Dialer for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"fleetbot/internal/proxy"
	"fleetbot/internal/remote"
)

// Hook is called at the start of every client operation. A non-nil error is
// returned from the operation unchanged.
type Hook func(ctx context.Context, account, op string, args ...any) error

// Dialer hands out fake clients and records how they were used.
type Dialer struct {
	// DialErr, when set, decides whether a dial fails.
	DialErr func(account string, ep *proxy.Endpoint) error
	// Hook scripts client behavior.
	Hook Hook
	// Dialogs is returned by Client.Dialogs.
	Dialogs []remote.Peer
	// HasPassword is the initial 2FA state of every client.
	HasPassword bool
	// Inbox, when set, feeds Client.Incoming of every client.
	Inbox chan remote.IncomingMessage

	mu      sync.Mutex
	clients map[string]*Client
	dials   []Dial

	connected atomic.Int32
	peak      atomic.Int32
}

// Dial records one dial attempt.
type Dial struct {
	Account string
	Proxy   string
	Err     error
}

func (d *Dialer) Dial(ctx context.Context, creds remote.Credentials, ep *proxy.Endpoint) (remote.Client, error) {
	rec := Dial{Account: creds.Account}
	if ep != nil {
		rec.Proxy = ep.String()
	}
	var err error
	if d.DialErr != nil {
		err = d.DialErr(creds.Account, ep)
	}
	if err == nil {
		err = ctx.Err()
	}
	rec.Err = err

	d.mu.Lock()
	d.dials = append(d.dials, rec)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &Client{account: creds.Account, dialer: d, password: d.HasPassword, calls: map[string]int{}}
	d.mu.Lock()
	if d.clients == nil {
		d.clients = map[string]*Client{}
	}
	d.clients[creds.Account] = c
	d.mu.Unlock()

	n := d.connected.Add(1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return c, nil
}

// Dials returns every dial attempt in order.
func (d *Dialer) Dials() []Dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dial(nil), d.dials...)
}

// Client returns the last client dialed for account.
func (d *Dialer) Client(account string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[account]
}

// Connected is the number of clients not yet disconnected.
func (d *Dialer) Connected() int { return int(d.connected.Load()) }

// Peak is the highest number of simultaneously connected clients.
func (d *Dialer) Peak() int { return int(d.peak.Load()) }

// Client is a fake session.
type Client struct {
	account string
	dialer  *Dialer

	mu           sync.Mutex
	calls        map[string]int
	sent         []string
	password     bool
	disconnected bool
	nextID       int
}

// Calls reports how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Sent lists "peer:text" for every successful Send.
func (c *Client) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *Client) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Client) do(ctx context.Context, op string, args ...any) error {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if h := c.dialer.Hook; h != nil {
		return h(ctx, c.account, op, args...)
	}
	return nil
}

func (c *Client) Me(ctx context.Context) (remote.Me, error) {
	if err := c.do(ctx, "me"); err != nil {
		return remote.Me{}, err
	}
	return remote.Me{ID: int64(len(c.account)), FirstName: c.account, Phone: c.account}, nil
}

func (c *Client) SpamStatus(ctx context.Context) (remote.SpamReport, error) {
	return remote.SpamReport{}, c.do(ctx, "spam_status")
}

func (c *Client) UpdateProfile(ctx context.Context, u remote.ProfileUpdate) error {
	return c.do(ctx, "update_profile", u)
}

func (c *Client) UploadAvatar(ctx context.Context, path string) error {
	return c.do(ctx, "upload_avatar", path)
}

func (c *Client) DeleteAvatars(ctx context.Context) (int, error) {
	return 1, c.do(ctx, "delete_avatars")
}

func (c *Client) CreateChannel(ctx context.Context, title, about string) (remote.Peer, error) {
	if err := c.do(ctx, "create_channel", title, about); err != nil {
		return remote.Peer{}, err
	}
	return remote.Peer{ID: 1000, Kind: remote.PeerChannel, Title: title}, nil
}

func (c *Client) SetChannelUsername(ctx context.Context, ch remote.Peer, username string) error {
	return c.do(ctx, "set_channel_username", username)
}

func (c *Client) SetChannelPhoto(ctx context.Context, ch remote.Peer, path string) error {
	return c.do(ctx, "set_channel_photo", path)
}

func (c *Client) SetPersonalChannel(ctx context.Context, ch remote.Peer) error {
	return c.do(ctx, "set_personal_channel")
}

func (c *Client) ForwardPost(ctx context.Context, link string, to remote.Peer) error {
	return c.do(ctx, "forward_post", link)
}

func (c *Client) JoinChat(ctx context.Context, link string) (remote.JoinResult, error) {
	return remote.Joined, c.do(ctx, "join", link)
}

func (c *Client) Dialogs(ctx context.Context) ([]remote.Peer, error) {
	if err := c.do(ctx, "dialogs"); err != nil {
		return nil, err
	}
	return append([]remote.Peer(nil), c.dialer.Dialogs...), nil
}

func (c *Client) LatestPost(ctx context.Context, ch remote.Peer) (remote.Post, bool, error) {
	if err := c.do(ctx, "latest_post", ch); err != nil {
		return remote.Post{}, false, err
	}
	return remote.Post{Peer: ch, ID: 1}, true, nil
}

func (c *Client) Send(ctx context.Context, to remote.Peer, text string, replyTo int) (remote.Post, error) {
	if err := c.do(ctx, "send", to, text); err != nil {
		return remote.Post{}, err
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.sent = append(c.sent, fmt.Sprintf("%d:%s", to.ID, text))
	c.mu.Unlock()
	return remote.Post{Peer: to, ID: id}, nil
}

func (c *Client) PostExists(ctx context.Context, p remote.Post) (bool, error) {
	if err := c.do(ctx, "post_exists", p); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) LeaveDialog(ctx context.Context, p remote.Peer) error {
	return c.do(ctx, "leave", p)
}

func (c *Client) HasPassword(ctx context.Context) (bool, error) {
	if err := c.do(ctx, "has_password"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password, nil
}

func (c *Client) SetPassword(ctx context.Context, password string) error {
	if err := c.do(ctx, "set_password"); err != nil {
		return err
	}
	c.mu.Lock()
	c.password = true
	c.mu.Unlock()
	return nil
}

func (c *Client) RemovePassword(ctx context.Context, current string) error {
	if err := c.do(ctx, "remove_password"); err != nil {
		return err
	}
	c.mu.Lock()
	c.password = false
	c.mu.Unlock()
	return nil
}

func (c *Client) TerminateOtherSessions(ctx context.Context) (int, error) {
	return 2, c.do(ctx, "terminate_sessions")
}

func (c *Client) Reauthorize(ctx context.Context, password string) error {
	return c.do(ctx, "reauthorize")
}

func (c *Client) Incoming(ctx context.Context) (<-chan remote.IncomingMessage, error) {
	if err := c.do(ctx, "incoming"); err != nil {
		return nil, err
	}
	ch := make(chan remote.IncomingMessage)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.dialer.Inbox:
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.calls["disconnect"]++
	already := c.disconnected
	c.disconnected = true
	c.mu.Unlock()
	if !already {
		c.dialer.connected.Add(-1)
	}
	return nil
}
