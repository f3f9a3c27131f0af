// Package remote is the contract between account workers and the messaging
// provider: a Dialer that opens sessions and a typed Client per session.
package remote

import (
	"context"
	"time"

	"fleetbot/internal/proxy"
)

// Credentials identify one account session.
type Credentials struct {
	Account        string
	APIID          int
	APIHash        string
	SessionPath    string
	TwoFA          string
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	LangCode       string
	SystemLangCode string
}

// Dialer opens an authorized session, through ep when it is non-nil.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, ep *proxy.Endpoint) (Client, error)
}

// Me is the connected account's own profile.
type Me struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
}

// SpamStatus is the provider's verdict on sending restrictions.
type SpamStatus int

const (
	SpamClean SpamStatus = iota
	SpamTemporary
	SpamPermanent
	SpamFrozen
)

func (s SpamStatus) String() string {
	switch s {
	case SpamTemporary:
		return "spamblock_temporary"
	case SpamPermanent:
		return "spamblock_permanent"
	case SpamFrozen:
		return "frozen"
	default:
		return "valid"
	}
}

// SpamReport carries the status and, for temporary blocks, when it lifts.
type SpamReport struct {
	Status SpamStatus
	Until  time.Time
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
}

type PeerKind int

const (
	PeerUser PeerKind = iota
	PeerGroup
	PeerChannel
)

// Peer is a chat, channel or user.
type Peer struct {
	ID       int64
	Kind     PeerKind
	Title    string
	Username string
	// Discussion is the linked discussion group of a channel, if any.
	Discussion int64
	Bot        bool
}

// Post is a message in a peer.
type Post struct {
	Peer Peer
	ID   int
}

// JoinResult describes the outcome of a join attempt.
type JoinResult int

const (
	Joined JoinResult = iota
	JoinRequested
)

// IncomingMessage is a private message received while connected.
type IncomingMessage struct {
	From Peer
	ID   int
	Text string
}

// Client is one connected account session. All methods honor ctx.
type Client interface {
	Me(ctx context.Context) (Me, error)
	SpamStatus(ctx context.Context) (SpamReport, error)

	UpdateProfile(ctx context.Context, u ProfileUpdate) error
	UploadAvatar(ctx context.Context, path string) error
	DeleteAvatars(ctx context.Context) (int, error)

	CreateChannel(ctx context.Context, title, about string) (Peer, error)
	SetChannelUsername(ctx context.Context, ch Peer, username string) error
	SetChannelPhoto(ctx context.Context, ch Peer, path string) error
	SetPersonalChannel(ctx context.Context, ch Peer) error
	ForwardPost(ctx context.Context, link string, to Peer) error

	JoinChat(ctx context.Context, link string) (JoinResult, error)
	Dialogs(ctx context.Context) ([]Peer, error)
	LatestPost(ctx context.Context, channel Peer) (Post, bool, error)
	Send(ctx context.Context, to Peer, text string, replyTo int) (Post, error)
	PostExists(ctx context.Context, p Post) (bool, error)
	LeaveDialog(ctx context.Context, p Peer) error

	HasPassword(ctx context.Context) (bool, error)
	SetPassword(ctx context.Context, password string) error
	RemovePassword(ctx context.Context, current string) error
	TerminateOtherSessions(ctx context.Context) (int, error)
	Reauthorize(ctx context.Context, password string) error

	// Incoming streams private messages until ctx is done.
	Incoming(ctx context.Context) (<-chan IncomingMessage, error)

	Disconnect(ctx context.Context) error
}
