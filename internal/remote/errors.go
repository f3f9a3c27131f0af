package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed taxonomy of remote failures. Drivers translate provider
// errors into it once; the rest of the code branches on Kind only.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: the account could not be reached (proxy dead, timeout, reset).
	KindConnection
	// KindAuth: session invalid, second factor required or wrong.
	KindAuth
	// KindBanned: the account is deleted, frozen or banned.
	KindBanned
	// KindThrottle: the provider asked to wait Error.Wait before retrying.
	KindThrottle
	// KindTarget: the item is bad (expired invite, unknown peer); drop it.
	KindTarget
	// KindForbidden: the account may not write to the target; denylist it.
	KindForbidden
	// KindAlready: the desired state already holds (already a member, request sent).
	KindAlready
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindBanned:
		return "banned"
	case KindThrottle:
		return "throttle"
	case KindTarget:
		return "target"
	case KindForbidden:
		return "forbidden"
	case KindAlready:
		return "already"
	default:
		return "unknown"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Op   string
	Wait time.Duration // KindThrottle only
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Kind == KindThrottle {
		msg += fmt.Sprintf(" (wait %s)", e.Wait)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter exposes the provider's wait hint.
func (e *Error) RetryAfter() time.Duration { return e.Wait }

func newErr(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) error { return newErr(KindConnection, op, err) }
func Auth(op string, err error) error       { return newErr(KindAuth, op, err) }
func Banned(op string, err error) error     { return newErr(KindBanned, op, err) }
func Target(op string, err error) error     { return newErr(KindTarget, op, err) }
func Forbidden(op string, err error) error  { return newErr(KindForbidden, op, err) }
func Already(op string) error               { return newErr(KindAlready, op, nil) }

// Throttle reports a provider rate limit with an explicit wait.
func Throttle(op string, wait time.Duration) error {
	return &Error{Kind: KindThrottle, Op: op, Wait: wait}
}

// KindOf classifies err. Context errors and unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// ThrottleWait returns the provider wait when err is a throttle.
func ThrottleWait(err error) (time.Duration, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindThrottle {
		return re.Wait, true
	}
	return 0, false
}

// IsCancel reports whether err stems from context cancellation.
func IsCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
