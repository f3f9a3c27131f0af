package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{err: Connection("dial", errors.New("reset")), want: KindConnection},
		{err: fmt.Errorf("join: %w", Target("join", errors.New("expired"))), want: KindTarget},
		{err: Throttle("send", time.Second), want: KindThrottle},
		{err: Already("join"), want: KindAlready},
		{err: errors.New("plain"), want: KindUnknown},
		{err: nil, want: KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v)=%s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestThrottleWait(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("attempt: %w", Throttle("join", 7*time.Second))
	d, ok := ThrottleWait(wrapped)
	if !ok || d != 7*time.Second {
		t.Fatalf("ThrottleWait=%v,%v", d, ok)
	}
	if _, ok := ThrottleWait(Target("join", nil)); ok {
		t.Fatalf("target error reported as throttle")
	}
}

func TestIsCancel(t *testing.T) {
	t.Parallel()

	if !IsCancel(fmt.Errorf("x: %w", context.Canceled)) {
		t.Fatalf("expected cancel")
	}
	if IsCancel(Connection("dial", errors.New("refused"))) {
		t.Fatalf("connection error is not cancel")
	}
}
