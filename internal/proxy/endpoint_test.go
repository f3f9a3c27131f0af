package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "fleetbot/pkg/logx"
)

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "1.2.3.4:1080", want: Endpoint{Host: "1.2.3.4", Port: 1080}},
		{in: "proxy.local:9050:bob:s3cret", want: Endpoint{Host: "proxy.local", Port: 9050, Username: "bob", Password: "s3cret"}},
		{in: "1.2.3.4", wantErr: true},
		{in: "1.2.3.4:port", wantErr: true},
		{in: "1.2.3.4:70000", wantErr: true},
		{in: "a:1:b", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEndpoint(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseEndpoint(%q)=%+v,%v", tc.in, got, err)
			}
			if got.String() != tc.in {
				t.Fatalf("String()=%q, want %q", got.String(), tc.in)
			}
		})
	}
}

func TestRedactedHidesCredentials(t *testing.T) {
	t.Parallel()

	ep := Endpoint{Host: "h", Port: 1, Username: "u", Password: "p"}
	if ep.Redacted() != "h:1" {
		t.Fatalf("Redacted=%q", ep.Redacted())
	}
	if ep.URL().String() != "socks5://u:p@h:1" {
		t.Fatalf("URL=%q", ep.URL())
	}
}

func TestEligibleFallsBackToAll(t *testing.T) {
	t.Parallel()

	recs := []Record{
		{Endpoint: "a:1", Status: StatusNotWorking},
		{Endpoint: "b:2", Status: StatusUntested},
		{Endpoint: "garbage"},
	}
	if got := Eligible(recs); len(got) != 2 {
		t.Fatalf("fallback eligible=%v", got)
	}
	recs[1].Status = StatusWorking
	got := Eligible(recs)
	if len(got) != 1 || got[0].Host != "b" {
		t.Fatalf("eligible=%v", got)
	}
}

func TestCheckerClassifiesEndpoints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"origin":"1.2.3.4"}`))
	}))
	defer srv.Close()

	c := NewChecker(CheckerOptions{URL: srv.URL, Timeout: time.Second, Concurrency: 2}, logx.Nop())
	good := Endpoint{Host: "good", Port: 1}
	bad := Endpoint{Host: "bad", Port: 2}
	c.newClient = func(ep Endpoint, timeout time.Duration) *http.Client {
		if ep == bad {
			return &http.Client{Transport: failingTransport{}}
		}
		return srv.Client()
	}

	var seen atomic.Int32
	results := c.Check(context.Background(), []Endpoint{good, bad}, func(Result) { seen.Add(1) })
	if seen.Load() != 2 {
		t.Fatalf("onResult called %d times", seen.Load())
	}
	if !results[0].Working || results[1].Working {
		t.Fatalf("results=%+v", results)
	}

	recs := Records(results, time.Unix(0, 0))
	if recs[0].Status != StatusWorking || recs[1].Status != StatusNotWorking {
		t.Fatalf("records=%+v", recs)
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, context.DeadlineExceeded
}
