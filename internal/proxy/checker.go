package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "fleetbot/pkg/logx"
)

// Status is the last known health of an endpoint.
type Status string

const (
	StatusUntested   Status = "untested"
	StatusWorking    Status = "working"
	StatusNotWorking Status = "not_working"
)

// Record is a configured endpoint plus its last check result.
type Record struct {
	Endpoint  string    `json:"endpoint"`
	Status    Status    `json:"status"`
	Latency   string    `json:"latency,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Eligible returns the endpoints a run should use: the working ones, or every
// parseable endpoint when none has been classified working yet.
func Eligible(records []Record) []Endpoint {
	var working, all []Endpoint
	for _, r := range records {
		ep, err := ParseEndpoint(r.Endpoint)
		if err != nil {
			continue
		}
		all = append(all, ep)
		if r.Status == StatusWorking {
			working = append(working, ep)
		}
	}
	if len(working) > 0 {
		return working
	}
	return all
}

// Result is the outcome of checking one endpoint.
type Result struct {
	Endpoint Endpoint
	Working  bool
	Latency  time.Duration
	Err      error
}

type CheckerOptions struct {
	URL         string
	Timeout     time.Duration
	Concurrency int
	RatePerSec  int
}

// Checker probes endpoints with an HTTP GET routed through each proxy.
type Checker struct {
	opts    CheckerOptions
	limiter *rate.Limiter
	log     logx.Logger

	// newClient is swapped in tests.
	newClient func(ep Endpoint, timeout time.Duration) *http.Client
}

func NewChecker(opts CheckerOptions, log logx.Logger) *Checker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	return &Checker{
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Concurrency),
		log:       log.With(logx.String("comp", "proxy.checker")),
		newClient: proxiedClient,
	}
}

func proxiedClient(ep Endpoint, timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyURL(ep.URL()),
		TLSHandshakeTimeout: timeout,
		DisableKeepAlives:   true,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Check probes every endpoint with bounded parallelism. Results keep input order.
// onResult, when set, is called as each probe completes.
func (c *Checker) Check(ctx context.Context, endpoints []Endpoint, onResult func(Result)) []Result {
	results := make([]Result, len(endpoints))
	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = Result{Endpoint: ep, Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()
			r := c.probe(ctx, ep)
			results[i] = r
			if onResult != nil {
				onResult(r)
			}
		}(i, ep)
	}
	wg.Wait()

	working := 0
	for _, r := range results {
		if r.Working {
			working++
		}
	}
	c.log.Info("proxy check finished", logx.Int("total", len(results)), logx.Int("working", working))
	return results
}

func (c *Checker) probe(ctx context.Context, ep Endpoint) Result {
	res := Result{Endpoint: ep}
	if err := c.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	start := time.Now()
	resp, err := c.newClient(ep, c.opts.Timeout).Do(req)
	if err != nil {
		res.Err = err
		c.log.Debug("proxy probe failed", logx.String("proxy", ep.Redacted()), logx.Err(err))
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	res.Latency = time.Since(start)
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return res
	}
	res.Working = true
	return res
}

// Records converts results into persisted records stamped with now.
func Records(results []Result, now time.Time) []Record {
	out := make([]Record, 0, len(results))
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			continue
		}
		rec := Record{Endpoint: r.Endpoint.String(), Status: StatusNotWorking, CheckedAt: now}
		if r.Working {
			rec.Status = StatusWorking
			rec.Latency = r.Latency.Round(time.Millisecond).String()
		}
		out = append(out, rec)
	}
	return out
}

// Prunable returns the endpoints whose last check failed.
func Prunable(records []Record) []string {
	var out []string
	for _, r := range records {
		if r.Status == StatusNotWorking {
			out = append(out, r.Endpoint)
		}
	}
	return out
}
