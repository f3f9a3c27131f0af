package action

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/remote"
	"fleetbot/internal/remote/remotetest"
	"fleetbot/internal/task"
	"fleetbot/internal/workqueue"
)

// testEnv is an in-memory Env whose pacing never sleeps.
type testEnv struct {
	account string
	task    task.Task
	client  remote.Client
	queue   *workqueue.Queue
	rng     *rand.Rand

	maxThrottle int
	guardErr    error

	mu       sync.Mutex
	progress []string
	records  []bool
	denied   map[string]string
	consumed []string
	status   string
	warmed   bool
	backoffs []time.Duration
}

func newTestEnv(t *testing.T, d *remotetest.Dialer, tk task.Task) *testEnv {
	t.Helper()
	c, err := d.Dial(context.Background(), remote.Credentials{Account: "acc"}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testEnv{
		account:     "acc",
		task:        tk,
		client:      c,
		rng:         rand.New(rand.NewSource(1)),
		maxThrottle: 3,
		denied:      map[string]string{},
	}
}

func (e *testEnv) Account() string            { return e.account }
func (e *testEnv) Task() task.Task            { return e.task }
func (e *testEnv) Client() remote.Client      { return e.client }
func (e *testEnv) Queue() *workqueue.Queue    { return e.queue }
func (e *testEnv) Rand() *rand.Rand           { return e.rng }
func (e *testEnv) VerifyDelay() time.Duration { return 0 }
func (e *testEnv) CyclePause() time.Duration  { return 0 }
func (e *testEnv) ThrottleLimit() int         { return e.maxThrottle }

func (e *testEnv) Progress(status string) {
	e.mu.Lock()
	e.progress = append(e.progress, status)
	e.mu.Unlock()
}

func (e *testEnv) Pace(ctx context.Context) error { return ctx.Err() }

func (e *testEnv) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func (e *testEnv) Backoff(ctx context.Context, op string, d time.Duration) error {
	e.mu.Lock()
	e.backoffs = append(e.backoffs, d)
	e.mu.Unlock()
	return ctx.Err()
}

func (e *testEnv) Attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for n := 0; ; n++ {
		err := fn(ctx)
		wait, ok := remote.ThrottleWait(err)
		if !ok {
			return err
		}
		if n >= e.maxThrottle {
			return &remote.Error{Kind: remote.KindTarget, Op: op, Err: ErrThrottleLimit}
		}
		if err := e.Backoff(ctx, op, wait); err != nil {
			return err
		}
	}
}

func (e *testEnv) Guard(ctx context.Context) error { return e.guardErr }

func (e *testEnv) Record(success bool) {
	e.mu.Lock()
	e.records = append(e.records, success)
	e.mu.Unlock()
}

func (e *testEnv) Denied(ctx context.Context, target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.denied[target]
	return ok
}

func (e *testEnv) Deny(ctx context.Context, target, reason string) {
	e.mu.Lock()
	e.denied[target] = reason
	e.mu.Unlock()
}

func (e *testEnv) Consume(ctx context.Context, list, item string) error {
	e.mu.Lock()
	e.consumed = append(e.consumed, list+"/"+item)
	e.mu.Unlock()
	return nil
}

func (e *testEnv) SetAccountStatus(status string) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *testEnv) MarkWarmedUp(ctx context.Context) error {
	e.mu.Lock()
	e.warmed = true
	e.mu.Unlock()
	return nil
}

func (e *testEnv) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.progress) == 0 {
		return ""
	}
	return e.progress[len(e.progress)-1]
}

func (e *testEnv) fake() *remotetest.Client { return e.client.(*remotetest.Client) }
