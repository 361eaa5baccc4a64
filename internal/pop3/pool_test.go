package pop3

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testPool(cap, retries int) *Pool {
	return NewPool(PoolConfig{
		MaxConcurrent:  cap,
		MaxRetries:     retries,
		RetryBase:      10 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		ThrottleWindow: 30 * time.Second,
	}, zap.NewNop())
}

func mockCreds(t *testing.T, srv *mockServer) Credentials {
	host, port := srv.hostPort(t)
	return Credentials{Host: host, Port: port, Username: "u", Password: "p"}
}

func TestPoolExecuteHappyPath(t *testing.T) {
	srv := newMockServer(t, mockOpts{Messages: []mockMsg{{UID: "u1", Data: "x"}}})
	p := testPool(2, 3)

	var uids []string
	err := p.Execute(context.Background(), mockCreds(t, srv), func(c *Client) error {
		entries, err := c.Uidl()
		if err != nil {
			return err
		}
		for _, e := range entries {
			uids = append(uids, e.UID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(uids) != 1 || uids[0] != "u1" {
		t.Errorf("uids = %v, want [u1]", uids)
	}
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	srv := newMockServer(t, mockOpts{FailFirstConns: &failures})
	p := testPool(1, 3)

	err := p.Execute(context.Background(), mockCreds(t, srv), func(c *Client) error {
		return c.Noop()
	})
	if err != nil {
		t.Fatalf("Execute after transient failures: %v", err)
	}
	if got := srv.conns.Load(); got != 3 {
		t.Errorf("connection attempts = %d, want 3", got)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	srv := newMockServer(t, mockOpts{RejectAuth: true})
	p := testPool(1, 3)

	err := p.Execute(context.Background(), mockCreds(t, srv), func(c *Client) error {
		return nil
	})
	if err == nil {
		t.Fatal("Execute succeeded against auth-rejecting server")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("error chain lacks *AuthError: %v", err)
	}
	if got := srv.conns.Load(); got != 3 {
		t.Errorf("connection attempts = %d, want 3 (one per retry)", got)
	}
}

func TestPoolThrottleFastFail(t *testing.T) {
	srv := newMockServer(t, mockOpts{
		RejectAuth:     true,
		RejectAuthLine: "-ERR too many connections from your IP",
	})
	p := testPool(1, 3)
	creds := mockCreds(t, srv)

	// First call: provider throttle detected on attempt 1; remaining
	// retries are abandoned.
	err := p.Execute(context.Background(), creds, func(c *Client) error { return nil })
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want *ThrottledError", err)
	}
	if got := srv.conns.Load(); got != 1 {
		t.Errorf("connection attempts = %d, want 1 (no retries after throttle)", got)
	}

	// Inside the window: fast-fail, no socket.
	err = p.Execute(context.Background(), creds, func(c *Client) error { return nil })
	if !errors.As(err, &throttled) {
		t.Fatalf("in-window error = %v, want *ThrottledError", err)
	}
	if got := srv.conns.Load(); got != 1 {
		t.Errorf("in-window call opened a socket: %d conns", got)
	}

	// After the window the host is retried for real.
	p.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	err = p.Execute(context.Background(), creds, func(c *Client) error { return nil })
	if err == nil {
		t.Fatal("server still rejects auth; expected an error")
	}
	if got := srv.conns.Load(); got < 2 {
		t.Errorf("post-window call did not open a socket: %d conns", got)
	}
}

func TestPoolThrottleRecovery(t *testing.T) {
	var rejecting atomic.Bool
	rejecting.Store(true)
	srv := newMockServer(t, mockOpts{
		RejectAuthDynamic: &rejecting,
		RejectAuthLine:    "-ERR login rate exceeded, try again later",
	})
	p := testPool(1, 3)
	creds := mockCreds(t, srv)

	err := p.Execute(context.Background(), creds, func(c *Client) error { return nil })
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want *ThrottledError", err)
	}

	// Window passes and the provider calms down: the next call succeeds.
	rejecting.Store(false)
	p.now = func() time.Time { return time.Now().Add(time.Minute) }
	if err := p.Execute(context.Background(), creds, func(c *Client) error { return c.Noop() }); err != nil {
		t.Fatalf("post-recovery Execute: %v", err)
	}
}

func TestPoolConcurrencyCapAndFairness(t *testing.T) {
	srv := newMockServer(t, mockOpts{})
	const cap = 2
	const callers = 6
	p := testPool(cap, 1)
	creds := mockCreds(t, srv)

	var inFlight, peak atomic.Int64
	var mu sync.Mutex
	var completionOrder []int

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := p.Execute(context.Background(), creds, func(c *Client) error {
				cur := inFlight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				<-release
				inFlight.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", id, err)
				return
			}
			mu.Lock()
			completionOrder = append(completionOrder, id)
			mu.Unlock()
		}(i)
		// Stagger submissions so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	if got := peak.Load(); got > cap {
		t.Errorf("peak in-flight = %d, exceeds cap %d", got, cap)
	}
	if len(completionOrder) != callers {
		t.Fatalf("completions = %d, want %d", len(completionOrder), callers)
	}
	// Waiters beyond the cap must wake in submission order: their ids
	// appear in increasing order among completions.
	var waiters []int
	for _, id := range completionOrder {
		if id >= cap {
			waiters = append(waiters, id)
		}
	}
	for i := 1; i < len(waiters); i++ {
		if waiters[i] < waiters[i-1] {
			t.Errorf("FIFO violated among queued callers: %v (full order %v)",
				waiters, completionOrder)
			break
		}
	}
}

func TestPoolContextCancelledWhileQueued(t *testing.T) {
	srv := newMockServer(t, mockOpts{})
	p := testPool(1, 1)
	creds := mockCreds(t, srv)

	block := make(chan struct{})
	go p.Execute(context.Background(), creds, func(c *Client) error {
		<-block
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Execute(ctx, creds, func(c *Client) error { return nil })
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued caller error = %v, want context deadline", err)
	}
}
