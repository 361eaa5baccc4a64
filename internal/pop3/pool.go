package pop3

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/themadorg/madgate/internal/metrics"
)

// Credentials carries everything needed to open one authenticated session.
// The plaintext password lives only for the duration of the Execute call.
type Credentials struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// ThrottledError is returned without opening a socket while a host is
// inside its throttle window.
type ThrottledError struct {
	Host  string
	Until time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("pop3: host %s throttled until %s", e.Host, e.Until.Format(time.RFC3339))
}

// Provider throttle signals. Matched case-insensitively against the whole
// error text.
var throttleSignals = []string{
	"too many connections",
	"login rate",
	"try again later",
}

// PoolConfig tunes the shared connection pool.
type PoolConfig struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBase      time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	ThrottleWindow time.Duration
}

// Pool serializes access to upstream POP3 servers: at most MaxConcurrent
// sessions in flight, strict FIFO wakeup for over-cap callers, exponential
// retry with a fresh connection per attempt, and a per-host throttle that
// fails fast without consuming a slot.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	// slots is FIFO for waiters, which gives the queue-fairness
	// guarantee directly.
	slots *semaphore.Weighted

	mu            sync.Mutex
	throttleUntil map[string]time.Time

	// now is swappable in tests.
	now func() time.Time
}

func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = 30 * time.Second
	}
	return &Pool{
		cfg:           cfg,
		logger:        logger,
		slots:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		throttleUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Cap returns the configured concurrency cap (the fetch queue sizes its
// worker pool to match).
func (p *Pool) Cap() int { return p.cfg.MaxConcurrent }

// Execute runs op against an authenticated session, retrying with
// exponential backoff on failure. Each attempt uses a fresh connection and
// ends with QUIT. The throttle check happens before slot acquisition, so a
// throttled call neither blocks nor takes a queue position.
func (p *Pool) Execute(ctx context.Context, creds Credentials, op func(*Client) error) error {
	if err := p.checkThrottle(creds.Host); err != nil {
		return err
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("pop3 pool: waiting for slot: %w", err)
	}
	defer p.slots.Release(1)
	metrics.POP3PoolInFlight.Inc()
	defer metrics.POP3PoolInFlight.Dec()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			metrics.POP3Retries.Inc()
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return err
			}
		}

		lastErr = p.attempt(creds, op)
		if lastErr == nil {
			return nil
		}

		if isThrottleSignal(lastErr) {
			until := p.setThrottle(creds.Host)
			p.logger.Warn("provider throttle detected, backing off host",
				zap.String("host", creds.Host),
				zap.Time("until", until),
				zap.Error(lastErr))
			return &ThrottledError{Host: creds.Host, Until: until}
		}

		p.logger.Debug("pop3 attempt failed",
			zap.String("host", creds.Host),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return fmt.Errorf("pop3 pool: %d attempts against %s failed: %w",
		p.cfg.MaxRetries, creds.Host, lastErr)
}

func (p *Pool) attempt(creds Credentials, op func(*Client) error) error {
	client, err := Dial(Config{
		Host:           creds.Host,
		Port:           creds.Port,
		TLS:            creds.TLS,
		ConnectTimeout: p.cfg.ConnectTimeout,
		CommandTimeout: p.cfg.CommandTimeout,
	})
	if err != nil {
		return err
	}
	// Close without QUIT on error paths; Quit on success.
	if err := client.Login(creds.Username, creds.Password); err != nil {
		client.Close()
		return err
	}
	if err := op(client); err != nil {
		client.Close()
		return err
	}
	return client.Quit()
}

func (p *Pool) backoff(attempt int) time.Duration {
	base := p.cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	return base << (attempt - 2)
}

func (p *Pool) checkThrottle(host string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.throttleUntil[host]
	if !ok {
		return nil
	}
	if p.now().Before(until) {
		metrics.POP3Throttled.Inc()
		return &ThrottledError{Host: host, Until: until}
	}
	delete(p.throttleUntil, host)
	return nil
}

func (p *Pool) setThrottle(host string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().Add(p.cfg.ThrottleWindow)
	p.throttleUntil[host] = until
	return until
}

func isThrottleSignal(err error) bool {
	text := strings.ToLower(err.Error())
	for _, sig := range throttleSignals {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
