// Package token implements the bearer-capability lifecycle: opaque token
// issue/rotate, the request-path authentication state machine, and the
// background expiry sweep.
//
// The raw token is 32 random bytes in hex and is shown to the caller
// exactly once, at issue or rotate. Only its SHA-256 is persisted, and the
// hash lookup is always authoritative.
package token

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/crypto"
	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/store"
)

// Issuer mints and validates tokens.
type Issuer struct {
	store  *store.Store
	cfg    config.TokenSettings
	logger *zap.Logger

	now func() time.Time
}

func NewIssuer(st *store.Store, cfg config.TokenSettings, logger *zap.Logger) *Issuer {
	return &Issuer{store: st, cfg: cfg, logger: logger, now: time.Now}
}

// clampTTL applies the default for zero and the administrative ceiling.
func (i *Issuer) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return i.cfg.DefaultTTL
	}
	if ttl > i.cfg.MaxTTL {
		return i.cfg.MaxTTL
	}
	return ttl
}

// Issue creates an active token for the inbox and returns the raw secret.
func (i *Issuer) Issue(ctx context.Context, inboxID string, ttl time.Duration, issuedBy string) (raw string, tok *store.Token, err error) {
	raw, err = crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	expiresAt := i.now().Add(i.clampTTL(ttl)).UTC()
	tok, err = i.store.CreateToken(ctx, inboxID, crypto.HashToken(raw), expiresAt, issuedBy)
	if err != nil {
		return "", nil, err
	}
	return raw, tok, nil
}

// Rotate revokes every active token of the inbox and issues a fresh one,
// atomically. At most one active token per inbox holds afterwards.
func (i *Issuer) Rotate(ctx context.Context, inboxID string, ttl time.Duration, issuedBy string) (raw string, tok *store.Token, err error) {
	raw, err = crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	expiresAt := i.now().Add(i.clampTTL(ttl)).UTC()
	tok, err = i.store.RotateToken(ctx, inboxID, crypto.HashToken(raw), expiresAt, issuedBy)
	if err != nil {
		return "", nil, err
	}
	return raw, tok, nil
}

// Authenticate runs the request-path state machine over a raw bearer
// value and returns the inbox the token grants access to.
//
// Rejections, in order: missing token, unknown hash, non-active token,
// expired token (checked on the wire even though the sweep also runs),
// inactive inbox.
func (i *Issuer) Authenticate(ctx context.Context, raw string) (*store.Inbox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, exterrors.New(exterrors.Authentication, "missing bearer token")
	}

	row, err := i.store.LookupTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil {
		if exterrors.IsKind(err, exterrors.NotFound) {
			return nil, exterrors.New(exterrors.Authentication, "invalid token")
		}
		return nil, err
	}

	if row.Token.Status != store.TokenStatusActive {
		return nil, exterrors.New(exterrors.Authentication, "token revoked")
	}
	if row.Token.ExpiresAt.Before(i.now()) {
		return nil, exterrors.New(exterrors.Authentication, "token expired")
	}
	if row.Inbox.Status != store.InboxStatusActive {
		return nil, exterrors.New(exterrors.Authorization, "inbox is not active")
	}
	return &row.Inbox, nil
}

// Sweeper periodically expires stale active tokens. Fire-and-forget:
// failures are logged, never escalated.
type Sweeper struct {
	store    *store.Store
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(st *store.Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	swept, err := s.store.SweepExpiredTokens(ctx)
	if err != nil {
		s.logger.Warn("token sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		s.logger.Info("expired tokens swept", zap.Int64("count", swept))
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
