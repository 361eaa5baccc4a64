package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/metrics"
)

// CreateToken inserts an active token row for the given hash.
func (s *Store) CreateToken(ctx context.Context, inboxID, tokenHash string, expiresAt time.Time, issuedBy string) (*Token, error) {
	token := &Token{
		ID:        uuid.NewString(),
		InboxID:   inboxID,
		TokenHash: tokenHash,
		Status:    TokenStatusActive,
		ExpiresAt: expiresAt,
		IssuedBy:  issuedBy,
	}
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return nil, err
	}
	return token, nil
}

// RevokeActiveTokens marks every active token of the inbox revoked.
func (s *Store) RevokeActiveTokens(ctx context.Context, inboxID string) error {
	return s.revokeActiveTokens(s.db.WithContext(ctx), inboxID)
}

func (s *Store) revokeActiveTokens(tx *gorm.DB, inboxID string) error {
	now := s.now().UTC()
	return tx.Model(&Token{}).
		Where("inbox_id = ? AND status = ?", inboxID, TokenStatusActive).
		Updates(map[string]interface{}{
			"status":     TokenStatusRevoked,
			"revoked_at": now,
		}).Error
}

// RotateToken revokes all active tokens and inserts the replacement in one
// transaction, keeping "at most one active token per inbox" intact even
// under concurrent rotates.
func (s *Store) RotateToken(ctx context.Context, inboxID, newHash string, expiresAt time.Time, issuedBy string) (*Token, error) {
	token := &Token{
		ID:        uuid.NewString(),
		InboxID:   inboxID,
		TokenHash: newHash,
		Status:    TokenStatusActive,
		ExpiresAt: expiresAt,
		IssuedBy:  issuedBy,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.revokeActiveTokens(tx, inboxID); err != nil {
			return err
		}
		return tx.Create(token).Error
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// TokenWithInbox is a token row joined with its inbox, as needed by the
// request-path authentication checks.
type TokenWithInbox struct {
	Token Token
	Inbox Inbox
}

// LookupTokenByHash returns the token row and its inbox. NotFound when the
// hash is unknown.
func (s *Store) LookupTokenByHash(ctx context.Context, tokenHash string) (*TokenWithInbox, error) {
	var token Token
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "unknown token")
	}
	if err != nil {
		return nil, err
	}

	var inbox Inbox
	if err := s.db.WithContext(ctx).Where("id = ?", token.InboxID).First(&inbox).Error; err != nil {
		return nil, err
	}
	return &TokenWithInbox{Token: token, Inbox: inbox}, nil
}

// SweepExpiredTokens transitions active-but-expired rows to expired.
// Called from the background sweeper; the request path enforces expiry
// independently in case the sweep lags.
func (s *Store) SweepExpiredTokens(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Token{}).
		Where("status = ? AND expires_at < ?", TokenStatusActive, s.now().UTC()).
		Update("status", TokenStatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		metrics.TokensSwept.Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}
