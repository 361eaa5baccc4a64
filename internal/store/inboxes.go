package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/themadorg/madgate/internal/exterrors"
)

// CreateInboxParams carries the plaintext mailbox credentials; they are
// encrypted before the row is written and never stored or returned in the
// clear afterwards.
type CreateInboxParams struct {
	EmailAddress string
	Type         string
	POP3Host     string
	POP3Port     int
	POP3TLS      bool
	Username     string
	Password     string
	DomainID     *string
	CreatedByIP  string
	TTLSeconds   int
}

// CreateInbox encrypts the credentials and inserts the inbox as active.
func (s *Store) CreateInbox(ctx context.Context, p CreateInboxParams) (*Inbox, error) {
	encUser, err := s.keyring.Encrypt(p.Username)
	if err != nil {
		return nil, err
	}
	encPass, err := s.keyring.Encrypt(p.Password)
	if err != nil {
		return nil, err
	}

	inbox := &Inbox{
		ID:                uuid.NewString(),
		EmailAddress:      strings.ToLower(p.EmailAddress),
		Type:              p.Type,
		Status:            InboxStatusActive,
		POP3Host:          p.POP3Host,
		POP3Port:          p.POP3Port,
		POP3TLS:           p.POP3TLS,
		EncryptedUsername: encUser,
		EncryptedPassword: encPass,
		DomainID:          p.DomainID,
		CreatedByIP:       p.CreatedByIP,
		TTLSeconds:        p.TTLSeconds,
	}
	if err := s.db.WithContext(ctx).Create(inbox).Error; err != nil {
		return nil, err
	}
	return inbox, nil
}

// GetInbox fetches an inbox by id. NotFound-kind error when absent.
func (s *Store) GetInbox(ctx context.Context, id string) (*Inbox, error) {
	var inbox Inbox
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&inbox).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "inbox not found")
	}
	if err != nil {
		return nil, err
	}
	return &inbox, nil
}

// GetActiveInboxByEmail does a case-insensitive lookup among active
// inboxes (addresses are stored lower-cased).
func (s *Store) GetActiveInboxByEmail(ctx context.Context, email string) (*Inbox, error) {
	var inbox Inbox
	err := s.db.WithContext(ctx).
		Where("email_address = ? AND status = ?", strings.ToLower(email), InboxStatusActive).
		First(&inbox).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "no active inbox for recipient")
	}
	if err != nil {
		return nil, err
	}
	return &inbox, nil
}

// Credentials decrypts the stored mailbox credentials.
func (s *Store) Credentials(inbox *Inbox) (username, password string, err error) {
	username, err = s.keyring.Decrypt(inbox.EncryptedUsername)
	if err != nil {
		return "", "", err
	}
	password, err = s.keyring.Decrypt(inbox.EncryptedPassword)
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

// AdvanceCursor moves last_seen_uid from the value observed at the start
// of the fetch to newUID. The update is conditional so an interleaved job
// can never move the cursor backwards.
func (s *Store) AdvanceCursor(ctx context.Context, inboxID string, observed *string, newUID string) error {
	q := s.db.WithContext(ctx).Model(&Inbox{}).Where("id = ?", inboxID)
	if observed == nil {
		q = q.Where("last_seen_uid IS NULL")
	} else {
		q = q.Where("last_seen_uid = ?", *observed)
	}
	res := q.Update("last_seen_uid", newUID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Another fetch advanced it first. Not an error: the other
		// job's view of the mailbox is as authoritative as ours.
		s.logger.Debug("cursor advance skipped, concurrent fetch won",
			zap.String("inbox_id", inboxID), zap.String("uid", newUID))
	}
	return nil
}

// DeleteInboxCascade hard-deletes everything the inbox owns in one
// transaction: attachments, messages, active tokens (revoked), and the
// inbox row itself is marked deleted with its credential blobs wiped.
func (s *Store) DeleteInboxCascade(ctx context.Context, id string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inbox Inbox
		if err := tx.Where("id = ?", id).First(&inbox).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return exterrors.New(exterrors.NotFound, "inbox not found")
			}
			return err
		}

		if err := tx.Where("inbox_id = ?", id).Delete(&Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("inbox_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Token{}).
			Where("inbox_id = ? AND status = ?", id, TokenStatusActive).
			Updates(map[string]interface{}{
				"status":     TokenStatusRevoked,
				"revoked_at": now,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&Inbox{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":             InboxStatusDeleted,
				"encrypted_username": "",
				"encrypted_password": "",
				"last_seen_uid":      nil,
				"deleted_at":         now,
			}).Error
	})
}

// CountInboxes returns totals for the stats endpoint.
func (s *Store) CountInboxes(ctx context.Context) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Inbox{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&Inbox{}).
		Where("status = ?", InboxStatusActive).Count(&active).Error
	return total, active, err
}

// GeneratedInbox pairs an address with its decrypted password, for the
// admin export.
type GeneratedInbox struct {
	EmailAddress string
	Password     string
	CreatedAt    time.Time
}

// ExportGeneratedInboxes lists active generated inboxes with decrypted
// passwords. Rows whose blob fails to decrypt are skipped with a warning
// rather than failing the export.
func (s *Store) ExportGeneratedInboxes(ctx context.Context) ([]GeneratedInbox, error) {
	var inboxes []Inbox
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ?", InboxTypeGenerated, InboxStatusActive).
		Order("created_at ASC").
		Find(&inboxes).Error
	if err != nil {
		return nil, err
	}

	out := make([]GeneratedInbox, 0, len(inboxes))
	for i := range inboxes {
		password, err := s.keyring.Decrypt(inboxes[i].EncryptedPassword)
		if err != nil {
			s.logger.Warn("export: credential decrypt failed, skipping inbox",
				zap.String("inbox_id", inboxes[i].ID), zap.Error(err))
			continue
		}
		out = append(out, GeneratedInbox{
			EmailAddress: inboxes[i].EmailAddress,
			Password:     password,
			CreatedAt:    inboxes[i].CreatedAt,
		})
	}
	return out, nil
}
