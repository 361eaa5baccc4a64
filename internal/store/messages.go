package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/mailparse"
)

// InsertMessages persists a batch of parsed messages for one inbox in a
// single transaction. (inbox_id, uid) is the idempotency key: rows that
// already exist are skipped silently, and their attachments are not
// written. Returns how many messages were actually inserted.
func (s *Store) InsertMessages(ctx context.Context, inboxID string, parsed []*mailparse.Parsed) (int, error) {
	if len(parsed) == 0 {
		return 0, nil
	}

	inserted := 0
	base := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, pm := range parsed {
			msg := &Message{
				ID:         uuid.NewString(),
				InboxID:    inboxID,
				UID:        pm.UID,
				MessageID:  pm.MessageID,
				Sender:     pm.From,
				Recipients: toRecipients(pm.To),
				Subject:    pm.Subject,
				TextBody:   pm.TextBody,
				HTMLBody:   pm.HTMLBody,
				Headers:    pm.Headers,
				SizeBytes:  pm.SizeBytes,
				ReceivedAt: pm.ReceivedAt,
				// Monotonic within the batch so the cursor axis
				// preserves fetch order.
				FetchedAt: base.Add(time.Duration(i) * time.Microsecond),
			}

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "inbox_id"}, {Name: "uid"}},
				DoNothing: true,
			}).Create(msg)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Conflict: already ingested, skip attachments too.
				continue
			}
			inserted++

			for _, att := range pm.Attachments {
				row := &Attachment{
					ID:          uuid.NewString(),
					MessageID:   msg.ID,
					InboxID:     inboxID,
					Filename:    att.Filename,
					ContentType: att.ContentType,
					SizeBytes:   att.SizeBytes,
					ContentID:   att.ContentID,
					Checksum:    att.Checksum,
					Content:     att.Content,
				}
				if err := tx.Create(row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func toRecipients(addrs []mailparse.Address) []Recipient {
	out := make([]Recipient, len(addrs))
	for i, a := range addrs {
		out[i] = Recipient{Address: a.Address, Name: a.Name}
	}
	return out
}

// ListMessagesSince returns messages for the inbox in ascending fetched_at
// order. When sinceUID resolves to a stored message, only strictly newer
// rows are returned; an unknown or empty sinceUID yields the first page.
// Attachment rows are preloaded without their payload bytes.
func (s *Store) ListMessagesSince(ctx context.Context, inboxID, sinceUID string, limit int) ([]Message, error) {
	q := s.db.WithContext(ctx).
		Where("inbox_id = ?", inboxID).
		Order("fetched_at ASC, id ASC").
		Preload("Attachments", func(db *gorm.DB) *gorm.DB {
			return db.Select("id", "message_id", "inbox_id", "filename",
				"content_type", "size_bytes", "content_id", "checksum", "created_at")
		})

	if sinceUID != "" {
		var anchor Message
		err := s.db.WithContext(ctx).
			Select("fetched_at").
			Where("inbox_id = ? AND uid = ?", inboxID, sinceUID).
			First(&anchor).Error
		switch {
		case err == nil:
			q = q.Where("fetched_at > ?", anchor.FetchedAt)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Unknown cursor: fall back to the first page.
		default:
			return nil, err
		}
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var messages []Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// GetAttachment fetches one attachment with its payload, scoped to the
// inbox and message UID so a bearer token can never reach across inboxes.
func (s *Store) GetAttachment(ctx context.Context, inboxID, messageUID, attachmentID string) (*Attachment, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Select("id").
		Where("inbox_id = ? AND uid = ?", inboxID, messageUID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "message not found")
	}
	if err != nil {
		return nil, err
	}

	var att Attachment
	err = s.db.WithContext(ctx).
		Where("id = ? AND message_id = ? AND inbox_id = ?", attachmentID, msg.ID, inboxID).
		First(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "attachment not found")
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// CountMessages returns message and attachment totals for the stats
// endpoint.
func (s *Store) CountMessages(ctx context.Context) (messages, attachments int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Message{}).Count(&messages).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&Attachment{}).Count(&attachments).Error
	return messages, attachments, err
}
