package store

import "context"

// Stats are the counters behind GET /v1/admin/stats.
type Stats struct {
	InboxesTotal    int64 `json:"inboxes_total"`
	InboxesActive   int64 `json:"inboxes_active"`
	Messages        int64 `json:"messages"`
	Attachments     int64 `json:"attachments"`
	TokensActive    int64 `json:"tokens_active"`
	DomainsActive   int64 `json:"domains_active"`
	BulkGenerations int64 `json:"bulk_generations"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var err error
	if st.InboxesTotal, st.InboxesActive, err = s.CountInboxes(ctx); err != nil {
		return nil, err
	}
	if st.Messages, st.Attachments, err = s.CountMessages(ctx); err != nil {
		return nil, err
	}
	if err = s.db.WithContext(ctx).Model(&Token{}).
		Where("status = ?", TokenStatusActive).Count(&st.TokensActive).Error; err != nil {
		return nil, err
	}
	if err = s.db.WithContext(ctx).Model(&Domain{}).
		Where("active = ?", true).Count(&st.DomainsActive).Error; err != nil {
		return nil, err
	}
	if err = s.db.WithContext(ctx).Model(&BulkGeneration{}).Count(&st.BulkGenerations).Error; err != nil {
		return nil, err
	}
	return &st, nil
}
