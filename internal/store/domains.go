package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/themadorg/madgate/internal/exterrors"
)

// CreateDomainParams describes a new issuing domain. Either IsLocal is set
// (mail arrives via the built-in SMTP receiver) or the POP3 coordinates of
// the upstream provider are given.
type CreateDomainParams struct {
	Domain   string
	POP3Host string
	POP3Port int
	POP3TLS  bool
	IsLocal  bool
	Active   bool
}

func (s *Store) CreateDomain(ctx context.Context, p CreateDomainParams) (*Domain, error) {
	name := strings.ToLower(strings.TrimSpace(p.Domain))

	var existing Domain
	err := s.db.WithContext(ctx).Where("domain = ?", name).First(&existing).Error
	if err == nil {
		return nil, exterrors.Newf(exterrors.Conflict, "domain %s already exists", name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	domain := &Domain{
		ID:       uuid.NewString(),
		Domain:   name,
		POP3Host: p.POP3Host,
		POP3Port: p.POP3Port,
		POP3TLS:  p.POP3TLS,
		IsLocal:  p.IsLocal,
		Active:   p.Active,
	}
	if err := s.db.WithContext(ctx).Create(domain).Error; err != nil {
		return nil, err
	}
	return domain, nil
}

func (s *Store) GetDomain(ctx context.Context, id string) (*Domain, error) {
	var domain Domain
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&domain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exterrors.New(exterrors.NotFound, "domain not found")
	}
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	var domains []Domain
	err := s.db.WithContext(ctx).Order("domain ASC").Find(&domains).Error
	return domains, err
}

// ListActiveDomains returns active domains, optionally restricted to
// local ones (for the SMTP receiver's cache).
func (s *Store) ListActiveDomains(ctx context.Context, localOnly bool) ([]Domain, error) {
	q := s.db.WithContext(ctx).Where("active = ?", true)
	if localOnly {
		q = q.Where("is_local = ?", true)
	}
	var domains []Domain
	err := q.Order("domain ASC").Find(&domains).Error
	return domains, err
}

// UpdateDomainParams: nil fields are left unchanged.
type UpdateDomainParams struct {
	POP3Host *string
	POP3Port *int
	POP3TLS  *bool
	IsLocal  *bool
	Active   *bool
}

func (s *Store) UpdateDomain(ctx context.Context, id string, p UpdateDomainParams) (*Domain, error) {
	updates := map[string]interface{}{}
	if p.POP3Host != nil {
		updates["pop3_host"] = *p.POP3Host
	}
	if p.POP3Port != nil {
		updates["pop3_port"] = *p.POP3Port
	}
	if p.POP3TLS != nil {
		updates["pop3_tls"] = *p.POP3TLS
	}
	if p.IsLocal != nil {
		updates["is_local"] = *p.IsLocal
	}
	if p.Active != nil {
		updates["active"] = *p.Active
	}

	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&Domain{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, exterrors.New(exterrors.NotFound, "domain not found")
		}
	}
	return s.GetDomain(ctx, id)
}

// DeleteDomain removes a domain. Refused while active inboxes still
// reference it; cascading over live inboxes is an administrative decision,
// not a runtime one.
func (s *Store) DeleteDomain(ctx context.Context, id string) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&Inbox{}).
		Where("domain_id = ? AND status = ?", id, InboxStatusActive).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return exterrors.Newf(exterrors.Conflict,
			"domain has %d active inboxes; delete them first", count)
	}

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Domain{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return exterrors.New(exterrors.NotFound, "domain not found")
	}
	return nil
}

// RecordBulkGeneration writes the bookkeeping row for an admin
// bulk-generate call.
func (s *Store) RecordBulkGeneration(ctx context.Context, count int, domainIDs []string, actorIP string) error {
	return s.db.WithContext(ctx).Create(&BulkGeneration{
		ID:          uuid.NewString(),
		Count:       count,
		DomainIDs:   domainIDs,
		CreatedByIP: actorIP,
	}).Error
}
