package store

import (
	"context"

	"go.uber.org/zap"
)

// Audit event kinds.
const (
	AuditInboxCreated  = "inbox.created"
	AuditInboxDeleted  = "inbox.deleted"
	AuditTokenRotated  = "token.rotated"
	AuditSMTPDelivered = "smtp.delivered"
	AuditDomainChanged = "domain.changed"
	AuditBulkGenerated = "bulk.generated"
)

// Audit appends an audit event. Best-effort: failures are logged and never
// surfaced to the caller, so an audit outage cannot fail the originating
// request.
func (s *Store) Audit(ctx context.Context, kind string, inboxID *string, actorIP string, metadata map[string]interface{}) {
	event := &AuditLog{
		EventKind: kind,
		InboxID:   inboxID,
		ActorIP:   actorIP,
		Metadata:  metadata,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.logger.Warn("audit write failed",
			zap.String("kind", kind),
			zap.Error(err))
	}
}
