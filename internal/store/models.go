package store

import (
	"time"
)

// Inbox type values.
const (
	InboxTypeExternal  = "external"
	InboxTypeGenerated = "generated"
)

// Inbox status values.
const (
	InboxStatusActive    = "active"
	InboxStatusSuspended = "suspended"
	InboxStatusDeleted   = "deleted"
)

// Token status values.
const (
	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
	TokenStatusExpired = "expired"
)

// Inbox represents the inboxes table. Credentials are opaque encrypted
// blobs; once the inbox is deleted they are overwritten with empty strings.
type Inbox struct {
	ID           string `gorm:"primaryKey;size:36"`
	EmailAddress string `gorm:"size:320;not null;index"`
	Type         string `gorm:"size:16;not null"`
	Status       string `gorm:"size:16;not null;index"`

	POP3Host string `gorm:"size:255"`
	POP3Port int
	POP3TLS  bool

	EncryptedUsername string
	EncryptedPassword string

	// LastSeenUID advances only to a UID observed in a completed fetch.
	LastSeenUID *string `gorm:"size:255"`

	DomainID    *string `gorm:"size:36;index"`
	CreatedByIP string  `gorm:"size:64"`
	TTLSeconds  int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Token represents the tokens table. Only the SHA-256 of the raw token is
// stored.
type Token struct {
	ID        string `gorm:"primaryKey;size:36"`
	InboxID   string `gorm:"size:36;not null;index"`
	TokenHash string `gorm:"size:64;not null;uniqueIndex"`
	Status    string `gorm:"size:16;not null;index"`
	ExpiresAt time.Time
	IssuedBy  string `gorm:"size:64"`
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Recipient is one entry of a message's To list, stored as JSON.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message represents the messages table. (inbox_id, uid) is the
// idempotency key for ingestion.
type Message struct {
	ID      string `gorm:"primaryKey;size:36"`
	InboxID string `gorm:"size:36;not null;uniqueIndex:idx_messages_inbox_uid,priority:1"`
	UID     string `gorm:"size:255;not null;uniqueIndex:idx_messages_inbox_uid,priority:2"`

	MessageID  string            `gorm:"size:998"`
	Sender     string            `gorm:"size:320"`
	Recipients []Recipient       `gorm:"serializer:json"`
	Subject    string
	TextBody   string
	HTMLBody   string
	Headers    map[string]string `gorm:"serializer:json"`
	SizeBytes  int64

	ReceivedAt time.Time
	// FetchedAt is the pagination cursor axis; assigned monotonically
	// within an ingestion transaction.
	FetchedAt time.Time `gorm:"index"`

	Attachments []Attachment `gorm:"foreignKey:MessageID"`
}

// Attachment represents the attachments table. InboxID is denormalized so
// scoped access and cascade deletes don't need a join.
type Attachment struct {
	ID          string `gorm:"primaryKey;size:36"`
	MessageID   string `gorm:"size:36;not null;index"`
	InboxID     string `gorm:"size:36;not null;index"`
	Filename    string `gorm:"size:255"`
	ContentType string `gorm:"size:255"`
	SizeBytes   int64
	ContentID   string `gorm:"size:998"`
	Checksum    string `gorm:"size:64"`
	Content     []byte
	CreatedAt   time.Time
}

// Domain represents the domains table: administrator-managed issuing
// domains. A local domain receives mail through the built-in SMTP
// receiver; a non-local one is pulled from the configured POP3 provider.
type Domain struct {
	ID     string `gorm:"primaryKey;size:36"`
	Domain string `gorm:"size:255;not null;uniqueIndex"`

	POP3Host string `gorm:"size:255"`
	POP3Port int
	POP3TLS  bool
	IsLocal  bool

	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditLog is an append-only record of state-changing operations. Never
// read on the hot path.
type AuditLog struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	EventKind string  `gorm:"size:64;not null;index"`
	InboxID   *string `gorm:"size:36;index"`
	ActorIP   string  `gorm:"size:64"`
	Metadata  map[string]interface{} `gorm:"serializer:json"`
	CreatedAt time.Time
}

// BulkGeneration records one admin bulk-generate call.
type BulkGeneration struct {
	ID          string `gorm:"primaryKey;size:36"`
	Count       int
	DomainIDs   []string `gorm:"serializer:json"`
	CreatedByIP string   `gorm:"size:64"`
	CreatedAt   time.Time
}

func allModels() []interface{} {
	return []interface{}{
		&Inbox{}, &Token{}, &Message{}, &Attachment{},
		&Domain{}, &AuditLog{}, &BulkGeneration{},
	}
}
