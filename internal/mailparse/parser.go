// Package mailparse normalizes raw RFC 5322 messages into the record shape
// the store persists. Parsing is done once per message, whether the bytes
// arrived over POP3 or inbound SMTP.
package mailparse

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/crypto"
)

// htmlBodyLimit bounds how much HTML is kept; larger HTML parts yield an
// empty HTML body but the record is still produced.
const htmlBodyLimit = 5 << 20

// exportedHeaders is the allow-list of headers copied onto the record.
var exportedHeaders = []string{
	"message-id", "date", "from", "to", "cc", "bcc",
	"reply-to", "content-type", "x-mailer", "x-spam-status",
}

// Address is a single recipient or sender.
type Address struct {
	Address string
	Name    string
}

// ParsedAttachment is a decoded attachment within the size cap.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	ContentID   string
	Checksum    string
	Content     []byte
}

// Parsed is the normalized message record.
type Parsed struct {
	UID         string
	MessageID   string
	From        string
	To          []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	SizeBytes   int64
	ReceivedAt  time.Time
	Attachments []ParsedAttachment
}

// Parser converts raw message bytes. Safe for concurrent use.
type Parser struct {
	MaxAttachmentBytes int64
	Logger             *zap.Logger
}

func New(maxAttachmentBytes int64, logger *zap.Logger) *Parser {
	return &Parser{MaxAttachmentBytes: maxAttachmentBytes, Logger: logger}
}

// Parse normalizes one raw message. uid is the provider UID (or the
// synthetic smtp-<uuid> for inbound SMTP).
func (p *Parser) Parse(raw []byte, uid string) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	out := &Parsed{
		UID:        uid,
		Headers:    make(map[string]string),
		SizeBytes:  int64(len(raw)),
		ReceivedAt: time.Now(),
	}

	header := mr.Header
	out.Subject, _ = header.Subject()
	if date, err := header.Date(); err == nil && !date.IsZero() {
		out.ReceivedAt = date
	}
	out.MessageID = strings.Trim(header.Get("Message-Id"), "<>")

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	} else {
		out.From = header.Get("From")
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, a := range to {
			out.To = append(out.To, Address{Address: a.Address, Name: a.Name})
		}
	}

	for _, key := range exportedHeaders {
		if v := header.Get(key); v != "" {
			out.Headers[key] = v
		}
	}

	dropped := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Truncated or malformed tail: keep what was decoded.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			p.readInline(out, h, part.Body)
		case *mail.AttachmentHeader:
			if att, ok := p.readAttachment(h, part.Body); ok {
				out.Attachments = append(out.Attachments, att)
			} else {
				dropped++
			}
		}
	}

	if dropped > 0 {
		p.Logger.Warn("oversize attachments dropped",
			zap.String("uid", uid),
			zap.Int("dropped", dropped))
	}
	return out, nil
}

func (p *Parser) readInline(out *Parsed, h *mail.InlineHeader, body io.Reader) {
	ct, _, err := h.ContentType()
	if err != nil {
		ct = "text/plain"
	}
	switch {
	case strings.HasPrefix(ct, "text/html"):
		if out.HTMLBody != "" {
			return
		}
		content, overflow := readCapped(body, htmlBodyLimit)
		if overflow {
			p.Logger.Warn("HTML body over limit, dropping", zap.String("uid", out.UID))
			return
		}
		out.HTMLBody = string(content)
	default:
		if out.TextBody != "" {
			return
		}
		content, _ := io.ReadAll(body)
		out.TextBody = string(content)
	}
}

func (p *Parser) readAttachment(h *mail.AttachmentHeader, body io.Reader) (ParsedAttachment, bool) {
	content, overflow := readCapped(body, p.MaxAttachmentBytes)
	if overflow {
		return ParsedAttachment{}, false
	}

	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = "unnamed"
	}
	ct, _, err := h.ContentType()
	if err != nil || ct == "" {
		ct = "application/octet-stream"
	}

	return ParsedAttachment{
		Filename:    filename,
		ContentType: ct,
		SizeBytes:   int64(len(content)),
		ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
		Checksum:    crypto.ChecksumSHA256(content),
		Content:     content,
	}, true
}

// readCapped reads at most limit bytes; overflow reports whether the source
// held more than that.
func readCapped(r io.Reader, limit int64) ([]byte, bool) {
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return content, false
	}
	if int64(len(content)) > limit {
		return nil, true
	}
	return content, false
}
