// Package smtp implements the inbound SMTP receiver for locally-hosted
// domains. Messages accepted here land in the same store as POP3-fetched
// mail, parsed through the same normalizer.
//
// The receiver is meant to sit behind a trusted network boundary or an MTA:
// AUTH and STARTTLS are deliberately not offered.
package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/mailparse"
	"github.com/themadorg/madgate/internal/metrics"
	"github.com/themadorg/madgate/internal/store"
)

var (
	errRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errUnknownRecipient = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "Unknown recipient",
	}
	errNoRecipientStored = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 0, 0},
		Message:      "Delivery failed for all recipients",
	}
)

// Endpoint is the inbound SMTP server.
type Endpoint struct {
	store  *store.Store
	parser *mailparse.Parser
	cache  *domainCache
	logger *zap.Logger
	cfg    config.SMTPSettings

	serv *gosmtp.Server
	ln   net.Listener
}

func NewEndpoint(st *store.Store, parser *mailparse.Parser, cfg config.SMTPSettings, refresh time.Duration, logger *zap.Logger) *Endpoint {
	e := &Endpoint{
		store:  st,
		parser: parser,
		cache:  newDomainCache(st, refresh, logger),
		logger: logger,
		cfg:    cfg,
	}

	serv := gosmtp.NewServer(e)
	serv.Addr = cfg.ListenAddr
	serv.Domain = cfg.Hostname
	serv.MaxMessageBytes = cfg.MaxMessageBytes
	serv.MaxRecipients = cfg.MaxRecipients
	serv.ReadTimeout = 2 * time.Minute
	serv.WriteTimeout = 2 * time.Minute
	e.serv = serv
	return e
}

// NewSession implements gosmtp.Backend.
func (e *Endpoint) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &session{endpoint: e, remote: remote}, nil
}

// Start primes the domain cache and begins serving. The initial cache
// refresh is synchronous so the first connection sees real data.
func (e *Endpoint) Start(ctx context.Context) error {
	if err := e.cache.refresh(ctx); err != nil {
		return err
	}
	e.cache.start()

	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return err
	}
	e.ln = ln
	e.logger.Info("SMTP receiver listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("hostname", e.cfg.Hostname))

	go func() {
		if err := e.serv.Serve(ln); err != nil &&
			!errors.Is(err, gosmtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("SMTP server exited", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound listen address, valid after Start.
func (e *Endpoint) Addr() string {
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func (e *Endpoint) Stop() error {
	e.cache.stop()
	return e.serv.Close()
}

// session is one SMTP connection. Matched inboxes are stashed keyed by
// lower-cased recipient address.
type session struct {
	endpoint *Endpoint
	remote   string

	from    string
	matched map[string]*store.Inbox
}

func (s *session) Reset() {
	s.from = ""
	s.matched = nil
}

func (s *session) Logout() error { return nil }

// Mail accepts any sender; sender policy belongs to the MTA in front.
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt gates on the local-domain cache, then on an active inbox with a
// case-insensitive address match.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := strings.ToLower(strings.TrimSpace(to))
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return errUnknownRecipient
	}
	domain := addr[at+1:]

	if !s.endpoint.cache.contains(domain) {
		metrics.SMTPDeliveries.WithLabelValues("relay_denied").Inc()
		return errRelayDenied
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inbox, err := s.endpoint.store.GetActiveInboxByEmail(ctx, addr)
	if err != nil {
		metrics.SMTPDeliveries.WithLabelValues("unknown_recipient").Inc()
		return errUnknownRecipient
	}

	if s.matched == nil {
		s.matched = make(map[string]*store.Inbox)
	}
	s.matched[addr] = inbox
	return nil
}

// Data parses the message once and persists it for every matched
// recipient. Per-recipient failures are logged; the transaction succeeds
// if at least one recipient stored the message.
func (s *session) Data(r io.Reader) error {
	if len(s.matched) == 0 {
		return errUnknownRecipient
	}

	// The server already enforces MaxMessageBytes; the extra byte guard
	// here keeps us honest if that limit is ever disabled.
	raw, err := io.ReadAll(io.LimitReader(r, s.endpoint.cfg.MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.endpoint.cfg.MaxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds maximum size",
		}
	}

	uid := "smtp-" + uuid.NewString()
	parsed, err := s.endpoint.parser.Parse(raw, uid)
	if err != nil {
		s.endpoint.logger.Warn("inbound message parse failed",
			zap.String("remote", s.remote),
			zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Message content rejected",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	delivered := 0
	for addr, inbox := range s.matched {
		if _, err := s.endpoint.store.InsertMessages(ctx, inbox.ID, []*mailparse.Parsed{parsed}); err != nil {
			s.endpoint.logger.Warn("inbound delivery failed for recipient",
				zap.String("recipient", addr),
				zap.Error(err))
			continue
		}
		delivered++
		inboxID := inbox.ID
		s.endpoint.store.Audit(ctx, store.AuditSMTPDelivered, &inboxID, s.remote,
			map[string]interface{}{"from": s.from, "uid": uid, "size": len(raw)})
	}

	if delivered == 0 {
		metrics.SMTPDeliveries.WithLabelValues("failed").Inc()
		return errNoRecipientStored
	}
	metrics.SMTPDeliveries.WithLabelValues("delivered").Inc()
	metrics.MessagesIngested.WithLabelValues("smtp").Add(float64(delivered))
	return nil
}
