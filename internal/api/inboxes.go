package api

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/crypto"
	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/fetch"
	"github.com/themadorg/madgate/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type createInboxRequest struct {
	Mode         string `json:"mode"`
	EmailAddress string `json:"email_address"`
	POP3         struct {
		Host string `json:"host"`
		Port int    `json:"port"`
		TLS  bool   `json:"tls"`
	} `json:"pop3"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type tokenResponse struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type inboxResponse struct {
	ID           string    `json:"id"`
	EmailAddress string    `json:"email_address"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

type createInboxResponse struct {
	Inbox inboxResponse `json:"inbox"`
	// Token carries the raw secret; it is never retrievable again.
	Token tokenResponse `json:"token"`
}

func (s *Server) handleCreateInbox(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.createLimiter.allow(ip) {
		s.writeError(w, exterrors.New(exterrors.RateLimit, "too many inbox creations, slow down"))
		return
	}

	var req createInboxRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var params store.CreateInboxParams
	var err error
	switch req.Mode {
	case "", "external":
		params, err = s.externalParams(r.Context(), &req)
	case "generated":
		params, err = s.generatedParams(r, &req)
	default:
		err = exterrors.Newf(exterrors.Validation, "unknown mode %q", req.Mode)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	params.CreatedByIP = ip
	params.TTLSeconds = req.TTLSeconds

	inbox, err := s.store.CreateInbox(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	raw, tok, err := s.issuer.Issue(r.Context(), inbox.ID, time.Duration(req.TTLSeconds)*time.Second, ip)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.store.Audit(r.Context(), store.AuditInboxCreated, &inbox.ID, ip,
		map[string]interface{}{"type": inbox.Type, "email": inbox.EmailAddress})

	writeJSON(w, http.StatusCreated, createInboxResponse{
		Inbox: inboxResponse{
			ID:           inbox.ID,
			EmailAddress: inbox.EmailAddress,
			Type:         inbox.Type,
			CreatedAt:    inbox.CreatedAt,
		},
		Token: tokenResponse{Value: raw, ExpiresAt: tok.ExpiresAt},
	})
}

// externalParams validates a bring-your-own-mailbox request.
func (s *Server) externalParams(ctx context.Context, req *createInboxRequest) (store.CreateInboxParams, error) {
	var p store.CreateInboxParams
	if _, err := mail.ParseAddress(req.EmailAddress); err != nil {
		return p, exterrors.New(exterrors.Validation, "email_address is not a valid address")
	}
	if req.POP3.Host == "" {
		return p, exterrors.New(exterrors.Validation, "pop3.host is required for external inboxes")
	}
	if req.POP3.Port <= 0 || req.POP3.Port > 65535 {
		return p, exterrors.New(exterrors.Validation, "pop3.port must be 1-65535")
	}
	if req.Username == "" || req.Password == "" {
		return p, exterrors.New(exterrors.Validation, "username and password are required")
	}
	if s.cfg.Env == config.Production && hostIsInternal(ctx, req.POP3.Host) {
		return p, exterrors.New(exterrors.Validation, "pop3.host points at an internal address")
	}

	return store.CreateInboxParams{
		EmailAddress: req.EmailAddress,
		Type:         store.InboxTypeExternal,
		POP3Host:     req.POP3.Host,
		POP3Port:     req.POP3.Port,
		POP3TLS:      req.POP3.TLS,
		Username:     req.Username,
		Password:     req.Password,
	}, nil
}

// generatedParams synthesizes an address on one of the configured issuing
// domains, chosen round-robin.
func (s *Server) generatedParams(r *http.Request, req *createInboxRequest) (store.CreateInboxParams, error) {
	var p store.CreateInboxParams
	domains, err := s.store.ListActiveDomains(r.Context(), false)
	if err != nil {
		return p, err
	}
	if len(domains) == 0 {
		return p, exterrors.New(exterrors.Conflict, "no issuing domains are configured")
	}
	domain := domains[s.rr.next(len(domains))]
	return s.synthesize(r.Context(), domain)
}

// synthesize builds the address and credentials for a generated inbox on
// the given domain, retrying the random local part on collision.
func (s *Server) synthesize(ctx context.Context, domain store.Domain) (store.CreateInboxParams, error) {
	var p store.CreateInboxParams
	for attempt := 0; attempt < 5; attempt++ {
		local, err := crypto.RandString(crypto.LowerAlnum, 12)
		if err != nil {
			return p, err
		}
		address := fmt.Sprintf("%s@%s", local, domain.Domain)

		_, err = s.store.GetActiveInboxByEmail(ctx, address)
		if err == nil {
			continue
		}
		if !exterrors.IsKind(err, exterrors.NotFound) {
			return p, err
		}

		password, err := crypto.RandString(crypto.PasswordChars, 24)
		if err != nil {
			return p, err
		}
		p = store.CreateInboxParams{
			EmailAddress: address,
			Type:         store.InboxTypeGenerated,
			Username:     address,
			Password:     password,
			DomainID:     &domain.ID,
		}
		if !domain.IsLocal {
			p.POP3Host = domain.POP3Host
			p.POP3Port = domain.POP3Port
			p.POP3TLS = domain.POP3TLS
		}
		return p, nil
	}
	return p, exterrors.Newf(exterrors.Conflict, "no free address found on %s", domain.Domain)
}

// hostIsInternal flags addresses an attacker could use to probe the
// deployment's own network through the POP3 dialer: IP literals in
// internal ranges, localhost labels, and DNS names that currently resolve
// into an internal range. Unresolvable names pass; the dial surfaces the
// failure.
func hostIsInternal(ctx context.Context, host string) bool {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ipIsInternal(ip)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", h)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ipIsInternal(ip) {
			return true
		}
	}
	return false
}

func ipIsInternal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

type attachmentMeta struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum_sha256"`
}

type messageResponse struct {
	UID         string            `json:"uid"`
	MessageID   string            `json:"message_id,omitempty"`
	From        string            `json:"from"`
	To          []store.Recipient `json:"to"`
	Subject     string            `json:"subject"`
	TextBody    string            `json:"text_body,omitempty"`
	HTMLBody    string            `json:"html_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	ReceivedAt  time.Time         `json:"received_at"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Attachments []attachmentMeta  `json:"attachments"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
	// NextSinceUID is the cursor for the following page; empty when this
	// page is the tail.
	NextSinceUID string `json:"next_since_uid,omitempty"`
	// FetchError is set when fetch_new was requested and the upstream
	// pull failed; the cached messages above are still valid.
	FetchError string `json:"fetch_error,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	inbox, err := s.authorize(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	sinceUID := q.Get("since_uid")
	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, exterrors.New(exterrors.Validation, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxPageSize)
	}

	var resp listMessagesResponse
	if q.Get("fetch_new") == "true" && inbox.POP3Host != "" {
		if _, err := s.queue.Run(r.Context(), fetch.Job{InboxID: inbox.ID}); err != nil {
			// Upstream trouble must not hide what we already have.
			s.logger.Warn("on-demand fetch failed, serving cached messages",
				zap.String("inbox_id", inbox.ID), zap.Error(err))
			resp.FetchError = "mail retrieval from the upstream mailbox failed"
		}
	}

	msgs, err := s.store.ListMessagesSince(r.Context(), inbox.ID, sinceUID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp.Messages = make([]messageResponse, len(msgs))
	for i := range msgs {
		resp.Messages[i] = toMessageResponse(&msgs[i])
	}
	if len(msgs) == limit {
		resp.NextSinceUID = msgs[len(msgs)-1].UID
	}
	writeJSON(w, http.StatusOK, resp)
}

func toMessageResponse(m *store.Message) messageResponse {
	atts := make([]attachmentMeta, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = attachmentMeta{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			Checksum:    a.Checksum,
		}
	}
	return messageResponse{
		UID:         m.UID,
		MessageID:   m.MessageID,
		From:        m.Sender,
		To:          m.Recipients,
		Subject:     m.Subject,
		TextBody:    m.TextBody,
		HTMLBody:    m.HTMLBody,
		Headers:     m.Headers,
		SizeBytes:   m.SizeBytes,
		ReceivedAt:  m.ReceivedAt,
		FetchedAt:   m.FetchedAt,
		Attachments: atts,
	}
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	inbox, err := s.authorize(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	att, err := s.store.GetAttachment(r.Context(), inbox.ID, r.PathValue("uid"), r.PathValue("attachment"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := att.Filename
	if filename == "" {
		filename = att.ID
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Checksum-SHA256", att.Checksum)
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Content)))
	w.WriteHeader(http.StatusOK)
	w.Write(att.Content)
}

type rotateTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	inbox, err := s.authorize(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req rotateTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	ip := clientIP(r)
	raw, tok, err := s.issuer.Rotate(r.Context(), inbox.ID, time.Duration(req.TTLSeconds)*time.Second, ip)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditTokenRotated, &inbox.ID, ip, nil)

	writeJSON(w, http.StatusOK, map[string]tokenResponse{
		"token": {Value: raw, ExpiresAt: tok.ExpiresAt},
	})
}

func (s *Server) handleDeleteInbox(w http.ResponseWriter, r *http.Request) {
	inbox, err := s.authorize(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.DeleteInboxCascade(r.Context(), inbox.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditInboxDeleted, &inbox.ID, clientIP(r), nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
