package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/store"
)

// admin gates a handler behind the shared admin key. Both sides are
// reduced to SHA-256 before comparing so the comparison is constant-time
// regardless of length.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			s.writeError(w, exterrors.New(exterrors.NotFound, "admin API is not enabled"))
			return
		}
		presented := sha256.Sum256([]byte(r.Header.Get("X-Admin-Key")))
		expected := sha256.Sum256([]byte(s.cfg.AdminKey))
		if subtle.ConstantTimeCompare(presented[:], expected[:]) != 1 {
			s.writeError(w, exterrors.New(exterrors.Authentication, "invalid admin key"))
			return
		}
		next(w, r)
	}
}

type domainRequest struct {
	Domain   string `json:"domain"`
	POP3Host string `json:"pop3_host"`
	POP3Port int    `json:"pop3_port"`
	POP3TLS  bool   `json:"pop3_tls"`
	IsLocal  bool   `json:"is_local"`
	Active   *bool  `json:"active"`
}

type domainResponse struct {
	ID       string `json:"id"`
	Domain   string `json:"domain"`
	POP3Host string `json:"pop3_host,omitempty"`
	POP3Port int    `json:"pop3_port,omitempty"`
	POP3TLS  bool   `json:"pop3_tls"`
	IsLocal  bool   `json:"is_local"`
	Active   bool   `json:"active"`
}

func toDomainResponse(d *store.Domain) domainResponse {
	return domainResponse{
		ID:       d.ID,
		Domain:   d.Domain,
		POP3Host: d.POP3Host,
		POP3Port: d.POP3Port,
		POP3TLS:  d.POP3TLS,
		IsLocal:  d.IsLocal,
		Active:   d.Active,
	}
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Domain == "" || !strings.Contains(req.Domain, ".") {
		s.writeError(w, exterrors.New(exterrors.Validation, "domain must be a DNS name"))
		return
	}
	if !req.IsLocal && req.POP3Host == "" {
		s.writeError(w, exterrors.New(exterrors.Validation, "non-local domains need pop3_host"))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	domain, err := s.store.CreateDomain(r.Context(), store.CreateDomainParams{
		Domain:   req.Domain,
		POP3Host: req.POP3Host,
		POP3Port: req.POP3Port,
		POP3TLS:  req.POP3TLS,
		IsLocal:  req.IsLocal,
		Active:   active,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditDomainChanged, nil, clientIP(r),
		map[string]interface{}{"action": "created", "domain": domain.Domain})
	writeJSON(w, http.StatusCreated, toDomainResponse(domain))
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.ListDomains(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]domainResponse, len(domains))
	for i := range domains {
		out[i] = toDomainResponse(&domains[i])
	}
	writeJSON(w, http.StatusOK, map[string][]domainResponse{"domains": out})
}

type updateDomainRequest struct {
	POP3Host *string `json:"pop3_host"`
	POP3Port *int    `json:"pop3_port"`
	POP3TLS  *bool   `json:"pop3_tls"`
	IsLocal  *bool   `json:"is_local"`
	Active   *bool   `json:"active"`
}

func (s *Server) handleUpdateDomain(w http.ResponseWriter, r *http.Request) {
	var req updateDomainRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	domain, err := s.store.UpdateDomain(r.Context(), r.PathValue("id"), store.UpdateDomainParams{
		POP3Host: req.POP3Host,
		POP3Port: req.POP3Port,
		POP3TLS:  req.POP3TLS,
		IsLocal:  req.IsLocal,
		Active:   req.Active,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditDomainChanged, nil, clientIP(r),
		map[string]interface{}{"action": "updated", "domain": domain.Domain})
	writeJSON(w, http.StatusOK, toDomainResponse(domain))
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDomain(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditDomainChanged, nil, clientIP(r),
		map[string]interface{}{"action": "deleted", "id": r.PathValue("id")})
	w.WriteHeader(http.StatusNoContent)
}

type bulkGenerateRequest struct {
	Count      int `json:"count"`
	TTLSeconds int `json:"ttl_seconds"`
}

type generatedEntry struct {
	Inbox inboxResponse `json:"inbox"`
	Token tokenResponse `json:"token"`
}

// handleBulkGenerate mints count inboxes spread round-robin over the
// active domains, each with its own token, and records the batch.
func (s *Server) handleBulkGenerate(w http.ResponseWriter, r *http.Request) {
	var req bulkGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Count < 1 || req.Count > 1000 {
		s.writeError(w, exterrors.New(exterrors.Validation, "count must be 1-1000"))
		return
	}

	domains, err := s.store.ListActiveDomains(r.Context(), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(domains) == 0 {
		s.writeError(w, exterrors.New(exterrors.Conflict, "no issuing domains are configured"))
		return
	}

	ip := clientIP(r)
	entries := make([]generatedEntry, 0, req.Count)
	usedDomains := map[string]struct{}{}
	for i := 0; i < req.Count; i++ {
		domain := domains[s.rr.next(len(domains))]
		params, err := s.synthesize(r.Context(), domain)
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
		usedDomains[domain.ID] = struct{}{}
		entries = append(entries, generatedEntry{
			Inbox: inboxResponse{
				ID:           inbox.ID,
				EmailAddress: inbox.EmailAddress,
				Type:         inbox.Type,
				CreatedAt:    inbox.CreatedAt,
			},
			Token: tokenResponse{Value: raw, ExpiresAt: tok.ExpiresAt},
		})
	}

	domainIDs := make([]string, 0, len(usedDomains))
	for id := range usedDomains {
		domainIDs = append(domainIDs, id)
	}
	if err := s.store.RecordBulkGeneration(r.Context(), len(entries), domainIDs, ip); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit(r.Context(), store.AuditBulkGenerated, nil, ip,
		map[string]interface{}{"count": len(entries)})

	writeJSON(w, http.StatusCreated, map[string][]generatedEntry{"inboxes": entries})
}

// handleExport dumps the active generated inboxes with their decrypted
// passwords in the requested format: text (email:password lines), csv or
// json.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	inboxes, err := s.store.ExportGeneratedInboxes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, in := range inboxes {
			fmt.Fprintf(w, "%s:%s\n", in.EmailAddress, in.Password)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		cw := csv.NewWriter(w)
		cw.Write([]string{"email", "password", "created_at"})
		for _, in := range inboxes {
			cw.Write([]string{in.EmailAddress, in.Password, in.CreatedAt.UTC().Format(time.RFC3339)})
		}
		cw.Flush()
	case "json":
		type entry struct {
			Email     string    `json:"email"`
			Password  string    `json:"password"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := make([]entry, len(inboxes))
		for i, in := range inboxes {
			out[i] = entry{Email: in.EmailAddress, Password: in.Password, CreatedAt: in.CreatedAt}
		}
		writeJSON(w, http.StatusOK, map[string][]entry{"inboxes": out})
	default:
		s.writeError(w, exterrors.Newf(exterrors.Validation, "unknown export format %q", format))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
