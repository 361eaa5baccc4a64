// Package api implements the HTTP surface: the public inbox/message
// endpoints authenticated by bearer token, the admin endpoints behind the
// shared admin key, and the health/readiness/metrics probes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/fetch"
	"github.com/themadorg/madgate/internal/store"
	"github.com/themadorg/madgate/internal/token"
)

// Server wires the handlers to their collaborators.
type Server struct {
	store  *store.Store
	issuer *token.Issuer
	queue  *fetch.Queue
	cfg    *config.Config
	logger *zap.Logger

	createLimiter *ipLimiter
	rr            *roundRobin

	httpServer *http.Server
}

func NewServer(st *store.Store, issuer *token.Issuer, queue *fetch.Queue, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		store:         st,
		issuer:        issuer,
		queue:         queue,
		cfg:           cfg,
		logger:        logger,
		createLimiter: newIPLimiter(cfg.HTTP.CreateRateCount, cfg.HTTP.CreateRateWindow),
		rr:            &roundRobin{},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the mux. Exposed separately so tests can drive the handler
// without a listener.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/inboxes", s.handleCreateInbox)
	mux.HandleFunc("GET /v1/inboxes/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/inboxes/{id}/messages/{uid}/attachments/{attachment}", s.handleGetAttachment)
	mux.HandleFunc("POST /v1/inboxes/{id}/token:rotate", s.handleRotateToken)
	mux.HandleFunc("DELETE /v1/inboxes/{id}", s.handleDeleteInbox)

	mux.HandleFunc("POST /v1/admin/domains", s.admin(s.handleCreateDomain))
	mux.HandleFunc("GET /v1/admin/domains", s.admin(s.handleListDomains))
	mux.HandleFunc("PUT /v1/admin/domains/{id}", s.admin(s.handleUpdateDomain))
	mux.HandleFunc("DELETE /v1/admin/domains/{id}", s.admin(s.handleDeleteDomain))
	mux.HandleFunc("POST /v1/admin/generate", s.admin(s.handleBulkGenerate))
	mux.HandleFunc("GET /v1/admin/export", s.admin(s.handleExport))
	mux.HandleFunc("GET /v1/admin/stats", s.admin(s.handleStats))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))
	s.createLimiter.startCleanup()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server exited", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.createLimiter.stopCleanup()
	return s.httpServer.Shutdown(ctx)
}

// authorize authenticates the bearer token and checks it against the inbox
// id in the path. A valid token for a different inbox is an authorization
// failure, not an authentication one.
func (s *Server) authorize(r *http.Request, pathInboxID string) (*store.Inbox, error) {
	raw := bearerToken(r)
	inbox, err := s.issuer.Authenticate(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if inbox.ID != pathInboxID {
		return nil, exterrors.New(exterrors.Authorization, "token does not grant access to this inbox")
	}
	return inbox, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// clientIP strips the port from the peer address. The service is expected
// to terminate its own connections; no proxy header parsing here.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails when the database is unreachable, so an orchestrator
// can pull the instance out of rotation.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, exterrors.Wrap(exterrors.Internal, "database not ready", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
