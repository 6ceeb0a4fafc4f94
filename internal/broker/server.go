package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunely/tunely/internal/auth"
	"github.com/tunely/tunely/internal/config"
	"github.com/tunely/tunely/internal/pending"
	"github.com/tunely/tunely/internal/ratelimit"
	"github.com/tunely/tunely/internal/registry"
	"github.com/tunely/tunely/internal/store"
)

// Server wires together the Domain Registry, Pending Table, and domain
// store behind the broker's HTTP surface: the control channel, the public
// forward endpoint, and a thin administrative CRUD API.
type Server struct {
	cfg      config.BrokerConfig
	logger   *slog.Logger
	store    *store.Store
	registry *registry.Registry
	pending  *pending.Table

	forwardLimiter *ratelimit.Limiter
	adminLimiter   *ratelimit.Limiter

	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New constructs a Server over an already-open store.
func New(cfg config.BrokerConfig, st *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		store:          st,
		pending:        pending.New(),
		forwardLimiter: ratelimit.New(50, 100, 10*time.Minute),
		adminLimiter:   ratelimit.New(5, 10, 10*time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registry = registry.New(storeLookup{st: st, logger: logger})
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.ControlPath, s.handleConnect)
	mux.HandleFunc("/api/tunnels/", s.handleForward)
	mux.HandleFunc("/v1/domains", s.handleDomains)
	mux.HandleFunc("/v1/domains/", s.handleDomainAction)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	go s.janitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.forwardLimiter.Cleanup()
			s.adminLimiter.Cleanup()
		}
	}
}

// handleConnect upgrades the control-channel request to a WebSocket and
// runs the Agent Session state machine over it.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control channel upgrade failed", "err", err)
		return
	}
	sess := &session{srv: s, conn: conn}
	sess.run(r.Context())
}

// --- administrative CRUD surface (out of core scope; minimal, thin JSON API) ---

type domainCreateRequest struct {
	Domain string `json:"domain"`
	Name   string `json:"name,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

type domainCreateResponse struct {
	Domain   string `json:"domain"`
	TunnelID string `json:"tunnel_id,omitempty"`
	Token    string `json:"token"`
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !s.adminLimiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.AdminKey
	if !auth.ConstantTimeHashEquals(got, want) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createDomain(w, r)
	case http.MethodGet:
		s.listDomains(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createDomain(w http.ResponseWriter, r *http.Request) {
	var req domainCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	token, err := auth.GenerateToken()
	if err != nil {
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	hash := auth.HashToken(token, s.cfg.TokenPepper)
	tunnelID, err := s.store.CreateDomain(r.Context(), req.Domain, req.Name, hash, req.Mode)
	if err != nil {
		if errors.Is(err, store.ErrDomainInUse) {
			http.Error(w, "domain already in use", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create domain", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, domainCreateResponse{Domain: req.Domain, TunnelID: tunnelID, Token: token})
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list domains", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleDomainAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	domain, action := splitDomainAction(r.URL.Path)
	if domain == "" {
		http.Error(w, "missing domain", http.StatusBadRequest)
		return
	}
	switch action {
	case "enable":
		s.setEnabled(w, r, domain, true)
	case "disable":
		s.setEnabled(w, r, domain, false)
	case "token":
		s.regenerateToken(w, r, domain)
	case "available":
		s.checkAvailability(w, r, domain)
	case "logs":
		s.tunnelLogs(w, r, domain)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, domain string, enabled bool) {
	if err := s.store.SetEnabled(r.Context(), domain, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update domain", http.StatusInternalServerError)
		return
	}
	if !enabled {
		if conn := s.registry.Lookup(domain); conn != nil {
			conn.SignalPreempt()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) regenerateToken(w http.ResponseWriter, r *http.Request, domain string) {
	token, err := auth.GenerateToken()
	if err != nil {
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	hash := auth.HashToken(token, s.cfg.TokenPepper)
	if err := s.store.RegenerateToken(r.Context(), domain, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to regenerate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, domainCreateResponse{Domain: domain, Token: token})
}

type availabilityResponse struct {
	Domain    string `json:"domain"`
	Available bool   `json:"available"`
}

// checkAvailability reports whether domain is free for a CreateDomain call,
// grounded on original_source/python/tunely/server.py's check_availability,
// so a client can avoid a wasted round trip into a 409.
func (s *Server) checkAvailability(w http.ResponseWriter, r *http.Request, domain string) {
	exists, err := s.store.DomainExists(r.Context(), domain)
	if err != nil {
		http.Error(w, "failed to check availability", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Domain: domain, Available: !exists})
}

// tunnelLogs returns a page of recent request_log rows for domain, grounded
// on the original's get_tunnel_logs(domain, limit, offset).
func (s *Server) tunnelLogs(w http.ResponseWriter, r *http.Request, domain string) {
	limit := queryIntOrDefault(r, "limit", 50)
	offset := queryIntOrDefault(r, "offset", 0)
	recs, err := s.store.ListRequests(r.Context(), domain, limit, offset)
	if err != nil {
		http.Error(w, "failed to list logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func queryIntOrDefault(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitDomainAction(path string) (domain, action string) {
	const prefix = "/v1/domains/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}
