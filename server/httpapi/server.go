package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/directory"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mailbox"
	"github.com/migadu/soramail/pkg/health"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/migadu/soramail/rules"
	"github.com/migadu/soramail/server/cleaner"
)

// Mailboxes is the subset of the mailbox service exposed to administrators.
type Mailboxes interface {
	Folders(ctx context.Context, owner string) ([]mailbox.FolderInfo, error)
	UnreadCount(ctx context.Context, owner string) (int, error)
	PurgeTrash(ctx context.Context, owner string, retention time.Duration) (int, error)
}

// RuleLister returns an owner's ordered rule list.
type RuleLister interface {
	List(ctx context.Context, owner string) ([]rules.Rule, error)
}

// UserDirectory resolves a username or address to its mailbox owner.
type UserDirectory interface {
	Lookup(ctx context.Context, usernameOrAddress string) (directory.User, error)
}

// CleanupRunner triggers an immediate trash cleanup pass.
type CleanupRunner interface {
	RunOnce(ctx context.Context) (cleaner.Report, error)
}

// HealthReporter exposes the component health monitor.
type HealthReporter interface {
	Overall() health.Status
	Snapshot() map[string]health.Report
}

// Server represents the HTTP API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	mailboxes      Mailboxes
	rules          RuleLister
	users          UserDirectory
	admission      metrics.AdmissionStatsProvider
	cleanup        CleanupRunner
	health         HealthReporter
	limiter        *rateLimiter
	trashRetention time.Duration
	server         *http.Server
	tls            bool
	tlsCertFile    string
	tlsKeyFile     string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	Mailboxes      Mailboxes
	Rules          RuleLister
	Users          UserDirectory
	Admission      metrics.AdmissionStatsProvider
	Cleanup        CleanupRunner
	Health         HealthReporter
	TrashRetention time.Duration
	RateLimit      int // requests per minute per client IP, 0 disables
	RateBurst      int
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if options.Mailboxes == nil || options.Rules == nil || options.Users == nil {
		return nil, fmt.Errorf("mailbox service, rule store and user directory are required")
	}
	retention := options.TrashRetention
	if retention <= 0 {
		retention = time.Duration(consts.TrashRetentionDays) * 24 * time.Hour
	}

	return &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		mailboxes:      options.Mailboxes,
		rules:          options.Rules,
		users:          options.Users,
		admission:      options.Admission,
		cleanup:        options.Cleanup,
		health:         options.Health,
		limiter:        newRateLimiter(options.RateLimit, options.RateBurst),
		trashRetention: retention,
		tls:            options.TLS,
		tlsCertFile:    options.TLSCertFile,
		tlsKeyFile:     options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API: error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.rateLimitMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Per-user mailbox routes
	v1.HandleFunc("/users/{owner}/folders", s.handleFolders).Methods("GET")
	v1.HandleFunc("/users/{owner}/unread-count", s.handleUnreadCount).Methods("GET")
	v1.HandleFunc("/users/{owner}/purge-trash", s.handlePurgeTrash).Methods("POST")
	v1.HandleFunc("/users/{owner}/rules/sieve", s.handleSieveExport).Methods("GET")

	// System routes
	v1.HandleFunc("/admission/stats", s.handleAdmissionStats).Methods("GET")
	v1.HandleFunc("/cleanup/run", s.handleCleanupRun).Methods("POST")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !hostAllowed(getClientIP(r), s.allowedHosts) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(clientIP string, allowedHosts []string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowedHost := range allowedHosts {
		if allowedHost == clientIP {
			return true
		}
		if strings.Contains(allowedHost, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, consts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrValidation), errors.Is(err, consts.ErrBadRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("HTTP API: "+fallback, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

// owner resolves the {owner} path variable, a username or an address,
// to the mailbox owner. It writes the error response itself and returns
// false when the request cannot proceed.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := strings.TrimSpace(mux.Vars(r)["owner"])
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "Owner is required")
		return "", false
	}
	u, err := s.users.Lookup(r.Context(), name)
	if errors.Is(err, consts.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "User not found")
		return "", false
	}
	if err != nil {
		s.writeServiceError(w, err, "Failed to look up user")
		return "", false
	}
	return u.Username, true
}

// Request/Response types

type PurgeTrashRequest struct {
	Retention string `json:"retention,omitempty"` // e.g. "30d", "12h"; defaults to the configured retention
}

// Handler functions

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	folders, err := s.mailboxes.Folders(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, err, "Failed to list folders")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owner":   owner,
		"folders": folders,
		"total":   len(folders),
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	n, err := s.mailboxes.UnreadCount(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, err, "Failed to count unread messages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "unread": n})
}

func (s *Server) handlePurgeTrash(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	retention := s.trashRetention
	if r.Body != nil && r.ContentLength != 0 {
		defer r.Body.Close()
		var req PurgeTrashRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		if req.Retention != "" {
			d, err := helpers.ParseDuration(req.Retention)
			if err != nil || d < 0 {
				s.writeError(w, http.StatusBadRequest, "Invalid retention")
				return
			}
			retention = d
		}
	}

	n, err := s.mailboxes.PurgeTrash(r.Context(), owner, retention)
	if err != nil {
		s.writeServiceError(w, err, "Failed to purge trash")
		return
	}
	logger.Info("HTTP API: trash purged", "owner", owner, "retention", retention, "purged", n)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owner":     owner,
		"purged":    n,
		"retention": retention.String(),
	})
}

func (s *Server) handleSieveExport(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	list, err := s.rules.List(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, err, "Failed to list rules")
		return
	}
	script, err := rules.ExportSieve(list)
	if err != nil {
		s.writeServiceError(w, err, "Failed to export rules")
		return
	}
	w.Header().Set("Content-Type", "application/sieve; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(script)); err != nil {
		logger.Warn("HTTP API: failed to write sieve script", "owner", owner, "error", err)
	}
}

func (s *Server) handleAdmissionStats(w http.ResponseWriter, r *http.Request) {
	if s.admission == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Attachment admission is not enabled")
		return
	}
	stats := s.admission.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"issued":       stats.Issued,
		"acknowledged": stats.Acknowledged,
	})
}

func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	if s.cleanup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cleanup worker is not enabled")
		return
	}
	report, err := s.cleanup.RunOnce(r.Context())
	if errors.Is(err, cleaner.ErrAlreadyRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeServiceError(w, err, "Cleanup run failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owners":      report.Owners,
		"purged":      report.Purged,
		"failures":    report.Failures,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Health monitoring is not enabled")
		return
	}
	overall := s.health.Overall()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": s.health.Snapshot(),
	})
}
