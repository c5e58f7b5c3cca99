package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"kasku/internal/auth"
	"kasku/internal/cache"
	"kasku/internal/core"
	applog "kasku/internal/log"
	"kasku/internal/middleware/ratelimit"
	"kasku/internal/middleware/security"
	"kasku/internal/services"
	"kasku/internal/storage"
)

type Server struct {
	http.Server

	billing *services.BillingService
	ledger  *services.LedgerService
	store   *storage.SQLiteRepository

	// verifier is nil when auth is disabled; every request then runs as the
	// legacy tenant.
	verifier *auth.Verifier

	rateLimiter *ratelimit.Limiter
	detector    *security.Detector

	// Read-side caches keyed "<owner>|<ym>", invalidated per tenant on writes
	billsCache  *cache.LRUCache[[]core.Bill]
	totalsCache *cache.LRUCache[core.Totals]

	cacheManager *cache.Manager
	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(addr string, billing *services.BillingService, ledger *services.LedgerService, store *storage.SQLiteRepository, verifier *auth.Verifier) *Server {
	mux := http.NewServeMux()
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	httpLogger := applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: headers.Middleware(applog.Middleware(httpLogger)(mux)),
		},
		billing:      billing,
		ledger:       ledger,
		store:        store,
		verifier:     verifier,
		rateLimiter:  ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector:     security.NewDetector(),
		billsCache:   cache.NewLRUCache[[]core.Bill](200, 5*time.Minute),
		totalsCache:  cache.NewLRUCache[core.Totals](200, 5*time.Minute),
		cacheManager: cache.NewManager(),
	}

	s.cacheManager.Register(s.billsCache)
	s.cacheManager.Register(s.totalsCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /members", s.withAPI(s.handleListMembers))
	mux.HandleFunc("POST /members", s.withAPI(s.handleCreateMember))
	mux.HandleFunc("GET /members/{id}", s.withAPI(s.handleGetMember))
	mux.HandleFunc("PATCH /members/{id}", s.withAPI(s.handleUpdateMember))
	mux.HandleFunc("DELETE /members/{id}", s.withAPI(s.handleDeleteMember))

	mux.HandleFunc("GET /bills", s.withAPI(s.handleListBills))
	mux.HandleFunc("POST /bills/generate", s.withAPI(s.handleGenerateBills))
	mux.HandleFunc("POST /bills/bulkPaid", s.withAPI(s.handleBulkPaid))
	mux.HandleFunc("POST /bills/waive", s.withAPI(s.handleWaiveBills))

	mux.HandleFunc("GET /dues/amount", s.withAPI(s.handleGetDuesAmount))
	mux.HandleFunc("POST /dues/amount", s.withAPI(s.handleSetDuesAmount))

	mux.HandleFunc("GET /txs", s.withAPI(s.handleListEntries))
	mux.HandleFunc("POST /txs", s.withAPI(s.handleCreateEntry))
	mux.HandleFunc("GET /txs/summary", s.withAPI(s.handleSummary))
	mux.HandleFunc("DELETE /txs/{id}", s.withAPI(s.handleDeleteEntry))

	return s
}

// Shutdown stops the HTTP server and the background cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.cacheManager.Stop()
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withAPI is the middleware chain for every API route: request ID, request
// logging, rate limiting on writes, and tenant resolution.
func (s *Server) withAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := s.detector.ExtractClientIP(r)
		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)

		if s.detector.DetectSuspiciousRequest(r) {
			slog.WarnContext(ctx, "Suspicious request pattern",
				applog.FieldRequestID, requestID,
				applog.FieldClientIP, clientIP,
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path)
		}

		started := applog.NewFields().
			WithComponent(applog.ComponentHTTP).
			WithRequestID(requestID).
			WithHTTPRequest(r.Method, r.URL.Path)
		started[applog.FieldClientIP] = clientIP
		slog.InfoContext(ctx, "Request started", started.ToSlice()...)

		if r.Method != http.MethodGet && !s.rateLimiter.Allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded",
				applog.FieldClientIP, clientIP,
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		tenant, err := s.resolveTenant(r)
		if err != nil {
			slog.WarnContext(ctx, "Unauthorized request",
				applog.FieldRequestID, requestID,
				applog.FieldPath, r.URL.Path,
				applog.FieldError, err.Error())
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx = auth.WithTenant(ctx, tenant)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r.WithContext(ctx))

		duration := time.Since(start)
		completed := applog.NewFields().
			WithComponent(applog.ComponentHTTP).
			WithRequestID(requestID).
			WithHTTPRequest(r.Method, r.URL.Path).
			WithHTTPResponse(rw.statusCode, duration.Milliseconds(), rw.statusCode < 400)
		completed[applog.FieldClientIP] = clientIP
		slog.InfoContext(ctx, "Request completed", completed.ToSlice()...)
	}
}

func (s *Server) resolveTenant(r *http.Request) (string, error) {
	if s.verifier == nil {
		return core.LegacyTenant, nil
	}
	return s.verifier.TenantFromAuthHeader(r.Header.Get("Authorization"))
}

type contextKey string

const requestIDKey contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "Readiness check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// invalidateTenant drops every cached read view of one tenant.
func (s *Server) invalidateTenant(ownerID string) {
	s.billsCache.DeletePrefix(ownerID + "|")
	s.totalsCache.DeletePrefix(ownerID + "|")
}

func cacheKey(ownerID string, period core.Period) string {
	if period == "" {
		return ownerID + "|all"
	}
	return ownerID + "|" + period.String()
}
