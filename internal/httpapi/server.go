// Package httpapi exposes sync runs, reverse pulls and ledger counters over
// a small local JSON API. Callers are authenticated upstream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/logging"
	"github.com/agentworkforce/inboxsync/internal/syncengine"
)

type Runner interface {
	Run(ctx context.Context, scope string) ([]syncengine.RunResult, error)
}

type Reverser interface {
	Reverse(ctx context.Context, projectID string) (syncengine.ReverseResult, error)
}

type ProjectSource interface {
	ReadProjects(ctx context.Context) ([]inbox.Project, error)
}

type StatsSource interface {
	StatsFor(ctx context.Context, projectID string) (ledger.Stats, error)
	RefreshStats(ctx context.Context, projectID string) (ledger.Stats, error)
}

type ServerConfig struct {
	// RateLimitPerMinute bounds mutating requests per client address; 0
	// disables the limit.
	RateLimitPerMinute int
	// RunTimeout bounds one triggered run or pull.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

type Server struct {
	runner   Runner
	reverser Reverser
	projects ProjectSource
	stats    StatsSource
	cfg      ServerConfig
	logger   *slog.Logger

	now       func() time.Time
	limitMu   sync.Mutex
	limiters  map[string]*clientLimiter
	lastSweep time.Time
}

// limiterIdleTTL is how long an unused client limiter is kept. It exceeds
// the one minute a bucket needs to refill, so evicting never forgives a
// client anything.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer wires the handlers. reverser may be nil, which disables the
// reverse route.
func NewServer(runner Runner, reverser Reverser, projects ProjectSource, stats StatsSource, cfg ServerConfig) *Server {
	if cfg.RateLimitPerMinute < 0 {
		cfg.RateLimitPerMinute = 0
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		runner:   runner,
		reverser: reverser,
		projects: projects,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		limiters: map[string]*clientLimiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/sync" && r.Method == http.MethodPost {
		if !s.allow(w, r, correlationID) {
			return
		}
		s.handleRun(w, r, "", correlationID)
		return
	}
	if r.URL.Path == "/v1/projects" && r.Method == http.MethodGet {
		s.handleProjects(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "projects" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	projectID := parts[2]
	switch {
	case parts[3] == "stats" && r.Method == http.MethodGet:
		s.handleStats(w, r, projectID, correlationID)
	case parts[3] == "sync" && r.Method == http.MethodPost:
		if s.allow(w, r, correlationID) {
			s.handleRun(w, r, projectID, correlationID)
		}
	case parts[3] == "reverse" && r.Method == http.MethodPost:
		if s.allow(w, r, correlationID) {
			s.handleReverse(w, r, projectID, correlationID)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, correlationID string) {
	projects, err := s.projects.ReadProjects(r.Context())
	if err != nil {
		s.writeEngineError(w, newKindError(syncengine.KindStorage, err), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	if !s.knownProject(w, r, projectID, correlationID) {
		return
	}
	var (
		stats ledger.Stats
		err   error
	)
	if parseBool(r.URL.Query().Get("refresh"), false) {
		stats, err = s.stats.RefreshStats(r.Context(), projectID)
	} else {
		stats, err = s.stats.StatsFor(r.Context(), projectID)
	}
	if err != nil {
		s.writeEngineError(w, newKindError(syncengine.KindStorage, err), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()
	logger := s.logger.With("correlation_id", correlationID)
	logger.Info("sync triggered", "scope", projectID)
	results, err := s.runner.Run(ctx, projectID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "correlationId": correlationID})
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	if s.reverser == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "reverse pull is not configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()
	s.logger.Info("reverse pull triggered", "project", projectID, "correlation_id", correlationID)
	result, err := s.reverser.Reverse(ctx, projectID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) knownProject(w http.ResponseWriter, r *http.Request, projectID, correlationID string) bool {
	projects, err := s.projects.ReadProjects(r.Context())
	if err != nil {
		s.writeEngineError(w, newKindError(syncengine.KindStorage, err), correlationID)
		return false
	}
	for _, project := range projects {
		if project.ID == projectID {
			return true
		}
	}
	writeError(w, http.StatusNotFound, "unknown_project", "project "+strconv.Quote(projectID)+" is not registered", correlationID)
	return false
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.cfg.RateLimitPerMinute == 0 {
		return true
	}
	key := clientKey(r)
	now := s.now()
	s.limitMu.Lock()
	s.evictIdleLimiters(now)
	entry, ok := s.limiters[key]
	if !ok {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.RateLimitPerMinute)), s.cfg.RateLimitPerMinute),
		}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	s.limitMu.Unlock()
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
	return false
}

// evictIdleLimiters drops limiters unused for limiterIdleTTL, sweeping at
// most once per period. Callers hold limitMu.
func (s *Server) evictIdleLimiters(now time.Time) {
	if now.Sub(s.lastSweep) < limiterIdleTTL {
		return
	}
	s.lastSweep = now
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeEngineError maps the sync error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	kind := syncengine.Classify(err)
	status := http.StatusBadGateway
	switch kind {
	case syncengine.KindValidation:
		status = http.StatusBadRequest
	case syncengine.KindStorage:
		status = http.StatusInternalServerError
	case syncengine.KindTransientRemote, syncengine.KindCanceled:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err, "correlation_id", correlationID)
	}
	writeError(w, status, string(kind), err.Error(), correlationID)
}

func newKindError(kind syncengine.Kind, err error) error {
	var engineErr *syncengine.Error
	if errors.As(err, &engineErr) {
		return err
	}
	return &syncengine.Error{Kind: kind, Op: "http", Err: err}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
