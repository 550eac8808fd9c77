package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ttexport/internal/config"
	"ttexport/internal/export"
	"ttexport/internal/ics"
	appLog "ttexport/internal/log"
	"ttexport/internal/scheduler"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	defaultEventDays = 7
	maxEventDays     = 366
)

// Server exposes tenant status, manual runs and the exported documents.
type Server struct {
	cfg     *config.Config
	sched   *scheduler.Scheduler
	metrics http.Handler
	router  chi.Router
}

// NewServer constructs a new Server. metrics may be nil to disable /metrics.
func NewServer(cfg *config.Config, sched *scheduler.Scheduler, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		sched:   sched,
		metrics: metrics,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// /health is always served without auth.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuthMiddleware)
		}

		r.Route("/api/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)
			r.Get("/{tenantID}", s.handleGetTenant)
			r.Post("/{tenantID}/run", s.handleRunTenant)
			r.Get("/{tenantID}/events", s.handleTenantEvents)
		})
		r.Handle("/exports/*", s.exportFileServer())
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="ttexport", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			appLog.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// tenantView is a snapshot plus the schedule it runs on.
type tenantView struct {
	export.Snapshot
	CalendarAlias   string `json:"calendar_alias"`
	IntervalMinutes int    `json:"interval_minutes"`
	Schedule        string `json:"schedule,omitempty"`
}

func viewOf(t *scheduler.Tenant, snap export.Snapshot) tenantView {
	cfg := t.Config()
	return tenantView{
		Snapshot:        snap,
		CalendarAlias:   cfg.CalendarAlias,
		IntervalMinutes: int(cfg.Interval / time.Minute),
		Schedule:        cfg.Schedule,
	}
}

func (s *Server) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	tenants := s.sched.Tenants()
	out := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, viewOf(t, t.Snapshot()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := s.sched.Lookup(chi.URLParam(r, "tenantID"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t, t.Snapshot()))
}

// handleRunTenant runs the export now. A failed run still answers 200; the
// failure is in the returned snapshot.
func (s *Server) handleRunTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := s.sched.Lookup(chi.URLParam(r, "tenantID"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	snap, err := t.RunNow(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scheduler.ErrTenantClosed):
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	case err != nil:
		appLog.Warn("manual run failed", "tenant", t.ID(), "err", err)
	}
	writeJSON(w, http.StatusOK, viewOf(t, snap))
}

type eventsResponse struct {
	TenantID        string           `json:"tenant_id"`
	RangeStart      time.Time        `json:"range_start"`
	RangeEnd        time.Time        `json:"range_end"`
	Occurrences     []ics.Occurrence `json:"occurrences"`
	TruncatedEvents []string         `json:"truncated_events,omitempty"`
}

// handleTenantEvents expands the tenant's last exported document into the
// occurrences of the next ?days=N days (default 7), displayed in ?tz=.
func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.sched.Lookup(chi.URLParam(r, "tenantID"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	days := defaultEventDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(maxEventDays))
			return
		}
		days = n
	}

	loc := time.Local
	if name := r.URL.Query().Get("tz"); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
		loc = l
	}

	f, err := os.Open(t.Config().OutputPath)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no export yet")
		return
	}
	if err != nil {
		appLog.Error("open export failed", err, "tenant", t.ID())
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}
	defer f.Close()

	now := time.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, days)

	res, err := ics.Expand(f, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      start,
		RangeEnd:        end,
	})
	if err != nil {
		appLog.Error("expand export failed", err, "tenant", t.ID())
		writeError(w, http.StatusInternalServerError, "failed to expand export")
		return
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		TenantID:        t.ID(),
		RangeStart:      start,
		RangeEnd:        end,
		Occurrences:     res.Occurrences,
		TruncatedEvents: res.TruncatedEvents,
	})
}

// exportFileServer serves documents from the export directory. Directory
// listings are not exposed.
func (s *Server) exportFileServer() http.Handler {
	fileServer := http.StripPrefix("/exports/", http.FileServer(http.Dir(s.cfg.ExportDir)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".ics") {
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		}
		fileServer.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
