package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

// Server exposes the read models under /api/v1/analytics. Read-only: every
// route is a GET and nothing here mutates state.
type Server struct {
	router *chi.Mux
	srv    *http.Server
	views  *Views
	logger core.ILogger
}

func NewServer(cfg config.AnalyticsConfig, views *Views, logger core.ILogger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		views:  views,
		logger: logger.WithField("component", "analytics_server"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1/analytics", func(r chi.Router) {
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/positions", s.handlePositions)
			r.Get("/exposure/currency", s.handleExposureByCurrency)
			r.Get("/exposure/asset-class", s.handleExposureByAssetClass)
			r.Get("/pnl", s.handlePnL)
			r.Get("/stale-prices", s.handleStalePrices)
		})
		r.Get("/forwards/ladder", s.handleForwardLadder)
	})

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler; tests mount it directly.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() {
	go func() {
		s.logger.Info("Analytics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Analytics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	view, err := s.views.PositionsByAccount(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleExposureByCurrency(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	view, err := s.views.ExposureByCurrency(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleExposureByAssetClass(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	view, err := s.views.ExposureByAssetClass(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	view, err := s.views.UnrealizedPnL(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleStalePrices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	view, err := s.views.StalePrices(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleForwardLadder(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if raw := r.URL.Query().Get("account"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondJSON(w, http.StatusBadRequest, errorBody("account must be an integer", ""))
			return
		}
		accountID = parsed
	}
	view, err := s.views.ForwardLadder(r.Context(), accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) accountParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "accountID")
	accountID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || accountID <= 0 {
		s.respondJSON(w, http.StatusBadRequest, errorBody("accountID must be a positive integer", ""))
		return 0, false
	}
	return accountID, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code, _ := apperrors.CodeOf(err)
	switch code {
	case apperrors.CodeBatchNotFound:
		status = http.StatusNotFound
	case apperrors.CodeValidationFailed:
		status = http.StatusBadRequest
	case apperrors.CodeCircuitOpen, apperrors.CodeRateLimited,
		apperrors.CodeDependencyTimeout, apperrors.CodeDBUnavailable, apperrors.CodeDBTimeout:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("View query failed", "error", err)
	}
	s.respondJSON(w, status, errorBody(err.Error(), string(code)))
}

func errorBody(msg, code string) map[string]string {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	return body
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
