// Package web serves the HTTP admin surface: entity states, recorded
// history, update loop health, the force update command, live event
// streams and prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
	"github.com/tejusbharadwaj/blueconnect/internal/database"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
)

// UpdatePath is the route of the force update command
const UpdatePath = "/api/services/blue_connect/update"

const shutdownTimeout = 5 * time.Second

// Updater is the part of the coordinator the server drives
type Updater interface {
	ForceUpdate(ctx context.Context) error
	Status() coordinator.Health
}

// HistoryReader returns recorded rows of an entity, newest first
type HistoryReader interface {
	History(ctx context.Context, uniqueID string, limit int) ([]database.StateRow, error)
}

// Options configure a Server. History and Gatherer are optional.
type Options struct {
	Host        string
	Port        int
	Store       *sink.MemoryStore
	Updater     Updater
	History     HistoryReader
	Gatherer    prometheus.Gatherer
	UpdateLimit rate.Limit
	UpdateBurst int
	Logger      logrus.FieldLogger
}

// Server handles HTTP requests for the admin API.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	opts       Options
	limiter    *rate.Limiter
	httpServer *http.Server
	logger     logrus.FieldLogger
}

func NewServer(opts Options) *Server {
	burst := opts.UpdateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		opts:    opts,
		limiter: rate.NewLimiter(opts.UpdateLimit, burst),
		logger:  opts.Logger,
	}
}

// Router returns the HTTP handler with every route mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/states", s.handleStates)
		r.Get("/states/{id}", s.handleState)
		r.Get("/history/{id}", s.handleHistory)
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/sse", s.handleSSE)
	})
	r.Post(UpdatePath, s.handleUpdate)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// Start begins serving HTTP requests in a background goroutine and shuts
// the server down when ctx is cancelled.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts end with ctx so streaming handlers return on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("HTTP server shutdown error")
		}
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
	return nil
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Store.GetAll())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.opts.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type historyRow struct {
	Event      string          `json:"event"`
	Platform   string          `json:"platform"`
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "recorder disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.opts.History.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read history")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]historyRow, 0, len(rows))
	for _, row := range rows {
		h := historyRow{
			Event:      row.Event,
			Platform:   row.Platform,
			State:      row.State,
			RecordedAt: row.RecordedAt,
		}
		if row.Attributes != "" && row.Attributes != "null" {
			h.Attributes = json.RawMessage(row.Attributes)
		}
		out = append(out, h)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.opts.Updater.Status()
	code := http.StatusOK
	if health.State != coordinator.StateHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	err := s.opts.Updater.ForceUpdate(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, coordinator.ErrFetchTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// requestLogger logs every request through logrus with the chi request id
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Debug("HTTP request")
		})
	}
}
