// Package api serves the cached calendar data and the sync trigger over
// HTTP using the chi router.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"activitysync/internal/cache"
	"activitysync/internal/models"
)

// Syncer runs the calendar history pipeline.
type Syncer interface {
	PullCalendarHistory(ctx context.Context, w models.Window) error
}

// Store reads cached sync results.
type Store interface {
	Calendars(ctx context.Context) (map[string]string, error)
	UserEvents(ctx context.Context, calendarAlias, user string, from, to time.Time) ([]cache.IndexEntry, error)
	EventDetails(ctx context.Context, baseIDs []string) (map[string]cache.EventDetail, error)
	Attendance(ctx context.Context, user string, eventIDs []string) (map[string][]cache.Interval, error)
}

// Options configure a Server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Retention       time.Duration
}

// Server is the HTTP API.
type Server struct {
	logger zerolog.Logger
	syncer Syncer
	store  Store
	opts   Options
	now    func() time.Time

	// Background syncs outlive their request and are bound to the server.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(logger zerolog.Logger, syncer Syncer, store Store, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:    logger,
		syncer:    syncer,
		store:     store,
		opts:      opts,
		now:       time.Now,
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/google", func(r chi.Router) {
		r.Post("/calendar/sync", s.handleSync)
		r.Get("/calendars", s.handleCalendars)
		r.Get("/users/{user}/events", s.handleUserEvents)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and waits for background syncs to stop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels background syncs and waits for them to return.
func (s *Server) Close() {
	s.cancelRun()
	s.runs.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		logger := s.logger.With().Str("request_id", chimiddleware.GetReqID(r.Context())).Logger()

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("HTTP request")
	})
}
