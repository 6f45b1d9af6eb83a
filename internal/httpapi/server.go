// Package httpapi exposes the game and administrative endpoints: session
// start, score submission, the leaderboards, and the ML operations surface
// with its live event stream.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/SuperSonnix71/Xnake/internal/anticheat"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// Response list caps for the public boards.
const (
	hallOfFameLimit  = 10
	hallOfShameLimit = 50
	maxBoardLimit    = 100
	logTailLimit     = 100
)

// shutdownGrace is how long in-flight requests get after the context is
// canceled.
const shutdownGrace = 5 * time.Second

// Deps carries everything the handlers read.
type Deps struct {
	Orchestrator *anticheat.Orchestrator
	Leaderboard  *store.Leaderboard
	Cheaters     *store.Cheaters
	Samples      *store.Samples
	Registry     *ml.Registry
	Predictor    *ml.Predictor
	Worker       *train.Worker
	TrainLog     *store.Appender
	EdgeLog      *store.Appender
	Bus          *events.Bus
}

// Server is the HTTP front. Construct with NewServer and drive with Run.
type Server struct {
	logger  *log.Logger
	addr    string
	timeout time.Duration
	deps    Deps
	hub     *wsHub
	router  chi.Router
}

// NewServer builds the router. The request timeout bounds every handler
// except the event stream.
func NewServer(logger *log.Logger, addr string, timeout time.Duration, deps Deps) *Server {
	s := &Server{
		logger:  logger.WithPrefix("http"),
		addr:    addr,
		timeout: timeout,
		deps:    deps,
		hub:     newWSHub(logger, deps.Bus),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/game/start", s.handleGameStart)
			r.Post("/score", s.handleScore)
			r.Get("/halloffame", s.handleHallOfFame)
			r.Get("/hallofshame", s.handleHallOfShame)

			r.Route("/ml", func(r chi.Router) {
				r.Get("/status", s.handleMLStatus)
				r.Get("/versions", s.handleMLVersions)
				r.Get("/training-logs", s.handleTrainingLogs)
				r.Get("/edge-cases", s.handleEdgeCases)
				r.Post("/train", s.handleTrainNow)
			})
		})
		// The websocket outlives any per-request deadline.
		r.Get("/ml/events", s.hub.handleEvents)
	})
	r.Get("/api/healthz", s.handleHealthz)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is canceled, then drains in-flight requests
// and closes every event-stream connection.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs one line per request in the structured style the rest
// of the server uses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).Round(time.Microsecond))
	})
}
