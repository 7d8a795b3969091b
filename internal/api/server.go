package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"quote-engine/internal/allocation"
	"quote-engine/internal/quote"
	"quote-engine/internal/service"
	"quote-engine/internal/trade"
)

// Engine is the behaviour the HTTP layer needs from the service.
type Engine interface {
	RequestQuote(ctx context.Context, req quote.Request) (quote.View, error)
	GetQuote(ctx context.Context, id string) (quote.View, error)
	Confirm(ctx context.Context, quoteID string) (trade.Result, error)
	Preview(ctx context.Context, req trade.PreviewRequest) (allocation.Split, error)
	Balances(ctx context.Context, accountID string) (service.BalanceView, error)
	Allocations(ctx context.Context, accountID string) ([]allocation.Record, error)
	Trade(ctx context.Context, quoteID string) (trade.Record, error)
	Trades(ctx context.Context, accountID string, limit int) ([]trade.Record, error)
}

// Pinger reports backend readiness for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the engine over HTTP.
type Server struct {
	engine Engine
	health Pinger
	logger zerolog.Logger
	router http.Handler
}

// New builds the router. health may be nil when no backing store is used.
func New(engine Engine, health Pinger, logger zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		health: health,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/quote", s.CreateQuote)
	r.Get("/quote/{id}", s.GetQuote)
	r.Post("/trade/confirm", s.ConfirmTrade)
	r.Get("/trade/{quoteId}", s.GetTrade)
	r.Get("/trades/{accountId}", s.ListTrades)
	r.Get("/allocation-preview", s.AllocationPreview)
	r.Get("/balance/{accountId}", s.GetBalance)
	r.Get("/allocations/{accountId}", s.ListAllocations)
	return r
}

// requestIDField tags the request logger with chi's request id.
func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

// NewHTTPServer wraps handler with the configured timeouts.
func NewHTTPServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
