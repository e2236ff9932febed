package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/api"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/models"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
	"github.com/peterje/ptyhost/internal/ws"
)

// Options wires the server to the session host. History, Gatherer and
// Metrics may be nil.
type Options struct {
	Host      ptymgr.Host
	Bus       ws.Subscriber
	History   api.HistoryReader
	Tools     []models.ToolStatus
	Instance  string
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	RateLimit RateLimitConfig
	Logger    *zap.Logger
}

type Server struct {
	mux     *http.ServeMux
	handler http.Handler
	opts    Options
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{mux: http.NewServeMux(), opts: opts}
	s.routes()

	limited := rateLimit(opts.RateLimit, s.mux)
	s.handler = recovery(opts.Logger, logging(opts.Logger, limited))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.opts.Host, s.opts.History, s.opts.Logger.Named("api"))
	wsHandler := ws.NewHandler(s.opts.Host, s.opts.Bus, s.opts.Metrics, s.opts.Logger.Named("ws"))

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("POST /api/sessions/{id}/input", sessions.HandleInput)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)
	s.mux.HandleFunc("GET /api/sessions/{id}/foreground", sessions.HandleForeground)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", wsHandler)

	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.opts.Gatherer))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tools := s.opts.Tools
	if tools == nil {
		tools = []models.ToolStatus{}
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:   "ok",
		Instance: s.opts.Instance,
		Sessions: len(s.opts.Host.List()),
		Tools:    tools,
	})
}
