package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"chatme/internal/broker"
)

// HealthChecker reports whether durable storage is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource exposes broker counts.
type StatsSource interface {
	Stats() broker.Stats
}

// ConnectionCounter reports live transport connections.
type ConnectionCounter interface {
	Count() int
}

// Server is the HTTP surface: operational endpoints plus the websocket
// upgrade route. It holds no chat logic of its own.
type Server struct {
	store   HealthChecker
	stats   StatsSource
	conns   ConnectionCounter
	router  *mux.Router
	handler http.Handler
	started time.Time
}

// Options configures the Server.
type Options struct {
	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string
	// WebSocket serves /ws. Nil leaves the route unmounted.
	WebSocket http.Handler
}

// NewServer builds the router and CORS wrapper.
func NewServer(store HealthChecker, stats StatsSource, conns ConnectionCounter, opts Options) *Server {
	s := &Server{
		store:   store,
		stats:   stats,
		conns:   conns,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	s.router.NotFoundHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "No such endpoint", http.StatusNotFound)
	}))
	s.router.MethodNotAllowedHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware)
	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)

	// The upgrade handler enforces its own method and header rules.
	if opts.WebSocket != nil {
		s.router.Handle("/ws", opts.WebSocket)
	}

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(s.router)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Connections int       `json:"connections"`
	Uptime      string    `json:"uptime"`
}

type StatsResponse struct {
	broker.Stats
	Connections int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Database:    "healthy",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check failed")
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, code, resp)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:       s.stats.Stats(),
		Connections: s.conns.Count(),
	})
}

func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
