// Package web exposes the link pool over HTTP: a JSON API for link
// inspection and control, a websocket event stream, and an interactive
// per-link console.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lvp-hub/internal/automation"
	"lvp-hub/internal/logsink"
	"lvp-hub/internal/pool"
)

// LogStore serves recorded link traffic, normally the bbolt sink.
type LogStore interface {
	Tail(link string, n int) ([]logsink.Entry, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets allowed origin patterns for CORS and websockets.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithLogStore enables the recorded-traffic endpoint.
func WithLogStore(ls LogStore) ServerOption {
	return func(s *Server) { s.logStore = ls }
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// Server is the HTTP front end over one pool.
type Server struct {
	pool           *pool.Pool
	logger         *slog.Logger
	mux            *http.ServeMux
	hub            *eventHub
	apiKey         string
	allowedOrigins []string
	version        string
	logStore       LogStore
	autoEngine     *automation.Engine
	scriptMgr      *automation.Manager
	opTimeout      time.Duration
	unsubEvents    func()
	wg             sync.WaitGroup
}

// NewServer builds the server and subscribes it to pool events.
func NewServer(p *pool.Pool, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		pool:      p,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		opTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newEventHub(s.logger)
	s.unsubEvents = p.Events().OnAll(func(e pool.Event) {
		s.hub.broadcast(e)
	})

	s.routes()
	return s
}

// Stop unsubscribes from events and closes websocket clients.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.hub.stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/links", s.handleListLinks)
	s.mux.HandleFunc("GET /api/links/{id}", s.handleGetLink)
	s.mux.HandleFunc("POST /api/links/{id}/init", s.handleInit)
	s.mux.HandleFunc("POST /api/links/{id}/get", s.handleGet)
	s.mux.HandleFunc("POST /api/links/{id}/set", s.handleSet)
	s.mux.HandleFunc("POST /api/links/{id}/exec", s.handleExec)
	s.mux.HandleFunc("POST /api/links/{id}/call", s.handleCall)
	s.mux.HandleFunc("GET /api/links/{id}/log", s.handleLog)
	s.mux.HandleFunc("POST /api/declare", s.handleDeclare)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("GET /api/scripts", s.handleListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleGetScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/reload", s.handleReloadScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/stop", s.handleStopScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleRunScript)

	s.mux.HandleFunc("GET /ws/events", s.handleEvents)
	s.mux.HandleFunc("GET /ws/console/{id}", s.handleConsole)
}

// ServeHTTP applies CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// websocket upgrades cannot carry custom headers from browsers, so
	// the key guards /api/ only
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
