// Package server exposes the daemon's control plane (REST) and
// streaming plane (websocket primary, SSE fallback) on a loopback-only
// listener.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmx-sh/lmxd/internal/background"
	"github.com/lmx-sh/lmxd/internal/config"
	"github.com/lmx-sh/lmxd/internal/session"
)

// ErrNoFreePort is returned when the preferred port and every fallback
// are taken.
var ErrNoFreePort = errors.New("no free port in configured range")

// loopbackOrigin matches browser origins allowed through CORS. Only
// loopback hosts qualify; the daemon never serves a remote origin.
var loopbackOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// Options wires the server's collaborators.
type Options struct {
	Config     func() *config.Config
	Sessions   *session.Manager
	Background *background.Manager
	Token      string
	Version    string
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Server is the daemon's HTTP front end.
type Server struct {
	cfg        func() *config.Config
	sessions   *session.Manager
	background *background.Manager
	tokenHash  [sha256.Size]byte
	version    string
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	startTime  time.Time

	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server. Start must be called to bind it.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        opts.Config,
		sessions:   opts.Sessions,
		background: opts.Background,
		tokenHash:  sha256.Sum256([]byte(opts.Token)),
		version:    opts.Version,
		gatherer:   opts.Gatherer,
		logger:     logger.With("component", "server"),
		startTime:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || loopbackOrigin.MatchString(origin)
		},
	}
	return s
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleLiveness)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v3/health", s.auth(s.handleHealth))
	mux.HandleFunc("GET /v3/metrics", s.auth(s.handleMetrics))

	mux.HandleFunc("GET /v3/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("POST /v3/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /v3/sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("POST /v3/sessions/{id}/turns", s.auth(s.handleSubmitTurn))
	mux.HandleFunc("POST /v3/sessions/{id}/cancel", s.auth(s.handleCancelTurns))
	mux.HandleFunc("POST /v3/sessions/{id}/permissions/{req}", s.auth(s.handleResolvePermission))
	mux.HandleFunc("GET /v3/sessions/{id}/events", s.auth(s.handleReplayEvents))

	mux.HandleFunc("GET /v3/background", s.auth(s.handleListBackground))
	mux.HandleFunc("POST /v3/background/start", s.auth(s.handleStartBackground))
	mux.HandleFunc("GET /v3/background/{id}/status", s.auth(s.handleBackgroundStatus))
	mux.HandleFunc("GET /v3/background/{id}/output", s.auth(s.handleBackgroundOutput))
	mux.HandleFunc("POST /v3/background/{id}/kill", s.auth(s.handleKillBackground))

	mux.HandleFunc("GET /v3/ws", s.auth(s.handleWS))
	mux.HandleFunc("GET /v3/sse/events", s.auth(s.handleSSE))

	return s.cors(mux)
}

// Start binds the listener, walking the fallback port range when the
// preferred port is taken, and serves in the background. It returns the
// bound port.
func (s *Server) Start() (int, error) {
	cfg := s.cfg()
	host := cfg.Server.Host

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return 0, fmt.Errorf("refusing to bind non-loopback address %q", host)
	}

	listener, port, err := s.listen(host, cfg.Server.Port, cfg.Server.PortFallbacks)
	if err != nil {
		return 0, err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "host", host, "port", port)
	return port, nil
}

// listen tries the preferred port and then each fallback. Only
// address-in-use moves to the next port; any other bind error is fatal
// immediately.
func (s *Server) listen(host string, port, fallbacks int) (net.Listener, int, error) {
	for i := 0; i <= fallbacks; i++ {
		p := port + i
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err == nil {
			return l, p, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			s.logger.Debug("port busy", "port", p)
			continue
		}
		return nil, 0, fmt.Errorf("listen %s:%d: %w", host, p, err)
	}
	return nil, 0, fmt.Errorf("%w: %d..%d", ErrNoFreePort, port, port+fallbacks)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// auth wraps a handler with bearer authentication. The credential may
// arrive as an Authorization header or, for streaming clients that
// cannot set headers, a token query parameter. The comparison hashes
// both sides first so it is constant-time regardless of length.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}
		sum := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(sum[:], s.tokenHash[:]) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	}
}

// cors allows loopback browser origins only, with preflight on all
// methods.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && loopbackOrigin.MatchString(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
