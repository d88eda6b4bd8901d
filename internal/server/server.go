// Package server is a development backend speaking the same REST and
// socket protocol as the production chat service. It stores data in
// memory or, when configured, in Postgres.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"teamchat/internal/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

type Server struct {
	db       Database
	tokens   *Tokens
	hubs     *Hubs
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	mu     sync.Mutex
	peers  map[*Peer]struct{}
	closed bool
}

func New(db Database, tokens *Tokens, socket config.SocketConfig, logger *slog.Logger) *Server {
	s := &Server{
		db:         db,
		tokens:     tokens,
		hubs:       NewHubs(logger),
		logger:     logger,
		writeWait:  socket.WriteWait,
		pongWait:   socket.PongWait,
		pingPeriod: socket.PingPeriod,
		peers:      make(map[*Peer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.writeWait <= 0 {
		s.writeWait = 10 * time.Second
	}
	if s.pongWait <= 0 {
		s.pongWait = 60 * time.Second
	}
	if s.pingPeriod <= 0 || s.pingPeriod >= s.pongWait {
		s.pingPeriod = s.pongWait * 9 / 10
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/profile", s.handleProfile)
			r.Get("/chat/{teamID}/messages", s.handleMessages)
			r.Put("/chat/messages/{messageID}", s.handleEditMessage)
		})
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hubs exposes the per-team hubs, e.g. for idle cleanup.
func (s *Server) Hubs() *Hubs {
	return s.hubs
}

func (s *Server) track(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) forget(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// Close disconnects every peer and stops all hubs.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[*Peer]struct{})
	s.mu.Unlock()

	for p := range peers {
		p.Close()
	}
	s.hubs.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
