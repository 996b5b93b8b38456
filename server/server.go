// Package server exposes the dev relay: a websocket endpoint speaking
// babel-fish-v1 plus a health check.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelfish-live/babelfish/config"
	"github.com/babelfish-live/babelfish/messages"
	"github.com/babelfish-live/babelfish/session"
)

// Server hosts the relay websocket endpoint
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

// New creates a relay server
func New(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio frames
			WriteBufferSize: 64 * 1024,
			Subprotocols:    []string{messages.Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for tests that mount it on httptest
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("relay listening on port %d (ws://localhost:%d/ws)", s.config.Port, s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down relay...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	sess, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		log.Printf("failed to create session: %v", err)
		if data, encErr := messages.Encode(messages.NewError(messages.ErrCodeServerError,
			err.Error(), time.Now().UnixMilli())); encErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.Close()
		return
	}

	log.Printf("new connection: %s", sess.ID)
	sess.Start()

	<-sess.CloseChan

	// The request context is gone once the peer disconnects; clean up with
	// a fresh one so the Redis mirror still gets updated.
	_ = s.sessionManager.RemoveSession(context.Background(), sess.ID)
	log.Printf("connection closed: %s", sess.ID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.ActiveSessionCount())
}
