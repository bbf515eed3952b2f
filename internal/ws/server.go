package ws

import (
	"log"
	"net/http"
	"time"

	"lichka/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	auth     *auth.AuthService
	hub      *Hub
	upgrader *websocket.Upgrader

	pingInterval time.Duration
	pongTimeout  time.Duration
}

func NewServer(auth *auth.AuthService, hub *Hub, pingInterval, pongTimeout time.Duration) *Server {
	return &Server{
		auth:         auth,
		hub:          hub,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the handshake, upgrades to a
// websocket and runs the connection until it dies. The token comes from
// the "token" header or, for browser clients, the query string.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.hub.UserExists(userID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID, uuid.NewString(), s.pingInterval, s.pongTimeout)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection closed for %s: %v", userID, err)
	}
}
