package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"lichka/internal/api"
	"lichka/internal/auth"
	"lichka/internal/filestore"
	"lichka/internal/presence"
	"lichka/internal/storage"
	"lichka/internal/ws"
)

// APIServer serves the REST endpoints and the websocket upgrade path.
type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.AuthService,
	store *storage.BboltStorage,
	registry *presence.Registry,
	hub *ws.Hub,
	files filestore.FileStore,
	addr string,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *APIServer {
	wsServer := ws.NewServer(authService, hub, pingInterval, pongTimeout)
	handlers := api.New(authService, store, registry, hub, files)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/conversations", handlers.RequireAuth(handlers.ConversationsHandler))
	mux.HandleFunc("GET /api/unread", handlers.RequireAuth(handlers.UnreadHandler))
	mux.HandleFunc("GET /api/messages/{userId}", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("PUT /api/messages/{id}", handlers.RequireAuth(handlers.EditMessageHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", handlers.RequireAuth(handlers.DeleteMessageHandler))
	mux.HandleFunc("POST /api/messages/upload", handlers.RequireAuth(handlers.UploadHandler))
	mux.HandleFunc("GET /api/files/{id}", handlers.RequireAuth(handlers.FileHandler))

	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
