package http

import (
	"context"
	"net/http"
	"sync"

	"chatcore/internal/api"

	"go.uber.org/zap"
)

type APIServer struct {
	server *http.Server
	log    *zap.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the websocket endpoint, history and health.
func NewAPIServer(apiHandlers *api.API, ws http.HandlerFunc, addr string, log *zap.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)
	mux.HandleFunc("GET /ws", ws)
	mux.HandleFunc("GET /api/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/logoff", apiHandlers.RequireAuth(apiHandlers.LogoffHandler))

	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.log.Info("server started", zap.String("addr", s.server.Addr))
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
