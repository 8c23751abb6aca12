package http

import (
	"context"
	"net/http"
	"sync"

	"chatcore/internal/api"

	"go.uber.org/zap"
)

type AdminServer struct {
	server *http.Server
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, log *zap.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/deadletters", adminHandler.DeadLettersHandler)
	mux.HandleFunc("DELETE /admin/deadletters", adminHandler.PurgeDeadLettersHandler)
	mux.HandleFunc("POST /admin/unblock", adminHandler.UnblockHandler)
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)

	if addr == "" {
		addr = "localhost:8081"
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
