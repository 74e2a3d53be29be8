package daemon

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/roamly/roamchat/internal/auth"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/server/httpapi"
	"github.com/roamly/roamchat/internal/server/hub"
	"go.uber.org/zap"
)

// Server manages the HTTP server lifecycle for the chat daemon.
type Server struct {
	app    *fiber.App
	listen string
	logger *zap.Logger
}

// NewServer builds the fiber application with all routes registered.
func NewServer(p Params, svc *chat.Service, h *hub.Hub, tokens *auth.Tokens, logger *zap.Logger) *Server {
	api := httpapi.New(svc, h, tokens, logger)
	return &Server{
		app:    api.Router(),
		listen: p.Listen,
		logger: logger,
	}
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("listen", s.listen))
	return s.app.Listen(s.listen)
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
}
