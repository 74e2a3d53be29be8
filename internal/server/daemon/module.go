package daemon

import (
	"context"

	"github.com/roamly/roamchat/internal/auth"
	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/logging"
	"github.com/roamly/roamchat/internal/profile"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/server/hub"
	"github.com/roamly/roamchat/internal/server/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved server configuration passed to the fx module.
type Params struct {
	Listen      string
	DBPath      string // optional override for testing; empty = use default
	TokenSecret string
}

// Module returns the fx module for the chat server daemon.
func Module(p Params) fx.Option {
	return fx.Module("chatd",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStore,
			provideTokens,
			provideChatService,
			provideHub,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(profile.ServerLogPath(), "chatd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.DBPath
	if dbPath == "" {
		dbPath = profile.ServerDBPath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(p Params) *auth.Tokens {
	return auth.NewTokens(p.TokenSecret, 0)
}

func provideChatService(db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, b, logger)
}

func provideHub(svc *chat.Service, b *bus.Bus, logger *zap.Logger) *hub.Hub {
	return hub.New(svc, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, h *hub.Hub, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Hub subscribes to chat.* bus events before requests arrive.
			h.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			h.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
