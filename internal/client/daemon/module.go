package daemon

import (
	"context"
	"time"

	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/client/netmon"
	"github.com/roamly/roamchat/internal/client/pipeline"
	"github.com/roamly/roamchat/internal/client/queue"
	"github.com/roamly/roamchat/internal/client/resolver"
	"github.com/roamly/roamchat/internal/client/rest"
	"github.com/roamly/roamchat/internal/client/store"
	"github.com/roamly/roamchat/internal/client/transport"
	"github.com/roamly/roamchat/internal/config"
	"github.com/roamly/roamchat/internal/lock"
	"github.com/roamly/roamchat/internal/logging"
	"github.com/roamly/roamchat/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved client configuration passed to the fx module.
type Params struct {
	Profile string
	Client  config.ClientConfig
}

// Module returns the fx module for the chat client daemon.
func Module(p Params) fx.Option {
	return fx.Module("chatc",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStore,
			provideMonitor,
			provideTransport,
			provideRESTClient,
			provideQueue,
			provideResolver,
			providePipeline,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), "chatc")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMonitor(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (*netmon.Monitor, error) {
	prober := &netmon.HTTPProber{URL: p.Client.ProbeURL}
	interval := time.Duration(p.Client.ProbeIntervalSec) * time.Second
	return netmon.NewMonitor(db, prober, interval, b, logger)
}

func provideTransport(p Params, logger *zap.Logger) *transport.Transport {
	return transport.New(transport.Options{
		APIBase: p.Client.APIBase,
		Token:   p.Client.Token,
	}, logger)
}

func provideRESTClient(p Params, logger *zap.Logger) *rest.Client {
	return rest.New(p.Client.APIBase, p.Client.Token, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, b, logger)
}

func provideResolver(api *rest.Client, db *store.DB, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(api, db, logger)
}

func providePipeline(p Params, db *store.DB, m *netmon.Monitor, q *queue.Queue,
	tr *transport.Transport, res *resolver.Resolver, api *rest.Client,
	b *bus.Bus, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(pipeline.Options{
		UserID:       p.Client.UserID,
		PollInterval: time.Duration(p.Client.PollIntervalSec) * time.Second,
	}, db, m, q, tr, res, api, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, m *netmon.Monitor, tr *transport.Transport,
	pl *pipeline.Pipeline, db *store.DB, logger *zap.Logger) {
	var profileLock *lock.Lock

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := profile.EnsureDir(p.Profile); err != nil {
				return err
			}
			l, err := lock.Acquire(profile.Dir(p.Profile))
			if err != nil {
				return err
			}
			profileLock = l

			// Listeners attach before connectivity flips start firing.
			pl.Start(context.Background())
			m.Start(context.Background())

			// Best-effort initial dial; the pipeline redials and flushes on
			// the first online notification if this one loses the race.
			go tr.Init(context.Background(), false)

			logger.Info("client daemon started", zap.String("profile", p.Profile))
			return nil
		},
		OnStop: func(_ context.Context) error {
			pl.Stop()
			m.Stop()
			tr.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := profileLock.Release(); err != nil {
				logger.Warn("error releasing profile lock", zap.Error(err))
			}
			logger.Info("client daemon stopped")
			return nil
		},
	})
}
