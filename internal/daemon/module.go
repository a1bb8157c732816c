// Package daemon composes the sync engine into a runnable application.
package daemon

import (
	"context"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/chat"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/lock"
	"github.com/tetherchat/tether/internal/logging"
	"github.com/tetherchat/tether/internal/presence"
	"github.com/tetherchat/tether/internal/profile"
	"github.com/tetherchat/tether/internal/queue"
	"github.com/tetherchat/tether/internal/remote"
	"github.com/tetherchat/tether/internal/remote/memstore"
	"github.com/tetherchat/tether/internal/session"
	"github.com/tetherchat/tether/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx
// module. Client is the remote store handle supplied by the host
// application; when nil the in-process store is used, which is only
// useful for development.
type Params struct {
	Profile string
	UserID  string
	Client  remote.Client
}

// Module returns the fx module composing all engine services and their
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideQueue,
			provideRemote,
			provideChat,
			provideSyncer,
			provideProfile,
			providePresence,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("sync_interval", cfg.SyncInterval.Std()))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.Profile))
	return l, nil
}

func provideQueue(p Params, logger *zap.Logger) (*queue.DB, error) {
	dbPath := session.QueueDBPath(p.Profile)
	db, err := queue.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("queue migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("offline queue ready", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params, logger *zap.Logger) remote.Client {
	if p.Client != nil {
		return p.Client
	}
	logger.Warn("no remote client supplied, using in-process store")
	return memstore.New()
}

func provideChat(client remote.Client, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(client, b, logger)
}

func provideSyncer(db *queue.DB, chats *chat.Service, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *syncer.Engine {
	return syncer.NewEngine(db, chats, b, cfg, logger)
}

func provideProfile(client remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *profile.Service {
	return profile.NewService(client, b, cfg, logger)
}

func providePresence(client remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(client, b, cfg, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	db *queue.DB,
	chats *chat.Service,
	engine *syncer.Engine,
	profiles *profile.Service,
	tracker *presence.Tracker,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			engine.Start(context.Background())
			tracker.Start(context.Background(), p.UserID)
			profiles.Start(context.Background(), p.UserID)
			// A profile edit made while the engine was down has no watch
			// delivery to trigger it, so fan out once unconditionally.
			if err := profiles.ForceSync(ctx, p.UserID); err != nil {
				logger.Warn("startup profile propagation failed", zap.Error(err))
			}
			logger.Info("engine started", zap.String("user_id", p.UserID))
			return nil
		},
		OnStop: func(_ context.Context) error {
			profiles.Stop()
			tracker.Stop()
			engine.Stop()
			chats.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing queue db", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
