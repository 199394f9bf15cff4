package daemon

import (
	"context"
	"fmt"

	"github.com/pripandrei/ChatUpp-sub002/internal/bus"
	"github.com/pripandrei/ChatUpp-sub002/internal/config"
	"github.com/pripandrei/ChatUpp-sub002/internal/counter"
	"github.com/pripandrei/ChatUpp-sub002/internal/lock"
	"github.com/pripandrei/ChatUpp-sub002/internal/logging"
	"github.com/pripandrei/ChatUpp-sub002/internal/mirror"
	"github.com/pripandrei/ChatUpp-sub002/internal/pager"
	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/seen"
	"github.com/pripandrei/ChatUpp-sub002/internal/session"
	"github.com/pripandrei/ChatUpp-sub002/internal/status"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideSynchronizer,
			provideCoalescer,
			provideReconciler,
			providePager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger, machine *status.Machine) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", session.ConfigPath(), err)
	}
	if cfg.AuthUserID == "" {
		_ = machine.Transition(status.AuthRequired)
		return nil, fmt.Errorf("config %s: auth_user_id is required", session.ConfigPath())
	}
	if cfg.ProjectID == "" {
		_ = machine.Transition(status.AuthRequired)
		return nil, fmt.Errorf("config %s: project_id is required", session.ConfigPath())
	}
	logger.Info("config loaded", zap.String("auth_user_id", cfg.AuthUserID), zap.String("project_id", cfg.ProjectID))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.MirrorDBPath(p.SessionName)
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
	logger.Info("mirror initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (remote.Store, error) {
	return remote.NewFirestore(context.Background(), cfg.ProjectID, cfg.CredentialsFile, logger)
}

func provideSynchronizer(db *store.DB, r remote.Store, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *mirror.Synchronizer {
	return mirror.NewSynchronizer(db, r, b, machine, cfg.AuthUserID, logger)
}

func provideCoalescer(db *store.DB, r remote.Store, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *counter.Coalescer {
	return counter.NewCoalescer(db, r, b, logger, counter.Options{
		Window:      cfg.CoalesceWindow(),
		MaxAttempts: cfg.FlushMaxAttempts,
		Machine:     machine,
	})
}

func provideReconciler(db *store.DB, r remote.Store, logger *zap.Logger) *seen.Reconciler {
	return seen.NewReconciler(db, r, logger)
}

func providePager(db *store.DB, r remote.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *pager.Coordinator {
	return pager.NewCoordinator(db, r, b, logger, cfg.PageSize)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, sync *mirror.Synchronizer, coal *counter.Coalescer, pg *pager.Coordinator, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = machine.Transition(status.Connecting)

			coal.Start(context.Background())
			pg.Start(context.Background())

			if err := sync.Start(context.Background()); err != nil {
				logger.Error("failed to start mirror synchronizer", zap.Error(err))
				_ = machine.Transition(status.Error)
				return err
			}

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sync.Stop()
			pg.Stop()
			coal.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing mirror", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
