package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/felipeag/deskchat/internal/archive"
	"github.com/felipeag/deskchat/internal/auth"
	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/config"
	"github.com/felipeag/deskchat/internal/convo"
	"github.com/felipeag/deskchat/internal/lock"
	"github.com/felipeag/deskchat/internal/logging"
	"github.com/felipeag/deskchat/internal/outbound"
	"github.com/felipeag/deskchat/internal/session"
	"github.com/felipeag/deskchat/internal/supervisor"
	"github.com/felipeag/deskchat/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideDialer,
			provideAuthenticator,
			provideArchiveDB,
			provideArchive,
			provideSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) *config.Config {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.String("path", path), zap.Error(err))
		return &config.Config{Archive: true}
	}
	return cfg
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return transport.NewWebSocketDialer(cfg.Server.ConnectTimeout.Duration, logger)
}

func provideAuthenticator(cfg *config.Config) supervisor.Authenticator {
	return &auth.FileAuthenticator{
		UserID:    cfg.Auth.UserID,
		Role:      cfg.Auth.Role,
		TokenFile: cfg.Auth.TokenFile,
	}
}

func provideArchiveDB(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
	db, err := archive.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideArchive(db *archive.DB, b *bus.Bus, logger *zap.Logger) *archive.Archive {
	return archive.New(db, b, logger)
}

func provideSession(cfg *config.Config, dialer transport.Dialer, authr supervisor.Authenticator, b *bus.Bus, logger *zap.Logger) *session.Session {
	opts := session.Options{
		Server: supervisor.Config{
			URL:               cfg.Server.URL,
			ConnectTimeout:    cfg.Server.ConnectTimeout.Duration,
			HeartbeatInterval: cfg.Server.HeartbeatInterval.Duration,
			HeartbeatTimeout:  cfg.Server.HeartbeatTimeout.Duration,
			BackoffInitial:    cfg.Server.BackoffInitial.Duration,
			BackoffMax:        cfg.Server.BackoffMax.Duration,
			MaxAttempts:       cfg.Server.MaxAttempts,
		},
		Queue: outbound.Config{
			RetryCap:   cfg.Queue.RetryCap,
			AckHistory: cfg.Queue.AckHistory,
		},
		Convo: convo.Config{
			TypingTTL: cfg.Convo.TypingTTL.Duration,
		},
	}
	return session.New(opts, dialer, authr, b, logger)
}

// fatalHandler stops the process on a fatal session error. There is no
// recovery without new credentials, and a Closed session with no control
// surface would otherwise linger as a zombie.
func fatalHandler(sd fx.Shutdowner, logger *zap.Logger) bus.Handler {
	return func(evt bus.Event) {
		ferr, ok := evt.Payload.(*supervisor.FatalSessionError)
		if !ok {
			return
		}
		logger.Error("session is unrecoverable, shutting down", zap.Error(ferr))
		if err := sd.Shutdown(); err != nil {
			logger.Error("shutdown request failed", zap.Error(err))
		}
	}
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, sess *session.Session, arc *archive.Archive, db *archive.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Archive {
				arc.SetLocalUser(cfg.Auth.UserID)
				arc.Start()
			} else {
				logger.Info("archive disabled")
			}

			b.Subscribe("conn.fatal", fatalHandler(sd, logger))

			if err := sess.Start(ctx); err != nil {
				return err
			}
			logger.Info("daemon started", zap.String("server", cfg.Server.URL))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sess.Close()
			arc.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
