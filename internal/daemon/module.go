package daemon

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/api"
	"github.com/matheus3301/parla/internal/backend"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/config"
	"github.com/matheus3301/parla/internal/conversation"
	"github.com/matheus3301/parla/internal/lock"
	"github.com/matheus3301/parla/internal/logging"
	"github.com/matheus3301/parla/internal/outbox"
	"github.com/matheus3301/parla/internal/profile"
	"github.com/matheus3301/parla/internal/queue"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/realtime/natstransport"
	"github.com/matheus3301/parla/internal/realtime/wstransport"
	"github.com/matheus3301/parla/internal/session"
	"github.com/matheus3301/parla/internal/store"
	intsync "github.com/matheus3301/parla/internal/sync"
	"github.com/matheus3301/parla/internal/translate"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config overrides config.toml and the environment when set.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBackend,
			provideTransport,
			provideConnection,
			queue.New,
			provideSyncService,
			provideTranslator,
			providePipeline,
			provideSessionManager,
			provideController,
			provideSessionService,
			api.NewMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.Resolve(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), zap.String("profile", p.Profile))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config) backend.Backend {
	return backend.NewClient(cfg.Relay.URL, &http.Client{Timeout: cfg.Sync.HistoryTimeout})
}

func provideTransport(cfg *config.Config, logger *zap.Logger) (realtime.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		logger.Info("realtime transport", zap.String("kind", "nats"), zap.String("url", cfg.Transport.NATSURL))
		return natstransport.New(cfg.Transport.NATSURL, 0, logger.Named("nats")), nil
	case config.TransportWebsocket:
		logger.Info("realtime transport", zap.String("kind", "websocket"), zap.String("url", cfg.Relay.URL))
		return wstransport.New(cfg.Relay.URL, 0, logger.Named("ws"))
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func provideConnection(t realtime.Transport, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *realtime.Connection {
	return realtime.NewConnection(t, realtime.Options{
		Policy:      cfg.Reconnect.Policy(),
		DialTimeout: cfg.Reconnect.DialTimeout,
		Bus:         b,
		Logger:      logger.Named("realtime"),
	})
}

func provideSyncService(conn *realtime.Connection, q *queue.Queue, be backend.Backend, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Service {
	return intsync.New(conn, q, be, intsync.Options{
		ReadinessDelay: cfg.Sync.ReadinessDelay,
		HistoryTimeout: cfg.Sync.HistoryTimeout,
		SendPolicy:     cfg.SendPolicy(),
		LocalLanguage:  cfg.Language.Local,
		Bus:            b,
		Logger:         logger.Named("sync"),
	})
}

func provideTranslator(cfg *config.Config, logger *zap.Logger) *translate.Retrying {
	return &translate.Retrying{
		Translator:  translate.Passthrough{},
		Transcriber: translate.Passthrough{},
		Policy:      cfg.SendPolicy(),
		Logger:      logger.Named("translate"),
	}
}

func providePipeline(q *queue.Queue, tr *translate.Retrying, svc *intsync.Service, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(q, tr, tr, svc, outbox.Options{
		ProcessingTimeout: cfg.Sync.ProcessingTimeout,
		Bus:               b,
		Logger:            logger.Named("outbox"),
	})
}

func provideSessionManager(be backend.Backend, db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(be, db, session.Options{
		Lifetime:            cfg.Session.Lifetime,
		ExpiryCheckInterval: cfg.Session.ExpiryCheckInterval,
		ValidateTimeout:     cfg.Session.ValidateTimeout,
		Bus:                 b,
		Logger:              logger.Named("session"),
	})
}

func provideController(sessions *session.Manager, conn *realtime.Connection, q *queue.Queue, svc *intsync.Service, pipe *outbox.Pipeline, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conversation.Controller {
	return conversation.New(sessions, conn, q, svc, pipe, conversation.Options{
		LocalLanguage:   cfg.Language.Local,
		PartnerLanguage: cfg.Language.Partner,
		Bus:             b,
		Logger:          logger.Named("conversation"),
	})
}

func provideSessionService(p Params, ctrl *conversation.Controller, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, ctrl, logger.Named("api"))
}

// serviceURL is the address the realtime transport dials.
func serviceURL(cfg *config.Config) string {
	if cfg.Transport.Kind == config.TransportNATS {
		return cfg.Transport.NATSURL
	}
	return cfg.Relay.URL
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ctrl *conversation.Controller, conn *realtime.Connection, cfg *config.Config, logger *zap.Logger) {
	check, err := realtime.DialCheck(serviceURL(cfg))
	if err != nil {
		logger.Warn("network check disabled", zap.Error(err))
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Resume failures are not fatal; the connection keeps retrying.
			if err := ctrl.Start(ctx); err != nil {
				logger.Error("resume conversation failed", zap.Error(err))
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go realtime.WatchNetwork(watchCtx, conn, cfg.Reconnect.NetworkCheckInterval, check)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			srv.Stop(ctx)
			ctrl.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
