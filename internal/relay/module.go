package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/backend"
	"github.com/matheus3301/parla/internal/config"
	"github.com/matheus3301/parla/internal/logging"
	"github.com/matheus3301/parla/internal/profile"
	"github.com/matheus3301/parla/internal/store"
)

// Params configures the relay fx module.
type Params struct {
	// Config overrides config.toml and the environment when set.
	Config *config.Config
}

// Module returns the fx module for parla-relay.
func Module(p Params) fx.Option {
	return fx.Module("relay",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideBackend,
			provideHub,
			provideServer,
			provideListener,
			provideBridge,
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

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Server.LogPath, zap.String("component", "relay"))
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.Server.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(profile.BaseDir(), "relay.db")
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
	logger.Info("store initialized", zap.String("path", dbPath),
		zap.Uint("from", result.From), zap.Uint("version", result.Version), zap.Bool("migrated", result.Changed))
	return db, nil
}

func provideBackend(db *store.DB, cfg *config.Config, logger *zap.Logger) *backend.Local {
	return backend.NewLocal(db, cfg.Session.Lifetime, logger.Named("backend"))
}

func provideHub(b *backend.Local, logger *zap.Logger) *Hub {
	return NewHub(NewMessageArchiver(b), logger.Named("hub"))
}

func provideServer(hub *Hub, b *backend.Local, cfg *config.Config, logger *zap.Logger) *Server {
	return NewServer(hub, b, logger, ServerOptions{SweepInterval: cfg.Server.SweepInterval})
}

func provideListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", cfg.Server.Listen)
}

// provideBridge returns nil unless devices talk over NATS.
func provideBridge(cfg *config.Config, b *backend.Local, logger *zap.Logger) *NATSBridge {
	if cfg.Transport.Kind != config.TransportNATS {
		return nil
	}
	return NewNATSBridge(cfg.Transport.NATSURL, NewMessageArchiver(b), logger.Named("nats"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lis net.Listener, bridge *NATSBridge, db *store.DB, logger *zap.Logger) {
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	sweepCtx, stopSweeper := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if bridge != nil {
				if err := bridge.Start(); err != nil {
					return err
				}
			}
			go srv.RunSweeper(sweepCtx)
			go func() {
				logger.Info("relay listening", zap.String("addr", lis.Addr().String()))
				if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := httpSrv.Shutdown(ctx)
			stopSweeper()
			if bridge != nil {
				bridge.Stop()
			}
			if cerr := db.Close(); cerr != nil {
				logger.Warn("error closing store", zap.Error(cerr))
			}
			logger.Info("relay stopped")
			return err
		},
	})
}
