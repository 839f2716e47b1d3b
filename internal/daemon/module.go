package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/meshlink/internal/api"
	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/config"
	"github.com/matheus3301/meshlink/internal/connection"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/gateway"
	"github.com/matheus3301/meshlink/internal/lock"
	"github.com/matheus3301/meshlink/internal/logging"
	"github.com/matheus3301/meshlink/internal/meshcore"
	"github.com/matheus3301/meshlink/internal/outbox"
	"github.com/matheus3301/meshlink/internal/profile"
	"github.com/matheus3301/meshlink/internal/reconnect"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/store"
	intsync "github.com/matheus3301/meshlink/internal/sync"
	"github.com/matheus3301/meshlink/internal/transport"
	"github.com/matheus3301/meshlink/internal/transport/ble"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	Debug       bool
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRegistry,
			provideSyncCoordinator,
			provideManager,
			provideSender,
			provideConnectionService,
			provideSyncService,
			provideMessageService,
			provideGateway,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so a second daemon never touches the
// database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

// provideRegistry returns nil when the system bus is unreachable; the
// daemon then runs TCP-only.
func provideRegistry(logger *zap.Logger) *ble.Registry {
	reg, err := ble.NewRegistry(logger.Named("ble"))
	if err != nil {
		logger.Warn("bluetooth unavailable, TCP only", zap.Error(err))
		return nil
	}
	return reg
}

func provideSyncCoordinator(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, b, intsync.Config{
		SuppressionWatchdog: p.Config.Sync.SuppressionWatchdog.Duration,
		DedupCapacity:       p.Config.Sync.DedupCapacity,
	}, logger.Named("sync"))
}

// noBluetooth resolves nothing.
type noBluetooth struct{}

func (noBluetooth) Resolve(_ context.Context, deviceID string) error {
	return fmt.Errorf("%s: bluetooth unavailable: %w", deviceID, transport.ErrDeviceNotFound)
}

func (noBluetooth) Transport(_ context.Context, deviceID string) (transport.Transport, error) {
	return nil, fmt.Errorf("%s: bluetooth unavailable: %w", deviceID, transport.ErrDeviceNotFound)
}

func provideManager(p Params, machine *status.Machine, b *bus.Bus, db *store.DB, coord *intsync.Coordinator, reg *ble.Registry, logger *zap.Logger) *connection.Manager {
	var resolver connection.Resolver = noBluetooth{}
	if reg != nil {
		resolver = reg
	}
	cfg := p.Config
	requestTimeout := cfg.Connection.RequestTimeout.Duration

	return connection.New(connection.Deps{
		Machine:  machine,
		Bus:      b,
		Store:    db,
		Sync:     coord,
		Resolver: resolver,
		DialTCP: func(deviceID, addr string) transport.Transport {
			return transport.NewTCP(deviceID, addr, logger)
		},
		NewSession: func(tr transport.Transport) device.Session {
			return meshcore.NewSession(tr, requestTimeout, logger.Named("meshcore"))
		},
		Config: connection.Config{
			MaxAttempts:       cfg.Connection.MaxAttempts,
			BaseDelay:         cfg.Connection.BaseDelay.Duration,
			MaxDelay:          cfg.Connection.MaxDelay.Duration,
			HandshakeAttempts: cfg.Connection.HandshakeAttempts,
			ResyncAttempts:    cfg.Sync.ResyncAttempts,
			ResyncInterval:    cfg.Sync.ResyncInterval.Duration,
			Reconnect: reconnect.Config{
				UITimeout:  cfg.Reconnect.UITimeout.Duration,
				Ceiling:    cfg.Reconnect.Ceiling.Duration,
				RetryDelay: cfg.Reconnect.RetryDelay.Duration,
			},
		},
		Logger: logger.Named("connection"),
	})
}

func provideSender(db *store.DB, mgr *connection.Manager, coord *intsync.Coordinator, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, coord, b, logger.Named("outbox"))
}

func provideConnectionService(p Params, mgr *connection.Manager, db *store.DB, reg *ble.Registry, b *bus.Bus, logger *zap.Logger) *api.ConnectionService {
	var paired api.PairedLister
	if reg != nil {
		paired = reg
	}
	return api.NewConnectionService(p.ProfileName, mgr, db, paired, b, logger)
}

func provideSyncService(p Params, mgr *connection.Manager, coord *intsync.Coordinator, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(p.ProfileName, mgr, coord, b, logger)
}

func provideMessageService(p Params, db *store.DB, mgr *connection.Manager, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(p.ProfileName, db, mgr, sender, b, logger)
}

func provideGateway(mgr *connection.Manager, b *bus.Bus, logger *zap.Logger) *gateway.Server {
	return gateway.New(b, mgr, logger.Named("gateway"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, gw *gateway.Server, lk *lock.Lock, db *store.DB, reg *ble.Registry, mgr *connection.Manager, sender *outbox.Sender, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := p.Config.Gateway.ListenAddr; addr != "" {
				if err := gw.Start(addr); err != nil {
					return fmt.Errorf("start gateway: %w", err)
				}
			}

			sender.Start(ctx)

			if dev := p.Config.Connection.AutoConnectDevice; dev != "" {
				go func() {
					if err := mgr.AutoConnect(ctx, dev); err != nil {
						logger.Warn("auto-connect failed", zap.String("device", dev), zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			sender.Stop()
			if p.Config.Gateway.ListenAddr != "" {
				if err := gw.Stop(stopCtx); err != nil {
					logger.Warn("gateway shutdown", zap.Error(err))
				}
			}
			mgr.Close()
			srv.Stop(stopCtx)
			if reg != nil {
				_ = reg.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
