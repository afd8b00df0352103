package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"towerdrop/broker/internal/config"
	grpcstream "towerdrop/broker/internal/grpc"
	httpapi "towerdrop/broker/internal/http"
	"towerdrop/broker/internal/input"
	"towerdrop/broker/internal/logging"
	"towerdrop/broker/internal/networking"
	"towerdrop/broker/internal/replay"
	"towerdrop/broker/internal/timesync"
)

const (
	shutdownTimeout       = 5 * time.Second
	replayCleanupInterval = 10 * time.Minute
	readHeaderTimeout     = 5 * time.Second
	commandMaxAge         = 2 * time.Second
	commandMinInterval    = 10 * time.Millisecond
	timeSyncInterval      = time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "towerdrop:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("broker initialisation failed", logging.Error(err))
		return err
	}
	return app.serve(ctx)
}

// app holds every long-lived component of the broker process.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	session  *Session
	commands *commandPipeline
	broker   *Broker
	cleaner  *replay.Cleaner
	http     *http.Server
	grpc     *grpc.Server
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	//1.- Persistence first so a restored snapshot can pin the tower seed.
	snapshots, err := NewStateSnapshotter(cfg.StateSnapshotPath, cfg.StateSnapshotInterval, logger.With(logging.String("component", "snapshots")))
	if err != nil {
		return nil, fmt.Errorf("state snapshots: %w", err)
	}
	sessionID := uuid.NewString()
	sessionCfg := DefaultSessionConfig(chooseSeed(cfg.Scene, snapshots)).ApplyScene(cfg.Scene)
	sessionCfg.SessionID = sessionID
	sessionCfg.TickHz = cfg.TickHz

	writer, manifest, err := replay.NewWriter(cfg.ReplayDir, sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("replay writer: %w", err)
	}
	recorder, err := replay.NewRecorder(cfg.ReplayDir, replay.DefaultRecorderCapacity, nil)
	if err != nil {
		return nil, fmt.Errorf("replay recorder: %w", err)
	}
	logger.Info("replay bundle opened",
		logging.String("directory", writer.Directory()),
		logging.Int("frame_interval_ms", manifest.FrameIntervalMs),
	)

	session, err := NewSession(sessionCfg,
		WithSessionLogger(logger.With(logging.String("component", "session"), logging.String("session_id", sessionID))),
		WithReplayWriter(writer),
		WithDumpRecorder(recorder),
		WithStateSnapshots(snapshots),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	validator := input.NewValidator(input.DefaultPolicy, logger.With(logging.String("component", "validator")))
	gate := input.NewGate(input.Config{MaxAge: commandMaxAge, MinInterval: commandMinInterval}, logger.With(logging.String("component", "gate")))
	commands := newCommandPipeline(session, validator, gate, logger)

	delivery := networking.NewDeliveryMetrics()
	bandwidth := networking.NewBandwidthRegulator(networking.DefaultViewerBytesPerSecond, nil)
	brokerOpts := []BrokerOption{WithBandwidthRegulator(bandwidth), WithDeliveryMetrics(delivery)}
	if cfg.WSAuthSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.WSAuthSecret)
		if err != nil {
			return nil, fmt.Errorf("websocket auth: %w", err)
		}
		brokerOpts = append(brokerOpts, WithWebsocketAuthenticator(authenticator))
	}
	broker := NewBroker(session, commands, cfg, logger, brokerOpts...)

	cleaner := replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
		MaxBundles: cfg.ReplayMaxBundles,
		MaxDumps:   cfg.ReplayMaxDumps,
		MaxAge:     cfg.ReplayMaxAge,
	}, logger.With(logging.String("component", "replay_cleaner")))
	cleaner.Protect(writer.Directory())

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger.With(logging.String("component", "http")),
		Readiness: broker,
		Telemetry: func() httpapi.Telemetry {
			telemetry := session.Telemetry()
			telemetry.CommandDrops = commands.Drops()
			return telemetry
		},
		Delivery:     delivery,
		Bandwidth:    bandwidth,
		Scene:        session,
		Replay:       httpapi.ReplayDumperFunc(session.DumpReplay),
		AdminToken:   cfg.AdminToken,
		RateLimiter:  httpapi.NewSlidingWindowLimiter(cfg.ReplayDumpWindow, cfg.ReplayDumpBurst, nil),
		ReplayStats:  session.ReplayStats,
		StorageStats: cleaner.Stats,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("/ws", broker.serveWS)

	grpcOpts, _, err := configureGRPCSecurity(cfg, logger.With(logging.String("component", "grpc")))
	if err != nil {
		return nil, fmt.Errorf("grpc security: %w", err)
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	grpcstream.NewService(newGRPCBridge(session, commands),
		grpcstream.WithStreamRate(cfg.StreamHz),
		grpcstream.WithLogger(logger),
	).Register(grpcServer)
	timesync.NewService(session, timeSyncInterval).Register(grpcServer)

	return &app{
		cfg:      cfg,
		log:      logger,
		session:  session,
		commands: commands,
		broker:   broker,
		cleaner:  cleaner,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           logging.HTTPTraceMiddleware(logger)(mux),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		grpc: grpcServer,
	}, nil
}

// chooseSeed prefers the scene file, then a restored snapshot, then the wall clock.
func chooseSeed(scene *config.Scene, snapshots *StateSnapshotter) int64 {
	if scene != nil && scene.Tower.Seed != nil {
		return *scene.Tower.Seed
	}
	if snapshot, ok := snapshots.Restored(); ok {
		return snapshot.Seed
	}
	return time.Now().UnixNano()
}

func (a *app) serve(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	tlsEnabled := a.cfg.TLSCertPath != ""

	a.session.Start(ctx)
	group.Go(func() error {
		a.broker.Run(ctx)
		return nil
	})
	group.Go(func() error {
		a.cleaner.Run(ctx, replayCleanupInterval)
		return nil
	})
	group.Go(func() error {
		a.log.Info("HTTP listener starting",
			logging.String("url", listenerURL(a.cfg.Address, tlsEnabled)),
			logging.String("websocket", websocketURL(a.cfg.Address, tlsEnabled)),
		)
		var err error
		if tlsEnabled {
			err = a.http.ListenAndServeTLS(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		} else {
			err = a.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listener: %w", err)
	})
	group.Go(func() error {
		listener, err := net.Listen("tcp", a.cfg.GRPCAddress)
		if err != nil {
			err = fmt.Errorf("grpc listener: %w", err)
			a.broker.SetStartupError(err)
			return err
		}
		a.log.Info("gRPC listener starting", logging.String("target", grpcTarget(a.cfg.GRPCAddress)))
		if err := a.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return group.Wait()
}

func (a *app) shutdown() error {
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.broker.Close()
	stopped := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		a.grpc.Stop()
	}
	if err := a.session.Stop(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
