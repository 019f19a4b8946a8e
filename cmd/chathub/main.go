package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	config "chathub/configs"
	"chathub/pkg/api"
	"chathub/pkg/connection"
	"chathub/pkg/coordination"
	"chathub/pkg/coordination/etcd"
	"chathub/pkg/coordination/memory"
	"chathub/pkg/coordination/zookeeper"
	"chathub/pkg/delegate"
	"chathub/pkg/election"
	"chathub/pkg/failover"
	"chathub/pkg/health"
	"chathub/pkg/hub"
	"chathub/pkg/logger"
	"chathub/pkg/notify"
	tracing "chathub/pkg/observability"
	"chathub/pkg/watch"
)

func main() {
	cfg := config.LoadConfig()

	logCfg := logger.DefaultConfig("chathub")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	base, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()

	if err := run(cfg, base); err != nil {
		logger.Component(base, "daemon").Fatal("chathub stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, base *zap.Logger) error {
	log := logger.Component(base, "daemon")
	log.Info("starting up",
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Duration("session_timeout", cfg.SessionTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("chathub")
	traceCfg.Endpoint = cfg.OTelEndpoint
	traceCfg.Enabled = cfg.OTelEnabled
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	dialer, err := newDialer(cfg, base)
	if err != nil {
		return err
	}

	// Connection, election and watches share the instance's session.
	manager := connection.NewManager(dialer, cfg.Endpoints, cfg.SessionTimeout, connection.WithLogger(base))
	el := election.New(manager, election.WithLogger(base))
	registry := watch.NewRegistry(manager, watch.WithLogger(base))
	manager.OnSessionStart(func(coordination.Session) {
		el.Restart()
		registry.RearmAll()
	})
	manager.OnReconnect(func(coordination.Session) {
		registry.RearmAll()
	})

	connectCtx, cancelConnect := context.WithTimeout(ctx, 2*time.Minute)
	err = manager.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("connected", zap.String("endpoint", manager.State().Endpoint()), zap.String("instance", manager.State().InstanceID()))

	registry.Start()
	el.Start()

	iter := failover.New(cfg.Endpoints, failover.WithLogger(base))
	writer := delegate.New(manager, el, dialer, iter,
		delegate.WithLogger(base),
		delegate.WithDialTimeout(cfg.DialTimeout),
		delegate.WithTracer(tp.Tracer()),
	)

	publishers := []notify.Publisher{notify.NewLogPublisher(base)}
	var redisPub *notify.RedisPublisher
	if cfg.RedisAddr != "" {
		redisCfg := notify.DefaultRedisConfig(cfg.RedisAddr)
		redisCfg.Channel = cfg.RedisChannel
		redisPub, err = notify.NewRedisPublisher(redisCfg)
		if err != nil {
			log.Warn("redis unavailable, notifications go to the log only", zap.Error(err))
		} else {
			publishers = append(publishers, redisPub)
		}
	}
	dispatcher := notify.NewDispatcher(publishers,
		notify.WithLogger(base),
		notify.WithInstance(manager.State().InstanceID()),
	)
	dispatcher.Start()

	h := hub.New(manager, writer, registry, dispatcher, hub.WithLogger(base))

	waitCtx, cancelWait := context.WithTimeout(ctx, cfg.SessionTimeout)
	state, err := el.WaitOutcome(waitCtx)
	cancelWait()
	if err != nil {
		log.Warn("election did not settle yet", zap.Error(err))
	} else {
		log.Info("election settled", zap.Stringer("state", state))
	}

	if cfg.ResetOnStart {
		if err := h.Reset(ctx); err != nil {
			return fmt.Errorf("reset namespace: %w", err)
		}
	}
	if err := h.Watch(ctx); err != nil {
		return fmt.Errorf("watch namespace: %w", err)
	}

	prober := health.New(dialer, iter,
		health.WithLogger(base),
		health.WithInterval(cfg.HealthInterval),
		health.WithTimeout(cfg.DialTimeout),
	)
	if err := prober.Start(); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(api.Config{
		Port:          cfg.APIPort,
		Logger:        base,
		Connection:    manager.State(),
		Election:      el,
		Breakers:      iter,
		Health:        prober,
		Subscriptions: registry,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("api server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	prober.Stop()

	// Resign so another instance takes over without waiting for expiry.
	if err := el.Resign(shutdownCtx); err != nil {
		log.Warn("failed to resign leadership", zap.Error(err))
	}
	el.Close()
	registry.Close()
	dispatcher.Close()
	errs = multierr.Append(errs, manager.Close())
	if redisPub != nil {
		errs = multierr.Append(errs, redisPub.Close())
	}
	errs = multierr.Append(errs, tp.Shutdown(shutdownCtx))

	if errs != nil {
		log.Warn("shutdown finished with errors", zap.Error(errs))
	} else {
		log.Info("shutdown complete")
	}
	return nil
}

func newDialer(cfg *config.Config, base *zap.Logger) (coordination.Dialer, error) {
	switch cfg.Backend {
	case config.BackendZooKeeper:
		return zookeeper.NewDialer(base), nil
	case config.BackendEtcd:
		return etcd.NewDialer(base, cfg.EtcdPrefix), nil
	case config.BackendMemory:
		return memory.NewCluster(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
