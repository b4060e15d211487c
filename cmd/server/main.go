package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postingrelay/internal/api"
	"postingrelay/internal/channel"
	"postingrelay/internal/config"
	"postingrelay/internal/ledger"
	"postingrelay/internal/metrics"
	"postingrelay/internal/model"
	"postingrelay/internal/repository"
	"postingrelay/internal/service"
	"postingrelay/internal/tracing"
	"postingrelay/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment, cfg.Server.LogLevel)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infrastructure
	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	rdb, err := initRedis(ctx, cfg.Redis, cfg.Database.ConnectTimeout)
	if err != nil {
		if cfg.Channel.Driver == config.ChannelRedis {
			return err
		}
		logger.Warn("redis unavailable, rate limiting falls back to memory", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	tracer := tracing.Nop()
	if cfg.Tracing.Enabled {
		tp, shutdown, err := tracing.Init(ctx, tracing.Options{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
			Environment: cfg.Server.Environment,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
		tracer = tracing.NewOtelTracer(tp)
	}

	client, err := initChannel(cfg, rdb)
	if err != nil {
		return err
	}
	defer client.Close()

	// Stores and services
	outboxRepo := repository.NewOutboxRepository(db)
	processedRepo := repository.NewProcessedEventRepository(db)
	observer := metrics.NewPrometheusObserver()

	publisher := service.NewOutboxPublisher(outboxRepo, client, service.PublisherOptions{
		Interval:         cfg.Outbox.PublishInterval,
		BatchSize:        cfg.Outbox.BatchSize,
		PublishTimeout:   cfg.Outbox.PublishTimeout,
		IncludeEventType: cfg.Outbox.IncludeEventType,
	}, tracer, observer)

	var reconcileLocker service.Locker
	if cfg.Etcd.Enabled {
		etcdCli, err := initEtcd(cfg.Etcd)
		if err != nil {
			return err
		}
		defer etcdCli.Close()
		locker := repository.NewEtcdLocker(etcdCli, cfg.Etcd.LockKey, cfg.Etcd.SessionTTL)
		defer locker.Close()
		publisher.WithLocker(locker)
		staleLocker := repository.NewEtcdLocker(etcdCli, cfg.Etcd.LockKey+"/reconciler", cfg.Etcd.SessionTTL)
		defer staleLocker.Close()
		reconcileLocker = staleLocker
	}

	committer := ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.CommitPath, cfg.Ledger.Timeout)
	processor := service.NewInboundProcessor(processedRepo, committer, service.InboundOptions{
		EventType:     cfg.Inbound.EventType,
		EventIDMode:   cfg.Inbound.EventIDMode,
		LedgerTimeout: cfg.Ledger.Timeout,
	}, tracer, observer)
	recorder := service.NewEventRecorder(db, outboxRepo)

	// Background work
	var lifecycle conc.WaitGroup

	publisher.Start(ctx)
	defer publisher.Stop()

	if cfg.Inbound.Enabled && cfg.Inbound.StaleClaimAfter > 0 {
		reconciler := service.NewReconciler(processedRepo, cfg.Inbound.StaleClaimAfter, cfg.Inbound.ReconcileInterval, reconcileLocker, observer)
		lifecycle.Go(func() { reconciler.Run(ctx) })
	}

	if cfg.Inbound.Enabled {
		lifecycle.Go(func() {
			logger.Info("starting inbound subscriber", zap.String("driver", cfg.Channel.Driver))
			if err := client.Subscribe(ctx, processor.Handle); err != nil {
				logger.Error("inbound subscriber exited", zap.Error(err))
				stop()
			}
		})
	}

	// Admin API
	r := api.RegisterRoutes(
		api.NewOutboxHandler(outboxRepo, recorder),
		api.NewProcessedHandler(processedRepo),
		api.NewHealthHandler(map[string]api.HealthCheck{
			"database": outboxRepo.PingContext,
			"channel":  client.Health,
		}),
		rdb,
		api.RouterConfig{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			JWTSecret:         []byte(cfg.Auth.JWTSecret),
			DevMode:           cfg.Auth.DevMode,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		},
	)
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lifecycle.Go(func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	publisher.Stop()
	lifecycle.Wait()

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initDB(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = mysql.Open(cfg.DSN)
	}

	open := func() (*gorm.DB, error) {
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return db, nil
	}
	db, err := backoff.Retry(ctx, open,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying", zap.String("driver", cfg.Driver), zap.Duration("in", next), zap.Error(err))
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, _ := db.DB()
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&model.OutboxEvent{}, &model.ProcessedEvent{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	_, err := backoff.Retry(ctx, func() (string, error) {
		return rdb.Ping(ctx).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initChannel(cfg *config.Config, rdb *redis.Client) (channel.Client, error) {
	switch cfg.Channel.Driver {
	case config.ChannelRabbitMQ:
		return channel.DialRabbitMQ(cfg.RabbitMQ.URL, channel.RabbitMQOptions{
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			BindingKey: cfg.RabbitMQ.BindingKey,
			Prefetch:   cfg.RabbitMQ.Prefetch,
		})
	default:
		rc := cfg.Channel.Redis
		return channel.NewRedisStream(rdb, channel.RedisStreamOptions{
			Stream:        rc.Stream,
			InboundStream: rc.InboundStream,
			Group:         rc.Group,
			Consumer:      rc.Consumer,
			MaxLen:        rc.MaxLen,
			BatchSize:     rc.BatchSize,
			Block:         rc.Block,
			MinIdle:       rc.MinIdle,
			MaxDeliveries: rc.MaxDeliveries,
			ClaimInterval: rc.ClaimInterval,
		}), nil
	}
}
