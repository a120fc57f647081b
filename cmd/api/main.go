package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/config"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/events"
	"bankcore.org/internal/grpcapi"
	"bankcore.org/internal/httpapi"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/lock"
	"bankcore.org/internal/obs"
	"bankcore.org/internal/store/pg"
	"bankcore.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envDir := flag.String("env", ".", "directory holding an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envDir)
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bankcore-api stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.AuthSecret == "" {
		return errors.New("BANKCORE_AUTH_SECRET is required")
	}
	signer, err := auth.NewSigner(cfg.AuthSecret, cfg.AuthIssuer)
	if err != nil {
		return err
	}

	var (
		db      *sql.DB
		store   ledger.Store
		users   ledger.Users
		rates   currency.Directory
		breaker *currency.Breaker
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN, pg.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return err
		}
		defer pgStore.Close()
		db = pgStore.DB()
		store, users = pgStore, pgStore
		breaker = currency.NewBreaker("currency-rates", pgStore, 5, 30*time.Second)
		rates = breaker
	} else {
		logger.Warn("BANKCORE_PG_DSN not set; using in-memory store")
		mem := ledger.NewInMemory()
		store, users = mem, mem
		rates = currency.NewStatic(currency.DefaultRates())
	}

	var locker ledger.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		opts := lock.DefaultRedisOptions()
		if tries := int(cfg.LockTimeout / opts.RetryDelay); tries > 0 {
			opts.Tries = tries
		}
		locker = lock.NewRedis(client, opts)
	} else {
		locker = lock.NewLocal(cfg.LockTimeout)
	}

	hub := stream.New()
	var publisher ledger.Observer = events.NewLog(logger)
	if cfg.RabbitMQURL != "" {
		pub, err := events.Dial(cfg.RabbitMQURL, cfg.EventsExchange, events.WithLogger(logger))
		if err != nil {
			return err
		}
		defer pub.Close()
		publisher = pub
	}

	engine := ledger.NewEngine(store, users, rates, locker,
		ledger.WithPolicy(cfg.Policy),
		ledger.WithObserver(hub),
		ledger.WithObserver(publisher),
		ledger.WithLogger(logger),
		ledger.WithRetry(cfg.LockRetries, cfg.LockBackoff),
	)
	accounts := ledger.NewAccounts(store, locker)
	probe := httpapi.ReadyProbe{DB: db}
	if breaker != nil {
		probe.Rates = breaker
	}

	api := httpapi.New(httpapi.Deps{
		Operations: engine,
		Accounts:   accounts,
		Stream:     hub,
		Signer:     signer,
		Ready:      probe,
		Version:    version,
	})
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer(grpcapi.ServerOptions(signer)...)
	grpcapi.RegisterLedgerServer(grpcServer, grpcapi.NewServer(engine, accounts, version))
	hs := grpcapi.NewHealth()
	healthpb.RegisterHealthServer(grpcServer, hs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go grpcapi.WatchReadiness(ctx, hs, probe, 5*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hs.Shutdown()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
