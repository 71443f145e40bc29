package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"user_service/internal/auth"
	"user_service/internal/config"
	"user_service/internal/events"
	"user_service/internal/handler"
	"user_service/internal/metrics"
	"user_service/internal/service"
	"user_service/internal/storage"

	"github.com/gin-gonic/gin"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to yaml config")

	flag.Parse()
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting user service", slog.String("env", cfg.Env), slog.String("address", cfg.HTTPServer.Address))

	if cfg.Env == envProd {
		gin.SetMode(gin.ReleaseMode)
	}

	//INIT CREDENTIALS
	hasher, err := auth.NewDigestHasher(auth.HasherConfig{
		Algorithm: cfg.Hasher.Algorithm,
		Argon2: auth.Argon2Params{
			Memory:      cfg.Hasher.Memory,
			Iterations:  cfg.Hasher.Iterations,
			Parallelism: cfg.Hasher.Parallelism,
			SaltLength:  cfg.Hasher.SaltLength,
			KeyLength:   cfg.Hasher.KeyLength,
		},
		BcryptCost: cfg.Hasher.BcryptCost,
	})
	if err != nil {
		lgr.Error("failed to init credential hasher", slog.Any("error", err))
		os.Exit(1)
	}

	tokens, err := auth.NewTokenCodec([]byte(cfg.Auth.AccessSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithRefreshKey([]byte(cfg.Auth.RefreshSecret)),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		lgr.Error("failed to init token codec", slog.Any("error", err))
		os.Exit(1)
	}

	//INIT DB
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.NewPostgresStorage(ctx, cfg.DB.DbURL, cfg.DB.MaxOpenConns)
	if err != nil {
		lgr.Error("failed to connect to db", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if cfg.DB.Migrate {
		if err := storage.Migrate(ctx, st.DB()); err != nil {
			lgr.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	go purgeRevocations(ctx, st, cfg.Auth.RevocationPurgeInterval, lgr)

	//INIT EVENTS
	var sink events.Publisher = events.NewLogPublisher(lgr)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout, 1)
		defer kp.Close()
		sink = kp
	} else {
		lgr.Warn("no kafka brokers configured, account events are only logged")
	}
	publisher := events.NewAsyncPublisher(sink, lgr, cfg.Kafka.Buffer, cfg.Kafka.MaxAttempts, 200*time.Millisecond)

	//INIT SERVER
	metrics.Init()

	srvc := service.NewService(st, st, hasher, tokens, publisher, lgr)
	h := handler.NewHandler(srvc, st, handler.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst), lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()
	lgr.Info("started user service")

	<-ctx.Done()
	lgr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Error("http shutdown", slog.Any("error", err))
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		lgr.Error("event publisher shutdown", slog.Any("error", err))
	}

	lgr.Info("stopped user service")
}

func purgeRevocations(ctx context.Context, st storage.Storage, interval time.Duration, lgr *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.PurgeExpired(ctx, now)
			if err != nil {
				lgr.Warn("failed to purge revoked tokens", slog.Any("error", err))
				continue
			}
			if n > 0 {
				lgr.Debug("purged revoked tokens", slog.Int64("count", n))
			}
		}
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
