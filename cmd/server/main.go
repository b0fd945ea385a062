package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/finlit/core-api/internal/config"
	"github.com/finlit/core-api/internal/database"
	"github.com/finlit/core-api/internal/handler"
	"github.com/finlit/core-api/internal/logging"
	"github.com/finlit/core-api/internal/middleware"
	"github.com/finlit/core-api/internal/queue"
	"github.com/finlit/core-api/internal/repository"
	"github.com/finlit/core-api/internal/router"
	"github.com/finlit/core-api/internal/service"
	"github.com/finlit/core-api/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	cfg := config.Load()
	logger := logging.NewJSON(os.Stdout, !config.IsProduction(cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database unreachable: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	users := repository.NewUserRepo(db)
	tokenRepo := repository.NewTokenRepo(db)

	// Redis is optional: without it revocations go to MySQL and the rate
	// limiter is disabled.
	var (
		revocations service.RevocationStore = tokenRepo
		bucket      middleware.Bucket
	)
	rlCfg := config.LoadRateLimitConfig()
	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		logger.Warn(ctx, "redis unavailable, using sql revocation store", "error", err)
		go service.RunRevocationPurge(ctx, tokenRepo, time.Hour, logger)
	} else {
		defer rdb.Close()
		revocations = repository.NewRedisRevocationStore(rdb, "revoked:refresh")
		bucket = middleware.NewRedisBucket(rdb, rlCfg)
	}

	var events service.EventPublisher = service.NopPublisher{}
	if cfg.AuditEnabled {
		events = service.NewRabbitPublisher(cfg.RabbitURL, logger)
		consumer := queue.NewAuditConsumer(cfg.RabbitURL, queue.DefaultAuditLogPath, logger.With("component", "audit-consumer"))
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "audit consumer stopped", "error", err)
			}
		}()
	}

	issuer := utils.NewTokenIssuer(cfg.AccessSecret, cfg.RefreshSecret, utils.WithTTLs(
		time.Duration(cfg.AccessTTLMin)*time.Minute,
		time.Duration(cfg.RefreshTTLDays)*24*time.Hour,
	))
	authSvc := service.NewAuthService(users, revocations, issuer, utils.NewHasher(cfg.BcryptCost), events, logger)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "ip", v.RemoteIP}
			if v.Error != nil {
				args = append(args, "error", v.Error)
			}
			logger.Info(c.Request().Context(), "request", args...)
			return nil
		},
	}))

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(authSvc), issuer, middleware.NewTokenBucket(rlCfg, bucket, logger))

	addr := ":" + cfg.Port
	go func() {
		logger.Info(ctx, "listening", "addr", addr, "env", cfg.Env, "dev_secrets", cfg.DevSecretsInUse)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "graceful shutdown failed", "error", err)
	}
}
