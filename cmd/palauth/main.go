package main

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/palauth/palauth/api"
	"github.com/palauth/palauth/config"
	"github.com/palauth/palauth/guard"
	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/logger"
	"github.com/palauth/palauth/session"
	"github.com/palauth/palauth/signer"
	"github.com/palauth/palauth/storage"
	"github.com/palauth/palauth/telemetry"
	"github.com/palauth/palauth/twofactor"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()

	logger.Log.Info("starting PalAuth",
		zap.Int("port", cfg.Port),
		zap.String("issuer", cfg.Issuer),
	)

	tele, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "palauth",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        true,
	})
	if err != nil {
		logger.Log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer tele.Shutdown(context.Background())

	repo, err := storage.Open(cfg.DBType, cfg.DSN)
	if err != nil {
		logger.Log.Fatal("failed to open database", zap.Error(err))
	}

	sign, err := signer.NewFromPEM(cfg.SigningKey, cfg.SigningKeyID, cfg.Issuer)
	if err != nil {
		logger.Log.Fatal("failed to load signing key", zap.Error(err))
	}

	sessions := session.NewManager(repo)
	users := identity.NewManager(repo)

	rpID := cfg.RPID
	if rpID == "" {
		issuerURL, err := url.Parse(cfg.Issuer)
		if err != nil {
			logger.Log.Fatal("invalid issuer URL", zap.Error(err))
		}
		rpID = issuerURL.Hostname()
	}
	keys, err := twofactor.NewSecurityKeyController(twofactor.SecurityKeyConfig{
		RPID:      rpID,
		RPName:    cfg.RPName,
		RPOrigins: []string{cfg.Issuer},
	}, repo, sessions)
	if err != nil {
		logger.Log.Fatal("failed to initialize webauthn", zap.Error(err))
	}
	factors := twofactor.NewController(keys, repo, sessions, cfg.RPName)

	var lockouts guard.LockoutStore = guard.NewMemoryLockoutStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		lockouts = guard.NewRedisLockoutStore(redis.NewClient(opts), "")
		logger.Log.Info("using redis lockout store")
	}
	g := guard.New(lockouts, guard.DefaultConfig())

	h := api.NewHandler(cfg, repo, sign, sessions, users, factors, g, tele)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h.RegisterRoutes(e)

	if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Log.Fatal("server failed to start", zap.Error(err))
	}
}
