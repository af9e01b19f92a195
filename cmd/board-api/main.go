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

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/board"
	"taskboard/internal/config"
	"taskboard/internal/logging"
	"taskboard/notify"
	"taskboard/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, logClose, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logClose.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(resource.NewSchemaless(
		attribute.String("service.name", "board-api"),
		attribute.String("board.id", cfg.BoardID),
	)))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tasks, actions, users, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	if cfg.ActionsQueue != "" {
		feed, err := storage.OpenQueueFeed(cfg.ConnectionString, cfg.ActionsQueue, cfg.BoardID, actions)
		if err != nil {
			logger.Fatalf("action feed: %v", err)
		}
		actions = feed
	}

	hub := notify.NewHub()
	var deduper api.Deduper
	if cfg.RedisConnection != "" {
		rc := redis.NewClient(config.RedisOptions(cfg.RedisConnection))
		defer rc.Close()
		tasks = storage.NewCache(tasks, rc, cfg.BoardID, cfg.TasksCacheTTL)
		relay := notify.NewRedisRelay(rc, cfg.SignalsChannel, hub, logger)
		go relay.Run(ctx)
		deduper = api.NewRedisDeduper(rc, cfg.IdempotencyTTL)
	}

	opts := board.Options{BoardID: cfg.BoardID, Logger: logger}
	if cfg.AnnounceOnWrite {
		opts.Announcer = hub
	}
	svc := board.NewService(tasks, actions, users, opts)

	auth, err := newAuth(cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, svc, hub, auth, logger, api.Options{Deduper: deduper, ActionsLimit: cfg.ActionsLimit})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "board": cfg.BoardID, "backend": cfg.Backend}).Info("board api starting")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server: %v", err)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (storage.TaskStore, storage.ActionLog, storage.UserDirectory, error) {
	if cfg.Backend == config.BackendMemory {
		return storage.NewMemoryStore(), storage.NewMemoryActionLog(), storage.NewMemoryUsers(cfg.SeedUsers...), nil
	}
	t, err := storage.OpenTables(cfg.ConnectionString, storage.TableNames{
		Tasks:   cfg.TasksTable,
		Titles:  cfg.TitlesTable,
		Actions: cfg.ActionsTable,
		Users:   cfg.UsersTable,
	}, cfg.BoardID)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, u := range cfg.SeedUsers {
		if err := t.Users.UpsertUser(ctx, u); err != nil {
			return nil, nil, nil, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return t.Tasks, t.Actions, t.Users, nil
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	ac := api.AuthConfig{
		Mode:        cfg.AuthMode,
		Audience:    cfg.Auth0Audience,
		Secret:      []byte(cfg.AuthSecret),
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}
	if cfg.AuthMode == api.AuthJWKS {
		jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain), keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		ac.JWKS = jwks
		ac.Issuer = "https://" + cfg.Auth0Domain + "/"
	}
	return api.NewAuth(ac)
}
