package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/ageniuscoder/mmchat/msgsync/internal/auth"
	"github.com/ageniuscoder/mmchat/msgsync/internal/chat"
	"github.com/ageniuscoder/mmchat/msgsync/internal/config"
	"github.com/ageniuscoder/mmchat/msgsync/internal/conversations"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/messages"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storage"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storage/postgres"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storage/sqlite"
)

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exit")
	flag.Parse()

	// .env is optional; the real environment wins.
	_ = godotenv.Load()
	cfg := config.MustLoad()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("main")

	repo, err := openRepo(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if *migrate {
		log.Info().Msg("migration completed")
		return
	}

	var mirror chat.Mirror
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("mmchat-relay"))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect nats")
		}
		defer nc.Drain()
		mirror = nc
		log.Info().Str("url", cfg.NATSURL).Msg("mirroring deliveries to nats")
	}

	hub := chat.NewHub(mirror)
	go hub.Run(ctx)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		if err := repo.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	open := r.Group("/api")
	chat.RegisterWS(open, hub, cfg.JWTSecret)

	api := r.Group("/api", auth.JWTMiddleware(cfg.JWTSecret))
	messages.Register(api, repo, hub)
	conversations.Register(api, repo)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", cfg.DBDriver).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	log.Info().Msg("relay stopped")
}

func openRepo(cfg config.Config) (*storage.Repo, error) {
	if cfg.DBDriver == "postgres" {
		return postgres.New(cfg.PostgresDSN)
	}
	return sqlite.New(cfg.SQLiteDSN)
}
