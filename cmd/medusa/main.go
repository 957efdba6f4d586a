package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pymedusa/medusa/internal/api"
	"github.com/pymedusa/medusa/internal/auth"
	"github.com/pymedusa/medusa/internal/config"
	"github.com/pymedusa/medusa/internal/database"
	"github.com/pymedusa/medusa/internal/downloader"
	"github.com/pymedusa/medusa/internal/history"
	"github.com/pymedusa/medusa/internal/logger"
	"github.com/pymedusa/medusa/internal/notification"
	"github.com/pymedusa/medusa/internal/postprocess"
	"github.com/pymedusa/medusa/internal/scheduler"
	"github.com/pymedusa/medusa/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
	})
	defer log.Close()

	log.Info().
		Str("logLevel", cfg.Logging.Level).
		Str("database", cfg.Database.Path).
		Msg("starting Medusa")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	store := history.NewStore(db.Conn(), log.Logger)

	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	notifier := notification.NewService(log.Logger)
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		notifier.AddNotifier(notification.NewWebhook("webhook", notification.WebhookSettings{
			URL: cfg.Webhook.URL,
		}, nil, log.Logger))
	}

	// The queue hands completed downloads to the importer. Until that
	// lands the processor records the handoff so nothing is silently
	// dropped.
	processLog := log.WithComponent("importer")
	queue := postprocess.NewQueue(postprocess.ProcessorFunc(
		func(_ context.Context, job downloader.ProcessJob) error {
			processLog.Info().
				Str("resource", job.Resource).
				Str("path", job.Path).
				Bool("failed", job.Failed).
				Msg("download ready for import")
			return nil
		}), cfg.Process.QueueSize, 2, log.Logger)

	queueCtx, stopQueue := context.WithCancel(context.Background())
	queue.Start(queueCtx)

	handlerCfg := downloader.HandlerConfig{
		TorrentMethod: cfg.Torrent.ClientType(),
		TorrentConfig: cfg.Torrent.ClientConfig(),
		NZBMethod:     cfg.NZB.ClientType(),
		NZBConfig:     cfg.NZB.ClientConfig(),
	}

	handler := downloader.NewHandler(handlerCfg, store, queue, log.Logger)
	handler.AddListener(hub)
	handler.AddListener(notifier)

	snatcher := downloader.NewService(handlerCfg, store, log.Logger)

	authService, err := auth.NewService(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create auth service")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	err = sched.RegisterTask(scheduler.TaskConfig{
		ID:          api.ReconcileTaskID,
		Name:        "Download reconciliation",
		Description: "Polls the download clients and reconciles history statuses",
		Interval:    cfg.Process.Interval(),
		Func:        handler.Run,
		RunOnStart:  true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register reconciliation task")
	}

	server := api.NewServer(cfg, store, snatcher, handler, queue, sched, hub, authService, log.Logger)

	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil {
			log.Info().Err(err).Msg("HTTP server stopped")
		}
	}()

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	stopQueue()
	queue.Stop()

	log.Info().Msg("stopped")
}
