package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/scout/internal/clients/chat"
	"github.com/bobmcallan/scout/internal/clients/gemini"
	"github.com/bobmcallan/scout/internal/clients/scraper"
	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/server"
	"github.com/bobmcallan/scout/internal/services/dedup"
	"github.com/bobmcallan/scout/internal/services/matcher"
	"github.com/bobmcallan/scout/internal/services/notifier"
	"github.com/bobmcallan/scout/internal/services/pipeline"
	"github.com/bobmcallan/scout/internal/services/queue"
	"github.com/bobmcallan/scout/internal/services/ratelimit"
	"github.com/bobmcallan/scout/internal/services/runlock"
	"github.com/bobmcallan/scout/internal/services/scheduler"
	"github.com/bobmcallan/scout/internal/services/tracker"
	kv "github.com/bobmcallan/scout/internal/storage/redis"
	"github.com/bobmcallan/scout/internal/storage/surrealdb"
)

func main() {
	config, err := common.LoadConfig(os.Getenv("SCOUT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := common.NewLogger(config.Logging.Level)

	logger.Info().
		Str("version", common.GetVersion()).
		Str("environment", config.Environment).
		Msg("Scout starting")

	// The relational store is the system of record; refuse to start without it.
	storage, err := surrealdb.NewManager(logger, config)
	if err != nil {
		logger.Error().Err(err).Str("address", config.Storage.Address).Msg("Relational store unreachable")
		os.Exit(1)
	}

	kvStore, err := kv.NewStore(config.KV.URL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid KV store configuration")
		os.Exit(1)
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := kvStore.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("KV store unreachable; queue fallback applies until it returns")
		}
		cancel()
	}

	scraperClient := scraper.NewClient(config.Clients.Scraper.BaseURL,
		scraper.WithAPIKey(config.Clients.Scraper.APIKey),
		scraper.WithTimeout(config.Clients.Scraper.GetTimeout()),
		scraper.WithLogger(logger))

	llmClient, err := gemini.NewClient(context.Background(), config.Clients.LLM.APIKey,
		gemini.WithModel(config.Clients.LLM.Model),
		gemini.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize LLM client")
		os.Exit(1)
	}

	chatClient := chat.NewClient(config.Clients.Chat.BaseURL,
		chat.WithToken(config.Clients.Chat.Token),
		chat.WithRateLimit(config.Clients.Chat.RateLimit),
		chat.WithTimeout(config.Clients.Chat.GetTimeout()),
		chat.WithLogger(logger))

	limiter := ratelimit.New(map[string]time.Duration{
		models.SourceScraper: 2 * time.Second,
		models.SourceSerpAPI: 5 * time.Second,
		"default":            2 * time.Second,
	}, logger)

	cache := dedup.New(logger)
	workers := queue.NewWorkers(kvStore, storage, scraperClient, llmClient, limiter, config.Queue, logger)
	dispatcher := queue.NewDispatcher(kvStore, cache, workers, config.Queue, logger)
	// The dispatcher owns the worker and sweeper lifecycles.
	dispatcher.Start()

	lock := runlock.New(kvStore, logger, config.Scheduler.GetLockTTL())
	trackerSvc := tracker.New(storage.Runs(), logger)
	matcherSvc := matcher.New(dispatcher, storage, logger)
	notifierSvc := notifier.New(chatClient, logger)

	pipe := pipeline.New(storage, dispatcher, matcherSvc, notifierSvc, trackerSvc, lock, llmClient, config, logger)

	sched := scheduler.New(storage, pipe, dispatcher, trackerSvc, lock, config, logger)
	sched.Start()

	srv := server.NewServer(server.Deps{
		Config:     config,
		Logger:     logger,
		Storage:    storage,
		Dispatcher: dispatcher,
		Tracker:    trackerSvc,
		RateLimits: limiter,
		Lock:       lock,
		Scheduler:  sched,
		Chat:       chatClient,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Shutdown signal received")

	// New runs stop first, then the API, then the queue layer drains.
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	dispatcher.Stop()

	if err := kvStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("KV store close failed")
	}
	if err := storage.Close(); err != nil {
		logger.Warn().Err(err).Msg("Storage close failed")
	}

	logger.Info().Msg("Scout stopped")
}
