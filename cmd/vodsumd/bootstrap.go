package main

import (
	"log/slog"
	"time"

	"vodsum/internal/acquire"
	"vodsum/internal/admission"
	"vodsum/internal/cache"
	"vodsum/internal/config"
	"vodsum/internal/fanout"
	"vodsum/internal/logging"
	"vodsum/internal/notifications"
	"vodsum/internal/queue"
	"vodsum/internal/quota"
	"vodsum/internal/scheduler"
	"vodsum/internal/services/telegram"
	"vodsum/internal/subscriptions"
	"vodsum/internal/summarize"
	"vodsum/internal/transcribe"
	"vodsum/internal/workflow"
)

// buildServices wires the full pipeline: stage handlers, the quota limiter,
// the subscription directory with its read-through cache, and the fan-out
// distributor.
func buildServices(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*workflow.Manager, *scheduler.Scheduler) {
	cacheLayer := cache.New(cache.NewMemoryStore(), cfg.Cache.Enabled, logger)
	directory := subscriptions.NewDirectory(store.DB(), cacheLayer, logger)

	var sender telegram.Sender
	if cfg.Telegram.BotToken != "" {
		client, err := telegram.NewClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.BaseURL,
			time.Duration(cfg.Telegram.RequestTimeout)*time.Second,
		)
		if err != nil {
			logger.Warn("telegram client unavailable, distribution disabled", logging.Error(err))
		} else {
			sender = client
		}
	} else {
		logger.Warn("telegram bot token not configured, distribution disabled")
	}

	distributor := fanout.NewDistributor(cfg, store.DB(), directory, sender, logger)
	limiter := quota.NewLimiter(store.DB(), quota.ResourceSummarizer, cfg.Quota.DailyCallLimit, logger)
	notifier := notifications.NewService(cfg)

	manager := workflow.NewManager(cfg, store, logger, notifier, limiter, distributor)
	manager.ConfigureStages(workflow.StageSet{
		Admission:   admission.NewHandler(cfg, logger),
		Acquirer:    acquire.NewHandler(cfg, logger),
		Transcriber: transcribe.NewHandler(cfg, logger),
		Summarizer:  summarize.NewHandler(cfg, logger),
	})

	sched := scheduler.NewScheduler(cfg, store, limiter, logger)
	return manager, sched
}
