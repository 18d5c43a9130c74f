package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"charrelay/internal/actions"
	"charrelay/internal/backend"
	"charrelay/internal/config"
	"charrelay/internal/gateway"
	"charrelay/internal/logging"
	"charrelay/internal/notify"
	"charrelay/internal/relay"
	"charrelay/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay engine and its HTTP gateway",
	Long: `Starts the full engine: SQLite-backed character store, watchdog,
resolver, dispatcher, stored-action retry worker, and the ingress HTTP
API. Shuts down gracefully on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		Level:      level,
		Categories: cfg.Logging.Categories,
		Console:    cfg.Logging.Console,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logging.CloseAll()

	logger.Info("starting charrelay",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("listen", cfg.Gateway.ListenAddr))

	db, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	notifier := notify.New(cfg.Platform.OpsWebhookURL)

	dir := relay.NewCharacterDirectory(cfg.Dispatch.QueueCapacity)

	watchdog := relay.NewWatchdog(relay.WatchdogOptions{
		Window:         cfg.WatchdogWindow(),
		WarnThreshold:  cfg.Watchdog.WarnThreshold,
		BlockThreshold: cfg.Watchdog.BlockThreshold,
		ShortBlock:     cfg.ShortBlock(),
		LongBlock:      cfg.LongBlock(),
	}, db, notifier)
	if err := watchdog.LoadBlocked(ctx); err != nil {
		return fmt.Errorf("load persisted blocks: %w", err)
	}
	guilds := relay.NewGuildBlocklist()

	history := gateway.NewHistoryClient(cfg.Platform.BaseURL, cfg.Platform.BotToken)
	resolver := relay.NewResolver(dir, history, relay.ResolverOptions{
		BotUserID:         cfg.BotUserID,
		HistoryFetchCount: cfg.Dispatch.HistoryFetchCount,
		WideContextBudget: cfg.Dispatch.WideContextBudget,
	})

	facade := backend.NewFacade()
	if key := cfg.Backends.Gemini.APIKey; key != "" {
		gem, err := backend.NewGeminiResponder(ctx, key, cfg.Backends.Gemini.Model, cfg.GeminiTimeout())
		if err != nil {
			return fmt.Errorf("gemini backend: %w", err)
		}
		facade.Register(relay.IntegrationGemini, gem)
	} else {
		logging.Boot("gemini backend disabled: no api key configured")
	}
	if key := cfg.Backends.OpenAI.APIKey; key != "" {
		facade.Register(relay.IntegrationOpenAI,
			backend.NewOpenAIResponder(key, cfg.Backends.OpenAI.BaseURL, cfg.Backends.OpenAI.Model, cfg.OpenAITimeout()))
	} else {
		logging.Boot("openai backend disabled: no api key configured")
	}

	sender := gateway.NewWebhookSender(cfg.Platform.BaseURL, cfg.CacheTTL())

	dispatcher := relay.NewDispatcher(relay.Options{
		BotUserID:            cfg.BotUserID,
		QueueCapacity:        cfg.Dispatch.QueueCapacity,
		TurnPollInterval:     cfg.TurnPollInterval(),
		TurnWaitCeiling:      cfg.TurnWaitCeiling(),
		DefaultResponseDelay: cfg.DefaultResponseDelay(),
		BotResponseFloor:     cfg.BotResponseFloor(),
		HistoryFetchCount:    cfg.Dispatch.HistoryFetchCount,
		SeenChannelTTL:       cfg.CacheTTL(),
	}, dir, resolver, watchdog, guilds, facade, sender, db, notifier)

	worker := actions.NewWorker(db, notifier, cfg.ActionsTickInterval())
	worker.Register(backend.KindSessionLogin, backend.NewLoginContinuation(nil))

	gw := gateway.NewServer(cfg.Gateway.SharedToken, dispatcher, dir, db, watchdog, guilds, cfg.CacheTTL())

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		watchdog.SetOptions(relay.WatchdogOptions{
			Window:         next.WatchdogWindow(),
			WarnThreshold:  next.Watchdog.WarnThreshold,
			BlockThreshold: next.Watchdog.BlockThreshold,
			ShortBlock:     next.ShortBlock(),
			LongBlock:      next.LongBlock(),
		})
	})
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Stop()

	srv := &http.Server{
		Addr:         cfg.Gateway.ListenAddr,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		watchdog.RunExpiry(gctx, cfg.ExpiryInterval())
		return nil
	})
	g.Go(func() error {
		dispatcher.SeenChannels().Run(gctx, cfg.CacheSweepInterval())
		return nil
	})
	g.Go(func() error {
		sender.Clients().Run(gctx, cfg.CacheSweepInterval())
		return nil
	})
	g.Go(func() error {
		gw.Sessions().Run(gctx, cfg.CacheSweepInterval())
		return nil
	})
	g.Go(func() error {
		logging.Boot("gateway listening on %s", cfg.Gateway.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Let in-flight delivery tasks finish before the store closes.
	dispatcher.Wait()
	logger.Info("charrelay stopped")
	return err
}
