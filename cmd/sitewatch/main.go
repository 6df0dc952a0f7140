package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvaldes/sitewatch/internal/bot"
	"github.com/mvaldes/sitewatch/internal/command"
	"github.com/mvaldes/sitewatch/internal/config"
	"github.com/mvaldes/sitewatch/internal/kv"
	"github.com/mvaldes/sitewatch/internal/server"
	"github.com/mvaldes/sitewatch/internal/site"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"github.com/mvaldes/sitewatch/internal/version"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	reindex := flag.Bool("reindex", false, "rebuild the site identifier index from stored records and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.Parse(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("sitewatch starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the key-value store; the backend is selected by configuration.
	store, err := kv.Open(ctx, settings.Storage, logger.Named("kv"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	repo := site.NewRepository(store, logger.Named("site"))

	if *reindex {
		added, removed, err := repo.Reindex(ctx)
		if err != nil {
			logger.Fatal("reindex failed", zap.Error(err))
		}
		logger.Info("reindex complete", zap.Int("added", added), zap.Int("removed", removed))
		return
	}

	publisher := command.NewPublisher(settings.MQTT, logger.Named("mqtt"))
	if err := settings.MQTT.Validate(); err != nil {
		logger.Warn("mqtt transport not fully configured, publishes will fail",
			zap.String("component", "mqtt"),
			zap.Error(err),
		)
	}

	resolver := telegram.NewResolver(store, settings.Telegram.Fallback(), logger.Named("telegram"))
	sender := telegram.NewSender(logger.Named("telegram"))
	interp := bot.NewInterpreter(repo, publisher, resolver, sender, logger.Named("bot"))

	if settings.Telegram.WebhookSecret == "" {
		logger.Warn("telegram.webhook_secret not set, webhook endpoint disabled",
			zap.String("component", "telegram"),
		)
	}

	ready := server.ReadinessChecker(func(ctx context.Context) error {
		_, err := store.SMembers(ctx, kv.Key("sites", "all"))
		return err
	})

	addr := settings.Server.Addr()
	srv := server.New(addr, server.Deps{
		Repo:          repo,
		Publisher:     publisher,
		Resolver:      resolver,
		Interpreter:   interp,
		WebhookSecret: settings.Telegram.WebhookSecret,
		StoreKind:     store.Kind(),
	}, logger.Named("server"), ready)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("sitewatch ready",
		zap.String("addr", addr),
		zap.String("store", store.Kind()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("sitewatch stopped")
}
