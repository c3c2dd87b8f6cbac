package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/store"
	"orb-trading-bot/internal/tradelog"
)

func main() {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	// stop doubles as the shared trading-day cancellation: the session
	// monitor calls it at hard close, signals call it on operator stop.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := store.LoadConfig(configPath())
	if err != nil {
		logger.ErrorWithErr(ctx, "Config load failed", err)
		os.Exit(1)
	}

	tradelog.Init(cfg.TradelogDir, cfg.Location())
	if err := tradelog.CompressOlder(cfg.State.RetentionDays); err != nil {
		logger.Warn(ctx, "Tradelog compression failed", "error", err.Error())
	}

	app, err := bootstrap(ctx, cfg, stop)
	if err != nil {
		logger.ErrorWithErr(ctx, "Bootstrap failed", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	app.start(ctx, &wg)
	logger.Info(ctx, "Bot started", "mode", cfg.Mode, "market", cfg.Market, "symbols", len(cfg.Symbols))

	<-ctx.Done()
	logger.Info(context.Background(), "Shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn(context.Background(), "Shutdown timed out")
	}

	app.finish(context.Background())
	_ = logger.Shutdown(context.Background())
}

func configPath() string {
	if v := os.Getenv("BOT_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}
