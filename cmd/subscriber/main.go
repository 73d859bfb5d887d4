package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/app"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/config"
	"github.com/chenzhangda16/tickpipe/pkg/obs"
)

func main() {
	maxMessages := flag.Int("max-messages", -1, "stop after this many published messages (overrides FEED_MAX_MESSAGES when >= 0)")
	flag.Parse()

	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}
	if *maxMessages >= 0 {
		cfg.Feed.MaxMessages = *maxMessages
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg, err := obs.Init("subscriber", cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := app.New(cfg, lg)
	defer a.Close()

	if err := a.Run(ctx, []app.Role{app.RoleSubscriber}); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("subscriber stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}
