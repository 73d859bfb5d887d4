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
	var (
		roles   = flag.String("roles", "all", "comma separated roles to run: subscriber, relay, aggregator")
		metrics = flag.String("metrics", "", "metrics listen addr (overrides APP_METRICS_ADDR)")
	)
	flag.Parse()

	rs, err := app.ParseRoles(*roles)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *metrics != "" {
		cfg.App.MetricsAddr = *metrics
	}

	lg, err := obs.Init(cfg.App.Name, cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := app.New(cfg, lg)
	defer a.Close()

	lg.Info("starting", zap.Any("roles", rs))
	if err := a.Run(ctx, rs); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("pipeline stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	lg.Info("exit")
}
