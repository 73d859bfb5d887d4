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

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/aggregate"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/app"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/config"
	"github.com/chenzhangda16/tickpipe/pkg/obs"
)

func main() {
	once := flag.Bool("once", false, "run a single aggregation pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg, err := obs.Init("aggregator", cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := app.New(cfg, lg)
	defer a.Close()

	if !*once {
		if err := a.Run(ctx, []app.Role{app.RoleAggregator}); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("aggregator stopped", zap.Error(err))
			a.Close()
			os.Exit(1)
		}
		return
	}

	eng, err := a.Aggregator(ctx)
	if err != nil {
		lg.Error("build aggregator", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	rep, err := eng.RunOnce(ctx)
	switch {
	case errors.Is(err, aggregate.ErrRunInProgress):
		lg.Info("another run holds the lock, nothing to do")
	case err != nil:
		lg.Error("aggregation failed", zap.Error(err))
		a.Close()
		os.Exit(1)
	default:
		lg.Info("aggregation done",
			zap.Time("day", rep.Day),
			zap.Strings("published", rep.Published),
			zap.Int("failed", len(rep.Failed)),
			zap.Duration("took", rep.Duration),
		)
		if !rep.OK() {
			a.Close()
			os.Exit(2)
		}
	}
}
