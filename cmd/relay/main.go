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
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/pkg/obs"
)

func main() {
	var (
		dedupMode = flag.String("dedup", "", "replay filter: off, memory or rocks (overrides RELAY_DEDUP_MODE)")
		readyFifo = flag.String("ready-fifo", "", "write one line to FIFO once partitions are assigned")
	)
	flag.Parse()

	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}
	if *dedupMode != "" {
		cfg.Relay.DedupMode = dedup.Mode(*dedupMode)
	}
	if *readyFifo != "" {
		cfg.Relay.ReadyFifo = *readyFifo
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg, err := obs.Init("relay", cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := app.New(cfg, lg)
	defer a.Close()

	if err := a.Run(ctx, []app.Role{app.RoleRelay}); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("relay stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}
