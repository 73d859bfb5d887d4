package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/mockfeed"
	"github.com/chenzhangda16/tickpipe/pkg/obs"
	"github.com/chenzhangda16/tickpipe/pkg/rng"
)

func main() {
	var (
		addr       = flag.String("addr", ":8090", "websocket listen addr")
		token      = flag.String("token", "", "required token query parameter, empty accepts any")
		det        = flag.Bool("det", false, "reproducible trades from -seed")
		seed       = flag.Int64("seed", 1, "seed for deterministic generation")
		tick       = flag.Duration("tick", 200*time.Millisecond, "interval between trade messages")
		pingEvery  = flag.Duration("ping", 10*time.Second, "interval between keep-alive pings, 0 disables")
		maxBatch   = flag.Int("batch", 5, "max trades per message")
		closeAfter = flag.Int("close-after", 0, "close each session after this many trade messages")
		level      = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	lg, err := obs.Init("mockfeed", *level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	rf := rng.New(map[bool]rng.Mode{true: rng.Deterministic, false: rng.Real}[*det], *seed)
	srv := &http.Server{
		Addr: *addr,
		Handler: mockfeed.NewServer(mockfeed.Options{
			Token:      *token,
			Tick:       *tick,
			PingEvery:  *pingEvery,
			CloseAfter: *closeAfter,
		}, mockfeed.NewTradeGen(rf, *maxBatch), lg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(shCtx)
	}()

	lg.Info("mockfeed listening", zap.String("addr", *addr), zap.Bool("deterministic", *det))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal("listen", zap.Error(err))
	}
}
