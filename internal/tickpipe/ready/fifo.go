// Package ready tells a supervising script that a component is up by writing
// a line into a named pipe.
package ready

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SignalFifoCtx tries to write payload to the named FIFO at path.
// The open is O_NONBLOCK so a missing reader never wedges the caller; ENXIO
// (no reader yet) is retried until ctx is done or timeout passes.
func SignalFifoCtx(ctx context.Context, path string, payload string, timeout time.Duration, lg *zap.Logger) {
	if path == "" {
		return
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if payload == "" {
		payload = "READY\n"
	}
	lg = lg.With(zap.String("fifo", path))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(80 * time.Millisecond)
	defer tick.Stop()

	for {
		fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			f := os.NewFile(uintptr(fd), path)
			_, _ = f.WriteString(payload)
			_ = f.Close()
			lg.Debug("ready signalled")
			return
		}

		if errors.Is(err, syscall.ENXIO) {
			select {
			case <-ctx.Done():
				lg.Warn("canceled before fifo reader appeared", zap.Error(ctx.Err()))
				return
			case <-deadline.C:
				lg.Warn("timeout waiting for fifo reader", zap.Duration("timeout", timeout))
				return
			case <-tick.C:
				continue
			}
		}

		lg.Warn("fifo open failed", zap.Error(err))
		return
	}
}
