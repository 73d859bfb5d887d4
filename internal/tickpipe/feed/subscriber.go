// Package feed holds the websocket side of the pipeline: it subscribes to the
// market-data feed and forwards every non-ping message to the log unchanged.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/out"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/retry"
)

type Subscriber struct {
	cfg    Config
	pub    out.Publisher
	policy retry.Policy
	m      *metrics.Metrics
	lg     *zap.Logger

	dial func(ctx context.Context, cfg Config) (*Conn, error)
}

func New(cfg Config, pub out.Publisher, policy retry.Policy, m *metrics.Metrics, lg *zap.Logger) *Subscriber {
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Subscriber{
		cfg:    cfg,
		pub:    pub,
		policy: policy,
		m:      m,
		lg:     lg.Named("feed"),
		dial:   Dial,
	}
	s.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		s.lg.Warn("publish retry", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return s
}

// Run holds one connection until ctx is done, the message cap is reached or
// the feed drops. It does not reconnect: an unexpected close returns an
// error wrapping ErrConnectionClosed after the cooldown.
func (s *Subscriber) Run(ctx context.Context) error {
	conn, err := s.dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, conn.abort)
	defer stop()

	for _, sym := range s.cfg.Symbols {
		if err := conn.Subscribe(sym); err != nil {
			_ = conn.Close()
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	s.lg.Info("subscribed", zap.Int("symbols", len(s.cfg.Symbols)), zap.Int("max_messages", s.cfg.MaxMessages))

	published := 0
	for {
		raw, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown(conn)
				s.lg.Info("exit", zap.Int("published", published), zap.Error(ctx.Err()))
				return ctx.Err()
			}
			return s.disconnected(ctx, conn, err)
		}
		s.m.FeedReceived.Inc()

		var msg envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.lg.Error("drop unparseable message", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
			continue
		}
		if msg.Type == model.TypePing {
			s.m.FeedPings.Inc()
			continue
		}

		key := partitionKey(msg)
		err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
			return s.pub.Publish(ctx, key, raw)
		})
		switch {
		case err == nil:
			published++
			s.m.FeedPublished.Inc()
			s.lg.Debug("published", zap.String("key", key), zap.String("type", msg.Type), zap.Int("n", published))
		case ctx.Err() != nil:
			continue // the next Read sees the aborted socket
		default:
			s.m.FeedPublishFailed.Inc()
			s.lg.Error("publish failed", zap.String("key", key), zap.Error(err))
		}

		if s.cfg.MaxMessages > 0 && published >= s.cfg.MaxMessages {
			s.lg.Info("message cap reached", zap.Int("published", published))
			s.shutdown(conn)
			return nil
		}

		if s.cfg.Pace > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.Pace):
			}
		}
	}
}

// shutdown unsubscribes every symbol and closes the socket, best effort.
func (s *Subscriber) shutdown(conn *Conn) {
	for _, sym := range s.cfg.Symbols {
		if err := conn.Unsubscribe(sym); err != nil {
			s.lg.Debug("unsubscribe", zap.String("symbol", sym), zap.Error(err))
			break
		}
	}
	if err := conn.Close(); err != nil {
		s.lg.Debug("close", zap.Error(err))
	}
}

func (s *Subscriber) disconnected(ctx context.Context, conn *Conn, err error) error {
	s.m.FeedDisconnects.Inc()

	var ce *CloseError
	if errors.As(err, &ce) {
		s.lg.Error("connection closed", zap.Int("code", ce.Code), zap.String("reason", ce.Reason))
	} else {
		s.lg.Error("connection lost", zap.Error(err))
	}
	conn.abort()

	if s.cfg.Cooldown > 0 {
		t := time.NewTimer(s.cfg.Cooldown)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// envelope is the loosest read of a feed message: only the type has to
// parse, everything else is forwarded for the relay to judge.
type envelope struct {
	Type string          `json:"type"`
	S    json.RawMessage `json:"s"`
	Data json.RawMessage `json:"data"`
}

// partitionKey is the message's symbol, else the first trade's, else empty.
func partitionKey(msg envelope) string {
	var s string
	if json.Unmarshal(msg.S, &s) == nil && s != "" {
		return s
	}
	var data []struct {
		S json.RawMessage `json:"s"`
	}
	if json.Unmarshal(msg.Data, &data) != nil || len(data) == 0 {
		return ""
	}
	if json.Unmarshal(data[0].S, &s) != nil {
		return ""
	}
	return s
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
