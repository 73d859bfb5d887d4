// Package relay moves trade messages from the log into the ledger. Offsets are
// committed only once the message is durably handled, so a crash at any point
// re-delivers rather than loses.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/ledger"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/ready"
	"github.com/chenzhangda16/tickpipe/pkg/hash"
	"github.com/chenzhangda16/tickpipe/pkg/obs"
)

// TradeWriter persists one message worth of records atomically.
type TradeWriter interface {
	InsertBatch(ctx context.Context, records []model.TradeRecord) error
}

type Options struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
	Version  sarama.KafkaVersion

	// PollTimeout bounds how long a fetch waits for new data.
	PollTimeout    time.Duration
	RestartBackoff time.Duration

	// DropRejected commits messages the ledger refuses outright instead of
	// replaying them forever.
	DropRejected bool

	// EvictEvery is how often expired replay-filter entries are dropped
	// while a session runs. Zero evicts only when a session ends.
	EvictEvery time.Duration

	ReadyFifo string
}

// ConsumerConfig is the sarama config for the relay group. Auto-commit is off;
// offsets move only through Commit after a message is handled.
func ConsumerConfig(o Options) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.ClientID
	cfg.Version = o.Version
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	if o.PollTimeout > 0 {
		cfg.Consumer.MaxWaitTime = o.PollTimeout
	}
	return cfg
}

func NewConsumerGroup(o Options) (sarama.ConsumerGroup, error) {
	if len(o.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	cg, err := sarama.NewConsumerGroup(o.Brokers, o.Group, ConsumerConfig(o))
	if err != nil {
		return nil, fmt.Errorf("consumer group init: %w", err)
	}
	return cg, nil
}

type Worker struct {
	opts   Options
	group  sarama.ConsumerGroup
	store  TradeWriter
	filter dedup.Filter
	m      *metrics.Metrics
	lg     *zap.Logger

	readyOnce sync.Once
	now       func() time.Time
	lastEvict atomic.Int64 // unix nanos
}

// New wires a worker. group may be nil when only HandleMessage is used;
// filter may be nil to disable replay filtering.
func New(opts Options, group sarama.ConsumerGroup, store TradeWriter, filter dedup.Filter, m *metrics.Metrics, lg *zap.Logger) *Worker {
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 300 * time.Millisecond
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Worker{
		opts:   opts,
		group:  group,
		store:  store,
		filter: filter,
		m:      m,
		lg:     lg.Named("relay"),
		now:    time.Now,
	}
}

// Run consumes until ctx is done. A failed session (for example after a
// persistence error) is restarted from the last committed offset.
func (w *Worker) Run(ctx context.Context) error {
	go w.logGroupErrors()

	w.lg.Info("start",
		zap.String("topic", w.opts.Topic),
		zap.String("group", w.opts.Group),
		zap.Strings("brokers", w.opts.Brokers),
	)
	for ctx.Err() == nil {
		if err := w.group.Consume(ctx, []string{w.opts.Topic}, w); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			w.lg.Warn("session ended", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.RestartBackoff):
			}
		}
	}
	w.lg.Info("exit", zap.Error(ctx.Err()))
	return ctx.Err()
}

func (w *Worker) logGroupErrors() {
	for err := range w.group.Errors() {
		w.lg.Error("consumer error", zap.Error(err))
	}
}

// Close leaves the group. The store belongs to the caller.
func (w *Worker) Close() error {
	if w.group == nil {
		return nil
	}
	return w.group.Close()
}

func (w *Worker) Setup(sess sarama.ConsumerGroupSession) error {
	w.lg.Info("assigned",
		zap.Any("claims", sess.Claims()),
		zap.Int32("generation", sess.GenerationID()),
	)
	if w.opts.ReadyFifo != "" {
		w.readyOnce.Do(func() {
			go ready.SignalFifoCtx(sess.Context(), w.opts.ReadyFifo, "READY relay\n", 0, w.lg)
		})
	}
	return nil
}

func (w *Worker) Cleanup(sess sarama.ConsumerGroupSession) error {
	w.lg.Info("revoked", zap.Int32("generation", sess.GenerationID()))
	if w.filter != nil {
		w.evict(w.now())
	}
	return nil
}

func (w *Worker) evict(now time.Time) {
	w.lastEvict.Store(now.UnixNano())
	if err := w.filter.Evict(now.Unix()); err != nil {
		w.lg.Warn("replay filter evict", zap.Error(err))
	}
}

// maybeEvict runs at most one eviction per EvictEvery across all claims.
func (w *Worker) maybeEvict() {
	if w.opts.EvictEvery <= 0 {
		return
	}
	now := w.now()
	last := w.lastEvict.Load()
	if last == 0 {
		w.lastEvict.CompareAndSwap(0, now.UnixNano())
		return
	}
	if now.UnixNano()-last < int64(w.opts.EvictEvery) {
		return
	}
	if !w.lastEvict.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if err := w.filter.Evict(now.Unix()); err != nil {
		w.lg.Warn("replay filter evict", zap.Error(err))
	}
}

// ConsumeClaim handles one message at a time in partition order. A message is
// marked and committed only after HandleMessage accepts it; on error the claim
// ends without committing so the message comes back.
func (w *Worker) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := w.HandleMessage(ctx, msg); err != nil {
				return err
			}
			sess.MarkMessage(msg, "")
			sess.Commit()
		}
	}
}

// HandleMessage decodes and persists one log message. A nil return means the
// offset may be committed; that includes messages that are dropped on
// purpose.
func (w *Worker) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	lg := w.lg.With(
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var pos hash.Hash32
	if w.filter != nil {
		w.maybeEvict()
		pos = hash.LogPosition(msg.Topic, msg.Partition, msg.Offset)
		seen, err := w.filter.Seen(pos, w.now().Unix())
		if err != nil {
			lg.Warn("replay filter lookup", zap.Error(err))
		} else if seen {
			w.m.RelayMessages.WithLabelValues(metrics.OutcomeReplayed).Inc()
			lg.Debug("already persisted, skipping")
			return nil
		}
	}

	d := Decode(msg.Value)
	switch d.Outcome {
	case OutcomeMalformed:
		w.m.RelayMessages.WithLabelValues(metrics.OutcomeMalformed).Inc()
		lg.Error("bad message", zap.Error(d.Err), obs.Payload(msg.Value))
		return nil
	case OutcomeEmpty:
		w.m.RelayMessages.WithLabelValues(metrics.OutcomeEmpty).Inc()
		lg.Error("dropped", zap.String("type", d.Type), zap.Error(d.Err))
		return nil
	case OutcomeNotTrade:
		w.m.RelayMessages.WithLabelValues(metrics.OutcomeNotTrade).Inc()
		lg.Debug("ignored", zap.String("type", d.Type))
		return nil
	}

	for _, r := range d.Rejected {
		w.m.RelayRejected.Inc()
		lg.Warn("tick rejected", zap.Int("index", r.Index), zap.Error(r.Err), obs.Payload(r.Element))
	}
	if len(d.Records) == 0 {
		w.m.RelayMessages.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return nil
	}

	start := w.now()
	if err := w.store.InsertBatch(ctx, d.Records); err != nil {
		if errors.Is(err, ledger.ErrBatchRejected) && w.opts.DropRejected {
			w.m.RelayMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
			lg.Error("batch rejected by ledger, dropping", zap.Int("records", len(d.Records)), zap.Error(err))
			return nil
		}
		w.m.RelayMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
		lg.Error("persist failed, will replay", zap.Int("records", len(d.Records)), zap.Error(err))
		return fmt.Errorf("persist p=%d off=%d: %w", msg.Partition, msg.Offset, err)
	}
	w.m.RelayBatchDur.Observe(w.now().Sub(start).Seconds())
	w.m.RelayRecords.Add(float64(len(d.Records)))
	w.m.RelayMessages.WithLabelValues(metrics.OutcomePersisted).Inc()

	if w.filter != nil {
		if err := w.filter.Add(pos, w.now().Unix()); err != nil {
			lg.Warn("replay filter add", zap.Error(err))
		}
	}
	lg.Info("persisted", zap.Int("records", len(d.Records)), zap.Int("rejected", len(d.Rejected)))
	return nil
}
