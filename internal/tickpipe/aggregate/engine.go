// Package aggregate turns the ledger's trades for the current UTC day into
// one OHLCV document per symbol in the cache.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/cache"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

// ErrRunInProgress is returned when another run holds the in-process guard
// or the shared lock.
var ErrRunInProgress = errors.New("aggregation already running")

type Source interface {
	CurrentDay(ctx context.Context) (time.Time, error)
	DailyAggregates(ctx context.Context, day time.Time, symbols []string) ([]model.DailyAggregate, error)
}

type Sink interface {
	PutAggregate(ctx context.Context, agg model.DailyAggregate) error
	DeleteAggregate(ctx context.Context, symbol string) error
}

// Locker hands out the cross-process lease. *cache.Client implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (cache.Lease, bool, error)
}

type Config struct {
	Interval   time.Duration `env:"INTERVAL" envDefault:"1m"`
	RunTimeout time.Duration `env:"RUN_TIMEOUT" envDefault:"2m"`
	LockKey    string        `env:"LOCK_KEY" envDefault:"tickpipe:aggregate:lock"`
	LockTTL    time.Duration `env:"LOCK_TTL" envDefault:"5m"`
	UseLock    bool          `env:"USE_LOCK" envDefault:"true"`
}

// Report summarises one run.
type Report struct {
	Day       time.Time
	Symbols   int
	Published []string
	// Cleared lists symbols whose entry was removed because they have no
	// trades on Day.
	Cleared   []string
	Failed    map[string]error
	Duration  time.Duration
}

// OK is false when any symbol could not be published.
func (r Report) OK() bool { return len(r.Failed) == 0 }

type Engine struct {
	cfg     Config
	symbols []string
	src     Source
	sink    Sink
	locker  Locker
	m       *metrics.Metrics
	lg      *zap.Logger

	mu     sync.Mutex // held for the duration of a run
	cached map[string]bool
}

// New builds an engine over symbols (empty means every symbol in the ledger).
// locker may be nil to skip the shared lock.
func New(cfg Config, symbols []string, src Source, sink Sink, locker Locker, m *metrics.Metrics, lg *zap.Logger) *Engine {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		cfg:     cfg,
		symbols: append([]string(nil), symbols...),
		src:     src,
		sink:    sink,
		locker:  locker,
		m:       m,
		lg:      lg.Named("aggregate"),
		cached:  map[string]bool{},
	}
}

// RunOnce computes today's aggregates and writes each to the cache. A failed
// symbol is recorded in the report and does not stop the others; only a
// failure to read the ledger is returned as an error.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	if !e.mu.TryLock() {
		e.m.AggRuns.WithLabelValues("skipped").Inc()
		return Report{}, ErrRunInProgress
	}
	defer e.mu.Unlock()

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	if e.locker != nil && e.cfg.UseLock {
		lock, ok, err := e.locker.AcquireLock(ctx, e.cfg.LockKey, e.cfg.LockTTL)
		if err != nil {
			e.m.AggRuns.WithLabelValues("error").Inc()
			return Report{}, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			e.m.AggRuns.WithLabelValues("skipped").Inc()
			return Report{}, ErrRunInProgress
		}
		defer func() {
			// release even if the run context is already gone
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lock.Release(relCtx); err != nil {
				e.lg.Warn("release run lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	rep, err := e.run(ctx)
	rep.Duration = time.Since(start)
	e.m.AggDuration.Observe(rep.Duration.Seconds())

	switch {
	case err != nil:
		e.m.AggRuns.WithLabelValues("error").Inc()
	case rep.OK():
		e.m.AggRuns.WithLabelValues("ok").Inc()
	default:
		e.m.AggRuns.WithLabelValues("partial").Inc()
	}
	return rep, err
}

func (e *Engine) run(ctx context.Context) (Report, error) {
	day, err := e.src.CurrentDay(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Day: day, Failed: map[string]error{}}

	aggs, err := e.src.DailyAggregates(ctx, day, e.symbols)
	if err != nil {
		return rep, err
	}
	rep.Symbols = len(aggs)

	for _, agg := range aggs {
		if err := e.sink.PutAggregate(ctx, agg); err != nil {
			rep.Failed[agg.Symbol] = err
			e.m.AggSymbolFailures.Inc()
			e.lg.Error("publish failed", zap.String("symbol", agg.Symbol), zap.Error(err))
			continue
		}
		rep.Published = append(rep.Published, agg.Symbol)
		e.cached[agg.Symbol] = true
		e.lg.Debug("published",
			zap.String("symbol", agg.Symbol),
			zap.Stringer("open", agg.Open),
			zap.Stringer("close", agg.Close),
			zap.Stringer("volume", agg.Volume),
		)
	}

	e.clearStale(ctx, aggs, &rep)
	return rep, nil
}

// clearStale deletes the entry of every configured or previously published
// symbol that has no aggregate for the day, so a quiet symbol does not keep
// an earlier day's document.
func (e *Engine) clearStale(ctx context.Context, aggs []model.DailyAggregate, rep *Report) {
	have := make(map[string]bool, len(aggs))
	for _, agg := range aggs {
		have[agg.Symbol] = true
	}
	stale := map[string]bool{}
	for _, sym := range e.symbols {
		if !have[sym] {
			stale[sym] = true
		}
	}
	for sym := range e.cached {
		if !have[sym] {
			stale[sym] = true
		}
	}

	syms := make([]string, 0, len(stale))
	for sym := range stale {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		if err := e.sink.DeleteAggregate(ctx, sym); err != nil {
			rep.Failed[sym] = err
			e.m.AggSymbolFailures.Inc()
			e.lg.Error("clear failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		delete(e.cached, sym)
		rep.Cleared = append(rep.Cleared, sym)
	}
}

// Run executes RunOnce now and then every cfg.Interval until ctx is done.
// Ticks that arrive while a run is still going are dropped by the ticker.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	e.lg.Info("start", zap.Duration("interval", interval), zap.Int("symbols", len(e.symbols)))

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		e.runAndLog(ctx)
		select {
		case <-ctx.Done():
			e.lg.Info("exit", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) runAndLog(ctx context.Context) {
	rep, err := e.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		e.lg.Info("skipped, another run holds the lock")
	case err != nil:
		e.lg.Error("run failed", zap.Error(err))
	default:
		e.lg.Info("run complete",
			zap.Time("day", rep.Day),
			zap.Int("symbols", rep.Symbols),
			zap.Int("published", len(rep.Published)),
			zap.Int("cleared", len(rep.Cleared)),
			zap.Int("failed", len(rep.Failed)),
			zap.Duration("took", rep.Duration),
		)
	}
}
