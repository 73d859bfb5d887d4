package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/cache"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

var today = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	aggs    []model.DailyAggregate
	err     error
	gotDay  time.Time
	gotSyms []string
	entered chan struct{}
	block   chan struct{}
}

func (s *fakeSource) CurrentDay(context.Context) (time.Time, error) { return today, nil }

func (s *fakeSource) DailyAggregates(_ context.Context, day time.Time, symbols []string) ([]model.DailyAggregate, error) {
	if s.entered != nil {
		close(s.entered)
	}
	if s.block != nil {
		<-s.block
	}
	s.gotDay, s.gotSyms = day, symbols
	return s.aggs, s.err
}

type fakeSink struct {
	mu      sync.Mutex
	docs    map[string][]byte
	fail    map[string]error
	failDel map[string]error
}

func newSink() *fakeSink {
	return &fakeSink{docs: map[string][]byte{}, fail: map[string]error{}, failDel: map[string]error{}}
}

func (s *fakeSink) DeleteAggregate(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDel[symbol]; err != nil {
		return err
	}
	delete(s.docs, symbol)
	return nil
}

func (s *fakeSink) PutAggregate(_ context.Context, agg model.DailyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[agg.Symbol]; err != nil {
		return err
	}
	b, err := agg.MarshalCache()
	if err != nil {
		return err
	}
	s.docs[agg.Symbol] = b
	return nil
}

type fakeLease struct{ released *int }

func (l fakeLease) Release(context.Context) error { *l.released++; return nil }

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) AcquireLock(context.Context, string, time.Duration) (cache.Lease, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return fakeLease{released: &l.released}, true, nil
}

func agg(symbol, open, close, high, low, vol string) model.DailyAggregate {
	return model.DailyAggregate{
		Symbol:    symbol,
		Open:      decimal.RequireFromString(open),
		Close:     decimal.RequireFromString(close),
		High:      decimal.RequireFromString(high),
		Low:       decimal.RequireFromString(low),
		Volume:    decimal.RequireFromString(vol),
		Timestamp: today.Add(11 * time.Hour),
	}
}

func TestRunOncePublishesEverySymbol(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{
		agg("AAPL", "100", "102", "105", "100", "22.5"),
		agg("TSLA", "200", "199", "201", "199", "3"),
	}}
	sink := newSink()
	e := New(Config{}, []string{"AAPL", "TSLA", "NFLX"}, src, sink, nil, nil, zap.NewNop())

	rep, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, 2, rep.Symbols)
	assert.Equal(t, []string{"AAPL", "TSLA"}, rep.Published)
	assert.Equal(t, today, src.gotDay)
	assert.Equal(t, []string{"AAPL", "TSLA", "NFLX"}, src.gotSyms)

	assert.JSONEq(t,
		`{"open":100,"close":102,"high":105,"low":100,"volume":22.5,"timestamp":"2024-03-01T11:00:00.000Z"}`,
		string(sink.docs["AAPL"]))
	_, hasNFLX := sink.docs["NFLX"]
	assert.False(t, hasNFLX, "symbol without trades gets no entry")
}

func TestRunOnceIsIdempotent(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{agg("AAPL", "100", "102", "105", "100", "22.5")}}
	sink := newSink()
	e := New(Config{}, nil, src, sink, nil, nil, zap.NewNop())

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	first := append([]byte(nil), sink.docs["AAPL"]...)

	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, sink.docs["AAPL"])
}

func TestRunOnceClearsSymbolsWithoutTradesToday(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{
		agg("AAPL", "100", "102", "105", "100", "22.5"),
		agg("TSLA", "200", "199", "201", "199", "3"),
	}}
	sink := newSink()
	e := New(Config{}, []string{"AAPL", "TSLA"}, src, sink, nil, nil, zap.NewNop())

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Contains(t, sink.docs, "AAPL")

	// next day, nothing traded yet
	src.aggs = nil
	rep, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Empty(t, rep.Published)
	assert.Equal(t, []string{"AAPL", "TSLA"}, rep.Cleared)
	assert.Empty(t, sink.docs)
}

func TestRunOnceClearsPreviouslyPublishedWhenUnconfigured(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{
		agg("AAPL", "1", "1", "1", "1", "1"),
		agg("MSFT", "2", "2", "2", "2", "2"),
	}}
	sink := newSink()
	e := New(Config{}, nil, src, sink, nil, nil, zap.NewNop())

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	src.aggs = []model.DailyAggregate{agg("MSFT", "3", "3", "3", "3", "3")}
	rep, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, rep.Published)
	assert.Equal(t, []string{"AAPL"}, rep.Cleared)
	assert.NotContains(t, sink.docs, "AAPL")
	assert.Contains(t, sink.docs, "MSFT")
}

func TestRunOnceCountsFailedClear(t *testing.T) {
	src := &fakeSource{}
	sink := newSink()
	sink.failDel["NFLX"] = errors.New("redis timeout")
	m := metrics.New(nil)
	e := New(Config{}, []string{"AAPL", "NFLX"}, src, sink, nil, m, zap.NewNop())

	rep, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Contains(t, rep.Failed, "NFLX")
	assert.Equal(t, []string{"AAPL"}, rep.Cleared)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggSymbolFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggRuns.WithLabelValues("partial")))
}

func TestRunOnceIsolatesSymbolFailures(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{
		agg("AAPL", "1", "1", "1", "1", "1"),
		agg("MSFT", "2", "2", "2", "2", "2"),
		agg("TSLA", "3", "3", "3", "3", "3"),
	}}
	sink := newSink()
	sink.fail["MSFT"] = errors.New("redis timeout")
	m := metrics.New(nil)
	e := New(Config{}, nil, src, sink, nil, m, zap.NewNop())

	rep, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Equal(t, []string{"AAPL", "TSLA"}, rep.Published)
	assert.Contains(t, rep.Failed, "MSFT")
	assert.Contains(t, sink.docs, "TSLA")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggSymbolFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggRuns.WithLabelValues("partial")))
}

func TestRunOnceReportsSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("relation \"trades\" does not exist")}
	e := New(Config{}, nil, src, newSink(), nil, nil, zap.NewNop())

	_, err := e.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnceSkipsWhenLockHeldElsewhere(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{agg("AAPL", "1", "1", "1", "1", "1")}}
	sink := newSink()
	locker := &fakeLocker{held: true}
	e := New(Config{UseLock: true, LockKey: "k", LockTTL: time.Minute}, nil, src, sink, locker, nil, zap.NewNop())

	_, err := e.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, sink.docs)

	locker.held = false
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.released)
	assert.Contains(t, sink.docs, "AAPL")
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	src := &fakeSource{entered: make(chan struct{}), block: make(chan struct{})}
	e := New(Config{}, nil, src, newSink(), nil, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := e.RunOnce(context.Background())
		done <- err
	}()
	<-src.entered

	_, err := e.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(src.block)
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{aggs: []model.DailyAggregate{agg("AAPL", "1", "1", "1", "1", "1")}}
	sink := newSink()
	e := New(Config{Interval: 10 * time.Millisecond}, nil, src, sink, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, sink.docs, "AAPL")
}
