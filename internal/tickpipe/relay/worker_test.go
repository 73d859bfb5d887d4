package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/ledger"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]model.TradeRecord
	fail    []error // consumed one per call
}

func (s *fakeStore) InsertBatch(_ context.Context, records []model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fail) > 0 {
		err := s.fail[0]
		s.fail = s.fail[1:]
		if err != nil {
			return err
		}
	}
	s.batches = append(s.batches, append([]model.TradeRecord(nil), records...))
	return nil
}

func (s *fakeStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32                 { return map[string][]int32{"market-data": {0}} }
func (s *fakeSession) MemberID() string                           { return "member-1" }
func (s *fakeSession) GenerationID() int32                        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)    {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)   {}
func (s *fakeSession) Context() context.Context                   { return s.ctx }
func (s *fakeSession) Commit()                                    { s.mu.Lock(); s.commits++; s.mu.Unlock() }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "market-data" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.ch)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "market-data", Partition: 0, Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

func newWorker(store TradeWriter, filter dedup.Filter, opts Options) (*Worker, *metrics.Metrics) {
	m := metrics.New(nil)
	return New(opts, nil, store, filter, m, zap.NewNop()), m
}

const threeTicksOneBad = `{"type":"trade","data":[
	{"s":"AAPL","p":100.5,"t":1700000000000,"v":10},
	{"s":"AAPL","p":"not-a-price","t":1700000000001,"v":1},
	{"s":"TSLA","p":250,"t":1700000000002,"v":3,"c":["1"]}
]}`

func TestConsumeClaimPersistsValidTicksAndCommits(t *testing.T) {
	store := &fakeStore{}
	w, m := newWorker(store, nil, Options{})
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, w.ConsumeClaim(sess, claimOf(threeTicksOneBad)))

	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 2)
	assert.Equal(t, "TSLA", store.batches[0][1].Symbol)
	assert.Equal(t, []int64{0}, sess.marked)
	assert.Equal(t, 1, sess.commits)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayRecords))
}

func TestConsumeClaimDropsButCommitsNonTrades(t *testing.T) {
	store := &fakeStore{}
	w, m := newWorker(store, nil, Options{})
	sess := &fakeSession{ctx: context.Background()}

	err := w.ConsumeClaim(sess, claimOf(
		`{"type":"ping"}`,
		`{"type":"trade","data":[]}`,
		`{"type":"news","data":[{"x":1}]}`,
		`garbage`,
	))
	require.NoError(t, err)

	assert.Zero(t, store.stored())
	assert.Equal(t, []int64{0, 1, 2, 3}, sess.marked)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.OutcomeEmpty)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.OutcomeNotTrade)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.OutcomeMalformed)))
}

func TestPersistFailureLeavesOffsetAndReplays(t *testing.T) {
	store := &fakeStore{fail: []error{errors.New("connection reset")}}
	w, _ := newWorker(store, nil, Options{})

	first := &fakeSession{ctx: context.Background()}
	err := w.ConsumeClaim(first, claimOf(threeTicksOneBad, threeTicksOneBad))
	require.Error(t, err)
	assert.Empty(t, first.marked, "nothing committed after a failed batch")
	assert.Zero(t, first.commits)
	assert.Zero(t, store.stored())

	// the group restarts the session from the last committed offset
	second := &fakeSession{ctx: context.Background()}
	require.NoError(t, w.ConsumeClaim(second, claimOf(threeTicksOneBad, threeTicksOneBad)))
	assert.Equal(t, []int64{0, 1}, second.marked)
	assert.Equal(t, 4, store.stored())
}

func TestRejectedBatchHandling(t *testing.T) {
	rejected := errors.Join(ledger.ErrBatchRejected, errors.New("numeric field overflow"))

	t.Run("dropped when configured", func(t *testing.T) {
		store := &fakeStore{fail: []error{rejected}}
		w, _ := newWorker(store, nil, Options{DropRejected: true})
		sess := &fakeSession{ctx: context.Background()}
		require.NoError(t, w.ConsumeClaim(sess, claimOf(threeTicksOneBad)))
		assert.Equal(t, []int64{0}, sess.marked)
		assert.Zero(t, store.stored())
	})

	t.Run("replayed otherwise", func(t *testing.T) {
		store := &fakeStore{fail: []error{rejected}}
		w, _ := newWorker(store, nil, Options{})
		sess := &fakeSession{ctx: context.Background()}
		assert.Error(t, w.ConsumeClaim(sess, claimOf(threeTicksOneBad)))
		assert.Empty(t, sess.marked)
	})
}

func TestReplayFilterSkipsPersistedPositions(t *testing.T) {
	store := &fakeStore{}
	filter := dedup.NewMemFilter(3600, 8)
	w, m := newWorker(store, filter, Options{})
	w.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	require.NoError(t, w.ConsumeClaim(&fakeSession{ctx: context.Background()}, claimOf(threeTicksOneBad)))
	require.NoError(t, w.ConsumeClaim(&fakeSession{ctx: context.Background()}, claimOf(threeTicksOneBad)))

	assert.Len(t, store.batches, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.OutcomeReplayed)))
}

func TestReplayFilterEvictsDuringLongSession(t *testing.T) {
	filter := dedup.NewMemFilter(10, 8)
	w, _ := newWorker(&fakeStore{}, filter, Options{EvictEvery: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }

	msg := func(off int64) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Topic: "market-data", Offset: off, Value: []byte(threeTicksOneBad)}
	}
	ctx := context.Background()

	require.NoError(t, w.HandleMessage(ctx, msg(0)))
	require.NoError(t, w.HandleMessage(ctx, msg(1)))
	assert.Equal(t, 2, filter.Len())

	// both entries have expired but the interval has not passed
	now = now.Add(30 * time.Second)
	require.NoError(t, w.HandleMessage(ctx, msg(2)))
	assert.Equal(t, 3, filter.Len())

	now = now.Add(45 * time.Second)
	require.NoError(t, w.HandleMessage(ctx, msg(3)))
	assert.Equal(t, 1, filter.Len(), "expired positions dropped without a session end")
}

func TestReplayFilterNotUpdatedOnFailure(t *testing.T) {
	store := &fakeStore{fail: []error{errors.New("down")}}
	filter := dedup.NewMemFilter(3600, 8)
	w, _ := newWorker(store, filter, Options{})

	assert.Error(t, w.ConsumeClaim(&fakeSession{ctx: context.Background()}, claimOf(threeTicksOneBad)))
	require.NoError(t, w.ConsumeClaim(&fakeSession{ctx: context.Background()}, claimOf(threeTicksOneBad)))
	assert.Len(t, store.batches, 1)
}

func TestConsumeClaimStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, _ := newWorker(&fakeStore{}, nil, Options{})
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- w.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not stop")
	}
}

func TestConsumerConfigDisablesAutoCommit(t *testing.T) {
	cfg := ConsumerConfig(Options{ClientID: "relay", Version: sarama.V2_1_0_0, PollTimeout: 100 * time.Millisecond})
	assert.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, 100*time.Millisecond, cfg.Consumer.MaxWaitTime)
	require.NoError(t, cfg.Validate())
}
