package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "tickpipe"

// Relay message outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeEmpty     = "empty"
	OutcomeNotTrade  = "not_trade"
	OutcomeMalformed = "malformed"
	OutcomeReplayed  = "replayed"
	OutcomeFailed    = "failed"
)

// Metrics holds every collector the pipeline reports. The zero registry case
// (New(nil)) still returns usable collectors, they just aren't exported.
type Metrics struct {
	FeedReceived      prometheus.Counter
	FeedPings         prometheus.Counter
	FeedPublished     prometheus.Counter
	FeedPublishFailed prometheus.Counter
	FeedDisconnects   prometheus.Counter

	RelayMessages *prometheus.CounterVec
	RelayRejected prometheus.Counter
	RelayRecords  prometheus.Counter
	RelayBatchDur prometheus.Histogram

	AggRuns           *prometheus.CounterVec
	AggSymbolFailures prometheus.Counter
	AggDuration       prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "messages_received_total",
			Help: "Messages read from the feed connection.",
		}),
		FeedPings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "pings_total",
			Help: "Keep-alive messages skipped.",
		}),
		FeedPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "published_total",
			Help: "Messages acknowledged by the log.",
		}),
		FeedPublishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "publish_failed_total",
			Help: "Messages given up on after retries.",
		}),
		FeedDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "disconnects_total",
			Help: "Unexpected feed connection closures.",
		}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_total",
			Help: "Log messages handled, by outcome.",
		}, []string{"outcome"}),
		RelayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "ticks_rejected_total",
			Help: "Tick elements rejected during normalization.",
		}),
		RelayRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "records_persisted_total",
			Help: "Trade records committed to the ledger.",
		}),
		RelayBatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "relay", Name: "batch_duration_seconds",
			Help:    "Time spent persisting one log message.",
			Buckets: prometheus.DefBuckets,
		}),
		AggRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "runs_total",
			Help: "Aggregation runs, by result.",
		}, []string{"result"}),
		AggSymbolFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "symbol_failures_total",
			Help: "Per-symbol cache writes that failed.",
		}),
		AggDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "run_duration_seconds",
			Help:    "Wall time of one aggregation run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FeedReceived, m.FeedPings, m.FeedPublished, m.FeedPublishFailed, m.FeedDisconnects,
			m.RelayMessages, m.RelayRejected, m.RelayRecords, m.RelayBatchDur,
			m.AggRuns, m.AggSymbolFailures, m.AggDuration,
		)
	}
	return m
}

// Handler serves g on /metrics and a liveness probe on /healthz.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve exposes Handler(g) on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, lg *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: Handler(g), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	lg.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
