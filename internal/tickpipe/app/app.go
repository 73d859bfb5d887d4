// Package app builds the pipeline's long-running roles from a Config and runs
// any subset of them in one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/aggregate"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/cache"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/config"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup/rocks"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/feed"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/ledger"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/metrics"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/out"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/relay"
)

type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleRelay      Role = "relay"
	RoleAggregator Role = "aggregator"
)

var AllRoles = []Role{RoleSubscriber, RoleRelay, RoleAggregator}

// ParseRoles reads a comma separated role list; "all" or "" means every role.
func ParseRoles(s string) ([]Role, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return AllRoles, nil
	}
	var roles []Role
	seen := map[Role]bool{}
	for _, part := range strings.Split(s, ",") {
		r := Role(strings.TrimSpace(part))
		switch r {
		case RoleSubscriber, RoleRelay, RoleAggregator:
		default:
			return nil, fmt.Errorf("unknown role %q", part)
		}
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles, nil
}

type App struct {
	cfg *config.Config
	lg  *zap.Logger
	reg *prometheus.Registry
	m   *metrics.Metrics

	mu      sync.Mutex
	ledger  *ledger.Store
	cache   *cache.Client
	closers []func()
}

func New(cfg *config.Config, lg *zap.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{cfg: cfg, lg: lg, reg: reg, m: metrics.New(reg)}
}

func (a *App) Metrics() *metrics.Metrics { return a.m }

// Close releases everything the builders opened, last opened first.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.ledger, a.cache = nil, nil
}

func (a *App) onClose(f func()) {
	a.mu.Lock()
	a.closers = append(a.closers, f)
	a.mu.Unlock()
}

// Ledger opens the store once and applies the schema.
func (a *App) Ledger(ctx context.Context) (*ledger.Store, error) {
	a.mu.Lock()
	if a.ledger != nil {
		s := a.ledger
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()

	s, err := ledger.Open(ctx, a.cfg.Ledger, a.lg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	a.mu.Lock()
	a.ledger = s
	a.closers = append(a.closers, s.Close)
	a.mu.Unlock()
	return s, nil
}

func (a *App) Cache(ctx context.Context) (*cache.Client, error) {
	a.mu.Lock()
	if a.cache != nil {
		c := a.cache
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	c, err := cache.Connect(ctx, a.cfg.Cache, a.lg)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.cache = c
	a.closers = append(a.closers, func() { _ = c.Close() })
	a.mu.Unlock()
	return c, nil
}

func (a *App) Subscriber() (*feed.Subscriber, error) {
	sink, err := out.NewKafkaSink(a.cfg.ProducerOptions(), a.lg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = sink.Close() })
	return feed.New(a.cfg.Feed, sink, a.cfg.Publish.Policy(), a.m, a.lg), nil
}

func (a *App) Relay(ctx context.Context) (*relay.Worker, error) {
	store, err := a.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	filter, err := OpenFilter(a.cfg.Relay)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		a.onClose(filter.Close)
	}

	opts := a.cfg.RelayOptions()
	group, err := relay.NewConsumerGroup(opts)
	if err != nil {
		return nil, err
	}
	w := relay.New(opts, group, store, filter, a.m, a.lg)
	a.onClose(func() { _ = w.Close() })
	return w, nil
}

func (a *App) Aggregator(ctx context.Context) (*aggregate.Engine, error) {
	store, err := a.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.Cache(ctx)
	if err != nil {
		return nil, err
	}
	return aggregate.New(a.cfg.Aggregate, a.cfg.Feed.Symbols, store, c, c, a.m, a.lg), nil
}

// OpenFilter returns the replay filter for cfg.DedupMode, or nil when off.
func OpenFilter(cfg config.RelayConfig) (dedup.Filter, error) {
	ttl := int64(cfg.DedupTTL.Seconds())
	switch cfg.DedupMode {
	case dedup.ModeOff, "":
		return nil, nil
	case dedup.ModeMemory:
		return dedup.NewMemFilter(ttl, 1<<16), nil
	case dedup.ModeRocks:
		f, err := rocks.Open(cfg.DedupPath, ttl, 60)
		if err != nil {
			return nil, fmt.Errorf("open replay filter %s: %w", cfg.DedupPath, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown dedup mode %q", cfg.DedupMode)
	}
}

type runner interface {
	Run(ctx context.Context) error
}

// Run builds the given roles and runs them until ctx is done or one of them
// fails. A subscriber that stops at its message cap ends quietly; the other
// roles keep going.
func (a *App) Run(ctx context.Context, roles []Role) error {
	runners := make(map[Role]runner, len(roles))
	for _, r := range roles {
		var (
			rn  runner
			err error
		)
		switch r {
		case RoleSubscriber:
			rn, err = a.Subscriber()
		case RoleRelay:
			rn, err = a.Relay(ctx)
		case RoleAggregator:
			rn, err = a.Aggregator(ctx)
		default:
			err = fmt.Errorf("unknown role %q", r)
		}
		if err != nil {
			return fmt.Errorf("build %s: %w", r, err)
		}
		runners[r] = rn
	}

	return a.runRoles(ctx, runners)
}

// runRoles runs every runner until all have returned or one fails. The
// metrics listener lives only as long as the roles do.
func (a *App) runRoles(ctx context.Context, runners map[Role]runner) error {
	g, gctx := errgroup.WithContext(ctx)
	mctx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if addr := a.cfg.App.MetricsAddr; addr != "" {
		g.Go(func() error {
			err := metrics.Serve(mctx, addr, a.reg, a.lg)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		defer stopMetrics()
		rg, rctx := errgroup.WithContext(gctx)
		for r, rn := range runners {
			rg.Go(func() error {
				err := rn.Run(rctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("%s: %w", r, err)
				}
				a.lg.Info("role stopped", zap.String("role", string(r)))
				return nil
			})
		}
		return rg.Wait()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
