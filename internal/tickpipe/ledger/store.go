// Package ledger is the durable trade store and the source of daily
// aggregates.
package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrBatchRejected means the database refused the data itself (bad value,
// constraint). Re-sending the same batch will fail the same way.
var ErrBatchRejected = errors.New("ledger rejected batch")

type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	lg           *zap.Logger
}

// Open connects and pings. Every session runs in cfg.TimeZone so that
// CURRENT_DATE and the stored wall-clock timestamps agree.
func Open(ctx context.Context, cfg Config, lg *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = cfg.MaxConns
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.TimeZone != "" {
		pc.ConnConfig.RuntimeParams["timezone"] = cfg.TimeZone
	}
	if cfg.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(pool, cfg.QueryTimeout, lg), nil
}

func NewStore(pool *pgxpool.Pool, queryTimeout time.Duration, lg *zap.Logger) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Store{pool: pool, queryTimeout: queryTimeout, lg: lg.Named("ledger")}
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema applies the embedded migrations in name order. Each one is
// written to be re-runnable.
func (s *Store) EnsureSchema(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		ddl, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		s.lg.Debug("migration applied", zap.String("file", name))
	}
	return nil
}

const insertTrade = `
	INSERT INTO trades (symbol, price, "timestamp", volume, conditions)
	VALUES ($1, $2, $3, $4, $5)
`

// InsertBatch stores records atomically: all of them or none.
func (s *Store) InsertBatch(ctx context.Context, records []model.TradeRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, r := range records {
		conds := r.Conditions
		if conds == nil {
			conds = []string{}
		}
		if _, err := tx.Exec(ctx, insertTrade, r.Symbol, r.Price, r.Timestamp.UTC(), r.Volume, conds); err != nil {
			return classify(fmt.Errorf("insert trade %d/%d (%s): %w", i+1, len(records), r.Symbol, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit trades: %w", err))
	}
	return nil
}

// CurrentDay is the database's idea of today in the session time zone.
func (s *Store) CurrentDay(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var day time.Time
	if err := s.pool.QueryRow(ctx, `SELECT CURRENT_DATE`).Scan(&day); err != nil {
		return time.Time{}, fmt.Errorf("current date: %w", err)
	}
	return day, nil
}

// Open and close are the first and last trade of the day; ties on the
// timestamp go to the lower and higher id respectively.
const dailyAggregates = `
	WITH day_trades AS (
		SELECT symbol, price, volume, "timestamp",
		       ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY "timestamp" ASC, id ASC)   AS rn_first,
		       ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY "timestamp" DESC, id DESC) AS rn_last
		FROM trades
		WHERE "timestamp" >= $1::date
		  AND "timestamp" <  $1::date + 1
		  AND (cardinality($2::text[]) = 0 OR symbol = ANY($2::text[]))
	)
	SELECT symbol,
	       MAX(price) FILTER (WHERE rn_first = 1) AS open,
	       MAX(price) FILTER (WHERE rn_last = 1)  AS close,
	       MAX(price)                             AS high,
	       MIN(price)                             AS low,
	       SUM(volume)                            AS volume,
	       MAX("timestamp")                       AS ts
	FROM day_trades
	GROUP BY symbol
	ORDER BY symbol
`

// DailyAggregates summarises day for each symbol that traded. An empty
// symbols list means every symbol in the ledger; symbols without trades are
// simply absent from the result.
func (s *Store) DailyAggregates(ctx context.Context, day time.Time, symbols []string) ([]model.DailyAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if symbols == nil {
		symbols = []string{}
	}
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	rows, err := s.pool.Query(ctx, dailyAggregates, d, symbols)
	if err != nil {
		return nil, fmt.Errorf("query daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		var a model.DailyAggregate
		if err := rows.Scan(&a.Symbol, &a.Open, &a.Close, &a.High, &a.Low, &a.Volume, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan daily aggregate: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily aggregates: %w", err)
	}
	return out, nil
}

// classify tags data and integrity errors (SQLSTATE classes 22 and 23) as
// ErrBatchRejected.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return errors.Join(ErrBatchRejected, err)
	}
	return err
}
