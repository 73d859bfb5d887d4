package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CacheTimeLayout is how the aggregate timestamp is written into the cache.
const CacheTimeLayout = "2006-01-02T15:04:05.000Z"

// DailyAggregate is the OHLCV summary of one symbol's trades for one UTC day.
// Timestamp is the latest trade instant that contributed.
type DailyAggregate struct {
	Symbol    string
	Open      decimal.Decimal
	Close     decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// cacheAggregate is the wire form; field order is fixed so equal aggregates
// always encode to the same bytes.
type cacheAggregate struct {
	Open      json.Number `json:"open"`
	Close     json.Number `json:"close"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	Volume    json.Number `json:"volume"`
	Timestamp string      `json:"timestamp"`
}

// MarshalCache encodes a as the JSON document stored under its symbol key. The
// symbol is the key and is not repeated in the document.
func (a DailyAggregate) MarshalCache() ([]byte, error) {
	return json.Marshal(cacheAggregate{
		Open:      json.Number(a.Open.String()),
		Close:     json.Number(a.Close.String()),
		High:      json.Number(a.High.String()),
		Low:       json.Number(a.Low.String()),
		Volume:    json.Number(a.Volume.String()),
		Timestamp: a.Timestamp.UTC().Format(CacheTimeLayout),
	})
}

// UnmarshalCache decodes a document written by MarshalCache under symbol.
func UnmarshalCache(symbol string, b []byte) (DailyAggregate, error) {
	var w cacheAggregate
	if err := json.Unmarshal(b, &w); err != nil {
		return DailyAggregate{}, fmt.Errorf("decode aggregate %s: %w", symbol, err)
	}
	var (
		a   = DailyAggregate{Symbol: symbol}
		err error
	)
	fields := []struct {
		dst *decimal.Decimal
		src json.Number
	}{
		{&a.Open, w.Open},
		{&a.Close, w.Close},
		{&a.High, w.High},
		{&a.Low, w.Low},
		{&a.Volume, w.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src.String()); err != nil {
			return DailyAggregate{}, fmt.Errorf("decode aggregate %s: %w", symbol, err)
		}
	}
	if a.Timestamp, err = time.Parse(CacheTimeLayout, w.Timestamp); err != nil {
		return DailyAggregate{}, fmt.Errorf("decode aggregate %s timestamp: %w", symbol, err)
	}
	return a, nil
}
