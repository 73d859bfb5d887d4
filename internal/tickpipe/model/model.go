package model

import (
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Message types seen on the feed and carried unchanged on the log.
const (
	TypeTrade       = "trade"
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

var (
	ErrMalformedTick = errors.New("malformed tick")
	ErrEmptyData     = errors.New("trade data is missing or empty")
	ErrNotTrade      = errors.New("message is not a trade")
)

// Message is the feed envelope. The relay only looks at Type and Data; the
// raw bytes are what travels on the log.
type Message struct {
	Type   string            `json:"type"`
	Symbol string            `json:"s,omitempty"`
	Data   []json.RawMessage `json:"data,omitempty"`
}

// Tick is a single trade as the provider encodes it. Price and volume stay
// JSON numbers on the wire.
type Tick struct {
	Symbol     string      `json:"s"`
	Price      json.Number `json:"p"`
	TimeMs     int64       `json:"t"`
	Volume     json.Number `json:"v"`
	Conditions []string    `json:"c,omitempty"`
}

// Control is the subscribe / unsubscribe request sent to the feed.
type Control struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// TradeRecord is a normalized trade as stored in the ledger.
type TradeRecord struct {
	ID         int64
	Symbol     string
	Price      decimal.Decimal
	Timestamp  time.Time
	Volume     decimal.Decimal
	Conditions []string
}

// MaxSymbolLen matches the width of trades.symbol.
const MaxSymbolLen = 20

// Column bounds of the trades table.
var (
	maxPrice  = decimal.New(1, 8)
	maxVolume = decimal.New(1, 13)
)

// Validate reports whether r can be stored without the database rejecting it.
func (r TradeRecord) Validate() error {
	switch {
	case r.Symbol == "":
		return errors.Join(ErrMalformedTick, errors.New("empty symbol"))
	case utf8.RuneCountInString(r.Symbol) > MaxSymbolLen:
		return errors.Join(ErrMalformedTick, errors.New("symbol too long"))
	case r.Price.IsNegative():
		return errors.Join(ErrMalformedTick, errors.New("negative price"))
	case r.Volume.IsNegative():
		return errors.Join(ErrMalformedTick, errors.New("negative volume"))
	case r.Price.Round(2).Abs().GreaterThanOrEqual(maxPrice):
		return errors.Join(ErrMalformedTick, errors.New("price out of range"))
	case r.Volume.Round(2).Abs().GreaterThanOrEqual(maxVolume):
		return errors.Join(ErrMalformedTick, errors.New("volume out of range"))
	case r.Timestamp.IsZero():
		return errors.Join(ErrMalformedTick, errors.New("missing timestamp"))
	}
	return nil
}
