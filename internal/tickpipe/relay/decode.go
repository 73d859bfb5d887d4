package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

// Outcome says what the relay should do with one log message.
type Outcome int

const (
	// OutcomeTrades: Records holds the valid ticks (possibly none).
	OutcomeTrades Outcome = iota
	// OutcomeEmpty: no data array or an empty one.
	OutcomeEmpty
	// OutcomeNotTrade: well-formed, but not a trade message.
	OutcomeNotTrade
	// OutcomeMalformed: the envelope itself is not JSON we understand.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrades:
		return "trades"
	case OutcomeEmpty:
		return "empty"
	case OutcomeNotTrade:
		return "not_trade"
	case OutcomeMalformed:
		return "malformed"
	}
	return "unknown"
}

// Rejection is a tick element that failed normalization.
type Rejection struct {
	Index   int
	Element json.RawMessage
	Err     error
}

type Decoded struct {
	Outcome  Outcome
	Type     string
	Records  []model.TradeRecord
	Rejected []Rejection
	Err      error // set for OutcomeEmpty, OutcomeNotTrade and OutcomeMalformed
}

// Decode classifies a log message and normalizes every tick in it. A bad tick
// only costs itself; the rest of the batch still goes through.
func Decode(value []byte) Decoded {
	var msg model.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Decoded{Outcome: OutcomeMalformed, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if len(msg.Data) == 0 {
		return Decoded{Outcome: OutcomeEmpty, Type: msg.Type, Err: model.ErrEmptyData}
	}
	if msg.Type != model.TypeTrade {
		return Decoded{Outcome: OutcomeNotTrade, Type: msg.Type, Err: model.ErrNotTrade}
	}

	d := Decoded{Outcome: OutcomeTrades, Type: msg.Type, Records: make([]model.TradeRecord, 0, len(msg.Data))}
	for i, el := range msg.Data {
		rec, err := NormalizeTick(el)
		if err != nil {
			d.Rejected = append(d.Rejected, Rejection{Index: i, Element: el, Err: err})
			continue
		}
		d.Records = append(d.Records, rec)
	}
	return d
}

type rawTick struct {
	S json.RawMessage `json:"s"`
	P json.RawMessage `json:"p"`
	T json.RawMessage `json:"t"`
	V json.RawMessage `json:"v"`
	C json.RawMessage `json:"c"`
}

// NormalizeTick maps one provider tick to a TradeRecord. Price and volume may
// be JSON numbers or numeric strings; t is epoch milliseconds.
func NormalizeTick(el json.RawMessage) (model.TradeRecord, error) {
	var raw rawTick
	if err := json.Unmarshal(el, &raw); err != nil {
		return model.TradeRecord{}, malformed("tick is not an object: %v", err)
	}

	var (
		rec model.TradeRecord
		err error
	)
	if rec.Symbol, err = parseSymbol(raw.S); err != nil {
		return model.TradeRecord{}, err
	}
	if rec.Price, err = parseDecimal("p", raw.P); err != nil {
		return model.TradeRecord{}, err
	}
	if rec.Volume, err = parseDecimal("v", raw.V); err != nil {
		return model.TradeRecord{}, err
	}
	ms, err := parseMillis(raw.T)
	if err != nil {
		return model.TradeRecord{}, err
	}
	rec.Timestamp = time.UnixMilli(ms).UTC()
	if rec.Conditions, err = parseConditions(raw.C); err != nil {
		return model.TradeRecord{}, err
	}

	if err := rec.Validate(); err != nil {
		return model.TradeRecord{}, err
	}
	return rec, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{model.ErrMalformedTick}, args...)...)
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseSymbol(raw json.RawMessage) (string, error) {
	if absent(raw) {
		return "", malformed("missing s")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", malformed("s must be a non-empty string")
	}
	return s, nil
}

func parseDecimal(field string, raw json.RawMessage) (decimal.Decimal, error) {
	if absent(raw) {
		return decimal.Decimal{}, malformed("missing %s", field)
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Decimal{}, malformed("%s is not numeric: %s", field, raw)
	}
	return d, nil
}

func parseMillis(raw json.RawMessage) (int64, error) {
	if absent(raw) {
		return 0, malformed("missing t")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, malformed("t is not a number: %s", raw)
	}
	if ms, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		if ms <= 0 {
			return 0, malformed("t must be positive")
		}
		return ms, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f <= 0 || f > math.MaxInt64 || f != math.Trunc(f) {
		return 0, malformed("t is not an epoch millisecond value: %s", raw)
	}
	return int64(f), nil
}

// Conditions are usually strings but some venues send bare codes.
func parseConditions(raw json.RawMessage) ([]string, error) {
	if absent(raw) {
		return []string{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("c is not an array")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(it, &n); err == nil {
			out = append(out, n.String())
			continue
		}
		return nil, errors.Join(model.ErrMalformedTick, fmt.Errorf("unsupported condition %s", it))
	}
	return out, nil
}
