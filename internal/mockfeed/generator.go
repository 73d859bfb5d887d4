package mockfeed

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
	"github.com/chenzhangda16/tickpipe/pkg/rng"
)

var (
	minPrice = decimal.RequireFromString("1.00")
	hundred  = decimal.NewFromInt(100)
)

// conditionCodes is the pool trade condition codes are drawn from.
var conditionCodes = []string{"1", "8", "12", "24", "37"}

// TradeGen produces random-walk trades. The same seed and call sequence give
// the same trades in Deterministic mode.
type TradeGen struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal

	rSym   *rand.Rand
	rPrice *rand.Rand
	rVol   *rand.Rand
	rBatch *rand.Rand

	maxBatch int
}

func NewTradeGen(rf *rng.Factory, maxBatch int) *TradeGen {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &TradeGen{
		prices:   map[string]decimal.Decimal{},
		rSym:     rf.R(rng.SymbolPick),
		rPrice:   rf.R(rng.PriceWalk),
		rVol:     rf.R(rng.VolumePick),
		rBatch:   rf.R(rng.BatchSize),
		maxBatch: maxBatch,
	}
}

// price moves the symbol's last price by up to +/-1% and returns it, rounded
// to cents.
func (g *TradeGen) price(symbol string) decimal.Decimal {
	p, ok := g.prices[symbol]
	if !ok {
		p = decimal.NewFromInt(int64(20 + g.rPrice.Intn(480)))
	}
	bp := g.rPrice.Intn(201) - 100 // basis points, -100..100
	p = p.Add(p.Mul(decimal.NewFromInt(int64(bp))).Div(hundred).Div(hundred)).Round(2)
	if p.LessThan(minPrice) {
		p = minPrice
	}
	g.prices[symbol] = p
	return p
}

func (g *TradeGen) Tick(symbol string, at time.Time) model.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	vol := decimal.NewFromInt(int64(1 + g.rVol.Intn(500)))
	if g.rVol.Intn(4) == 0 {
		vol = vol.Add(decimal.NewFromInt(int64(g.rVol.Intn(100))).Div(hundred))
	}
	var conds []string
	if g.rVol.Intn(3) == 0 {
		conds = []string{conditionCodes[g.rVol.Intn(len(conditionCodes))]}
	}
	return model.Tick{
		Symbol:     symbol,
		Price:      json.Number(g.price(symbol).StringFixed(2)),
		TimeMs:     at.UnixMilli(),
		Volume:     json.Number(vol.String()),
		Conditions: conds,
	}
}

// Batch builds one trade message with 1..maxBatch ticks for symbols picked
// from subscribed. ok is false when nothing is subscribed.
func (g *TradeGen) Batch(subscribed []string, at time.Time) (model.Message, bool) {
	if len(subscribed) == 0 {
		return model.Message{}, false
	}
	g.mu.Lock()
	n := 1 + g.rBatch.Intn(g.maxBatch)
	picks := make([]string, n)
	for i := range picks {
		picks[i] = subscribed[g.rSym.Intn(len(subscribed))]
	}
	g.mu.Unlock()

	msg := model.Message{Type: model.TypeTrade, Data: make([]json.RawMessage, 0, n)}
	for i, sym := range picks {
		b, err := json.Marshal(g.Tick(sym, at.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			continue
		}
		msg.Data = append(msg.Data, b)
	}
	return msg, true
}
