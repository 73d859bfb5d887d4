package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

func TestNormalizeTickMapsFields(t *testing.T) {
	rec, err := NormalizeTick(json.RawMessage(`{"s":"AAPL","p":189.27,"t":1700000000123,"v":12,"c":["1","12"]}`))
	require.NoError(t, err)

	assert.Equal(t, "AAPL", rec.Symbol)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("189.27")))
	assert.True(t, rec.Volume.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 123000000, time.UTC), rec.Timestamp)
	assert.Equal(t, []string{"1", "12"}, rec.Conditions)
}

func TestNormalizeTickDefaultsConditions(t *testing.T) {
	rec, err := NormalizeTick(json.RawMessage(`{"s":"TSLA","p":"250.5","t":1700000000000,"v":"3"}`))
	require.NoError(t, err)
	assert.NotNil(t, rec.Conditions)
	assert.Empty(t, rec.Conditions)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("250.5")))
}

func TestNormalizeTickNumericConditions(t *testing.T) {
	rec, err := NormalizeTick(json.RawMessage(`{"s":"MSFT","p":1,"t":1700000000000,"v":1,"c":[1,"24"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "24"}, rec.Conditions)
}

func TestNormalizeTickAcceptsExchangePrefixedSymbol(t *testing.T) {
	rec, err := NormalizeTick(json.RawMessage(`{"s":"BINANCE:BTCUSDT","p":64250.5,"t":1700000000000,"v":0.01}`))
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:BTCUSDT", rec.Symbol)
}

func TestNormalizeTickRejects(t *testing.T) {
	cases := map[string]string{
		"not an object":   `[1,2]`,
		"missing symbol":  `{"p":1,"t":1,"v":1}`,
		"empty symbol":    `{"s":"","p":1,"t":1,"v":1}`,
		"missing price":   `{"s":"A","t":1,"v":1}`,
		"null price":      `{"s":"A","p":null,"t":1,"v":1}`,
		"textual price":   `{"s":"A","p":"abc","t":1,"v":1}`,
		"missing volume":  `{"s":"A","p":1,"t":1}`,
		"missing time":    `{"s":"A","p":1,"v":1}`,
		"fractional time": `{"s":"A","p":1,"t":1.5,"v":1}`,
		"negative price":  `{"s":"A","p":-1,"t":1,"v":1}`,
		"bad conditions":  `{"s":"A","p":1,"t":1,"v":1,"c":"x"}`,
		"symbol too long": `{"s":"COINBASE:BTC-USD-PERP","p":1,"t":1,"v":1}`,
	}
	for name, el := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeTick(json.RawMessage(el))
			assert.ErrorIs(t, err, model.ErrMalformedTick)
		})
	}
}

func TestDecodeOutcomes(t *testing.T) {
	t.Run("malformed envelope", func(t *testing.T) {
		d := Decode([]byte(`{not json`))
		assert.Equal(t, OutcomeMalformed, d.Outcome)
		assert.Error(t, d.Err)
	})
	t.Run("missing data", func(t *testing.T) {
		d := Decode([]byte(`{"type":"trade"}`))
		assert.Equal(t, OutcomeEmpty, d.Outcome)
		assert.ErrorIs(t, d.Err, model.ErrEmptyData)
	})
	t.Run("empty data", func(t *testing.T) {
		d := Decode([]byte(`{"type":"trade","data":[]}`))
		assert.Equal(t, OutcomeEmpty, d.Outcome)
	})
	t.Run("ping has no data", func(t *testing.T) {
		d := Decode([]byte(`{"type":"ping"}`))
		assert.Equal(t, OutcomeEmpty, d.Outcome)
	})
	t.Run("not a trade", func(t *testing.T) {
		d := Decode([]byte(`{"type":"news","data":[{"headline":"x"}]}`))
		assert.Equal(t, OutcomeNotTrade, d.Outcome)
		assert.ErrorIs(t, d.Err, model.ErrNotTrade)
		assert.Empty(t, d.Records)
	})
	t.Run("partial batch", func(t *testing.T) {
		d := Decode([]byte(`{"type":"trade","data":[
			{"s":"AAPL","p":100,"t":1700000000000,"v":1},
			{"s":"AAPL","p":"oops","t":1700000000001,"v":1},
			{"s":"AAPL","p":101,"t":1700000000002,"v":2}
		]}`))
		assert.Equal(t, OutcomeTrades, d.Outcome)
		require.Len(t, d.Records, 2)
		require.Len(t, d.Rejected, 1)
		assert.Equal(t, 1, d.Rejected[0].Index)
		assert.True(t, d.Records[1].Price.Equal(decimal.NewFromInt(101)))
	})
}
