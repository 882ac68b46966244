package strategy

import (
	"testing"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStrategy(t *testing.T, ct models.ContractType) *SMACross {
	t.Helper()
	s, err := NewSMACross(models.StrategyConfig{
		FastPeriod: 2, SlowPeriod: 3, RangeBars: 2, RiskFrac: 0.01, TargetR: 1.5,
	}, "BTCUSDT", ct)
	require.NoError(t, err)
	return s
}

// history builds candles from closes, with highs/lows 5 above/below.
func history(closes ...float64) []models.Candle {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{
			Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c + 5, Low: c - 5, Close: c, Volume: 1000, Closed: true,
		}
	}
	return out
}

func TestCrossUpProposesLong(t *testing.T) {
	s := testStrategy(t, models.Linear)

	// Fast(2) crosses above slow(3) on the last candle.
	o := s.OnCandle(history(100, 90, 80, 120), nil, 10000)
	require.NotNil(t, o)
	assert.Equal(t, models.Long, o.Side)
	assert.Equal(t, models.Market, o.Type)
	assert.NotEmpty(t, o.ID)

	// Stop at the 2-bar range low (80-5), target 1.5R above entry.
	assert.InDelta(t, 75.0, o.StopLoss, 1e-9)
	assert.InDelta(t, 120.0+45.0*1.5, o.TakeProfit, 1e-9)

	// 1% of 10000 equity over a 45-wide stop.
	assert.InDelta(t, 100.0/45.0, o.Quantity, 1e-9)

	require.NoError(t, o.Validate(120))
}

func TestCrossDownProposesShort(t *testing.T) {
	s := testStrategy(t, models.Linear)

	o := s.OnCandle(history(100, 110, 120, 80), nil, 10000)
	require.NotNil(t, o)
	assert.Equal(t, models.Short, o.Side)
	assert.InDelta(t, 125.0, o.StopLoss, 1e-9)
	assert.InDelta(t, 80.0-45.0*1.5, o.TakeProfit, 1e-9)
	require.NoError(t, o.Validate(80))
}

func TestInverseSizingUsesNotional(t *testing.T) {
	s := testStrategy(t, models.Inverse)

	o := s.OnCandle(history(100, 90, 80, 120), nil, 10000)
	require.NotNil(t, o)
	// Quote risk budget 100 over dist/entry = 45/120.
	assert.InDelta(t, 100.0*120.0/45.0, o.Quantity, 1e-9)
}

func TestNoSignalWithoutCross(t *testing.T) {
	s := testStrategy(t, models.Linear)

	assert.Nil(t, s.OnCandle(history(100, 101, 102, 103), nil, 10000), "steady trend, no cross")
	assert.Nil(t, s.OnCandle(history(100, 90, 80), nil, 10000), "below warmup")
	assert.Nil(t, s.OnCandle(history(100, 90, 80, 120), nil, 0), "no equity")
}

func TestSameSidePositionSuppressesSignal(t *testing.T) {
	s := testStrategy(t, models.Linear)
	pos := &models.Position{Symbol: "BTCUSDT", Side: models.Long, Lots: []models.Lot{{Quantity: 1, Price: 100}}}

	assert.Nil(t, s.OnCandle(history(100, 90, 80, 120), pos, 10000))
}

func TestOppositeCrossSizesForFlip(t *testing.T) {
	s := testStrategy(t, models.Linear)
	pos := &models.Position{Symbol: "BTCUSDT", Side: models.Long, Lots: []models.Lot{{Quantity: 2, Price: 100}}}

	o := s.OnCandle(history(100, 110, 120, 80), pos, 10000)
	require.NotNil(t, o)
	assert.Equal(t, models.Short, o.Side)
	// Sized quantity plus the open 2 units to flip through flat.
	assert.InDelta(t, 100.0/45.0+2.0, o.Quantity, 1e-9)
}

func TestWarmupCoversSlowAndRange(t *testing.T) {
	s, err := NewSMACross(models.StrategyConfig{FastPeriod: 3, SlowPeriod: 10, RangeBars: 20}, "BTCUSDT", models.Linear)
	require.NoError(t, err)
	assert.Equal(t, 21, s.Warmup())

	_, err = NewSMACross(models.StrategyConfig{FastPeriod: 21, SlowPeriod: 9}, "BTCUSDT", models.Linear)
	assert.Error(t, err)
}
