package broker

import (
	"context"
	"testing"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBrokerConfig() models.BrokerConfig {
	return models.BrokerConfig{
		InitialEquity:      10000,
		TakerFeeRate:       0, // most tests want clean numbers
		MakerFeeRate:       0,
		SpreadRate:         0,
		MaxVolumeFraction:  1,
		TrailingMultiplier: 1,
		Leverage:           1,
	}
}

func newTestPaper(t *testing.T, ct models.ContractType, mutate func(*models.BrokerConfig)) *PaperBroker {
	t.Helper()
	cfg := testBrokerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPaperBroker("BTCUSDT", ct, cfg, models.RiskConfig{}, zap.NewNop().Sugar())
}

func candle(openTime time.Time, o, h, l, c, v float64) *models.Candle {
	return &models.Candle{
		Symbol: "BTCUSDT", Interval: "1m", OpenTime: openTime,
		Open: o, High: h, Low: l, Close: c, Volume: v, Closed: true,
	}
}

func longOrder(id string, qty, entry, stop, target float64) *models.ProposedOrder {
	return &models.ProposedOrder{
		ID: id, Symbol: "BTCUSDT", Side: models.Long, Type: models.Market,
		Quantity: qty, StopLoss: stop, TakeProfit: target,
		EquityAtSubmit: 10000, CreatedAt: time.Now(),
	}
}

func shortOrder(id string, qty, entry, stop, target float64) *models.ProposedOrder {
	o := longOrder(id, qty, entry, stop, target)
	o.Side = models.Short
	return o
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMarketFillAtCloseAndLotInvariant(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	fills, exits, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 52000))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Empty(t, exits)
	assert.Equal(t, 50000.0, fills[0].Price)
	assert.Equal(t, 1.0, fills[0].Quantity)
	assert.False(t, fills[0].Partial)

	pos := p.Position()
	require.NotNil(t, pos)
	assert.Equal(t, models.Long, pos.Side)
	assert.InDelta(t, pos.Quantity(), sumLots(pos), 1e-12)
	assert.Equal(t, 50000.0, pos.AvgEntry())
}

func sumLots(p *models.Position) float64 {
	var q float64
	for _, l := range p.Lots {
		q += l.Quantity
	}
	return q
}

func TestLinearUnrealizedPnL(t *testing.T) {
	// LONG entry 50000, qty 1.0 linear; price 52000 -> uPnL 2000.
	p := newTestPaper(t, models.Linear, nil)
	_, _, err := p.OnCandle(context.Background(), candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 60000))
	require.NoError(t, err)

	assert.InDelta(t, 2000.0, p.UnrealizedPnL(52000), 1e-9)
	assert.InDelta(t, 12000.0, p.Equity(52000), 1e-9)
}

func TestInverseUnrealizedPnL(t *testing.T) {
	// LONG 50 USD notional inverse, entry 50000, mark 100000:
	// base PnL = 50 × (1/50000 − 1/100000) = 0.0005, quote = 0.0005 × 100000 = 50.
	p := newTestPaper(t, models.Inverse, nil)
	_, _, err := p.OnCandle(context.Background(), candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 50, 50000, 40000, 200000))
	require.NoError(t, err)

	assert.InDelta(t, 0.0005, pnlBase(models.Long, 50000, 100000, 50), 1e-12)
	assert.InDelta(t, 50.0, p.UnrealizedPnL(100000), 1e-9)
}

func TestFIFORealizedPnLLinear(t *testing.T) {
	// Two lots (1.0 @ 50000, 1.0 @ 51000), reduce 1.5 at 52000 via an
	// opposite order. FIFO: 1.0×(52000−50000) + 0.5×(52000−51000) = 2500.
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 40000, 99000))
	require.NoError(t, err)
	_, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 50900, 51100, 50800, 51000, 1000), longOrder("o2", 1.0, 51000, 40000, 99000))
	require.NoError(t, err)

	fills, exits, err := p.OnCandle(ctx, candle(t0.Add(2*time.Minute), 51900, 52100, 51800, 52000, 1000), shortOrder("o3", 1.5, 52000, 99000, 1000))
	require.NoError(t, err)
	require.Len(t, exits, 1)
	require.Len(t, fills, 1)

	assert.Equal(t, models.ExitFlip, exits[0].Reason)
	assert.InDelta(t, 1.5, exits[0].Quantity, 1e-12)
	assert.InDelta(t, 2500.0, exits[0].PnL, 1e-9)

	// Nothing left to flip: the order quantity was fully consumed.
	pos := p.Position()
	require.NotNil(t, pos)
	assert.Equal(t, models.Long, pos.Side)
	assert.InDelta(t, 0.5, pos.Quantity(), 1e-12)
	assert.InDelta(t, 51000.0, pos.AvgEntry(), 1e-9)
}

func TestFIFORealizedPnLInverse(t *testing.T) {
	// Inverse SHORT: notional 100 USD at 50000, close at 40000.
	// Base PnL = 100 × (1/40000 − 1/50000) = 0.0005; quote = 0.0005 × 40000 = 20.
	p := newTestPaper(t, models.Inverse, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 50100, 50200, 49900, 50000, 10000), shortOrder("s1", 100, 50000, 60000, 10000))
	require.NoError(t, err)

	exits, err := p.CloseAll(ctx, 40000, models.ExitSessionEnd)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.InDelta(t, 20.0, exits[0].PnL, 1e-9)
	assert.Nil(t, p.Position())
}

func TestFlipOpensOppositePosition(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 40000, 99000))
	require.NoError(t, err)

	// SHORT 2.0: 1.0 closes the long, 1.0 opens a short.
	fills, exits, err := p.OnCandle(ctx, candle(t0.Add(time.Minute), 51000, 51200, 50800, 51000, 1000), shortOrder("o2", 2.0, 51000, 60000, 45000))
	require.NoError(t, err)
	require.Len(t, exits, 1)
	require.Len(t, fills, 1)
	assert.Equal(t, models.ExitFlip, exits[0].Reason)
	assert.InDelta(t, 1000.0, exits[0].PnL, 1e-9)
	assert.InDelta(t, 2.0, fills[0].Quantity, 1e-12)

	pos := p.Position()
	require.NotNil(t, pos)
	assert.Equal(t, models.Short, pos.Side)
	assert.InDelta(t, 1.0, pos.Quantity(), 1e-12)
	assert.Equal(t, 60000.0, pos.StopLoss)
	assert.Equal(t, 45000.0, pos.TakeProfit)
}

func TestConservativeRuleStopBeatsTarget(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49500, 50500))
	require.NoError(t, err)

	// The next candle touches both 49500 and 50500: the stop must fire.
	_, exits, err := p.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50600, 49400, 50200, 1000), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitStopLoss, exits[0].Reason)
	assert.Equal(t, 49500.0, exits[0].Price)
	assert.Nil(t, p.Position())
}

func TestGapThroughStopFillsAtOpen(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49500, 52000))
	require.NoError(t, err)

	// Opens at 49000, already through the 49500 stop.
	_, exits, err := p.OnCandle(ctx, candle(t0.Add(time.Minute), 49000, 49200, 48900, 49100, 1000), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, 49000.0, exits[0].Price, "gapped-through stop fills at the open, not the stop level")
}

func TestDuplicateOrderIDSingleFill(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	fills, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("dup", 1.0, 50000, 49000, 52000))
	require.NoError(t, err)
	require.Len(t, fills, 1)

	fills, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50100, 49900, 50050, 1000), longOrder("dup", 1.0, 50050, 49000, 52000))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	assert.Empty(t, fills)
	assert.InDelta(t, 1.0, p.Position().Quantity(), 1e-12)
}

func TestPartialFillLeavesWorkingOrder(t *testing.T) {
	// Volume cap: 10% of a 5-volume candle = 0.5 base units per candle.
	p := newTestPaper(t, models.Linear, func(c *models.BrokerConfig) { c.MaxVolumeFraction = 0.1 })
	ctx := context.Background()

	fills, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 5), longOrder("big", 1.2, 50000, 49000, 52000))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Partial)
	assert.InDelta(t, 0.5, fills[0].Quantity, 1e-9)

	working := p.WorkingOrders()
	require.Len(t, working, 1)
	assert.InDelta(t, 0.7, working[0].Remaining, 1e-9)
	assert.Equal(t, models.Limit, working[0].Order.Type)

	// Next candle covers the limit: another 0.5 fills.
	fills, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50100, 49900, 50050, 5), nil)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.5, fills[0].Quantity, 1e-9)
	require.Len(t, p.WorkingOrders(), 1)
	assert.InDelta(t, 0.2, p.WorkingOrders()[0].Remaining, 1e-9)

	// Third candle finishes it.
	fills, _, err = p.OnCandle(ctx, candle(t0.Add(2*time.Minute), 50000, 50100, 49900, 50000, 5), nil)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.False(t, fills[0].Partial)
	assert.Empty(t, p.WorkingOrders())
	assert.InDelta(t, 1.2, p.Position().Quantity(), 1e-9)
}

func TestLimitOrderFillsOnlyInsideRange(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	o := longOrder("lim", 1.0, 0, 48000, 52000)
	o.Type = models.Limit
	o.LimitPrice = 49000

	// Candle never trades down to 49000: rests.
	fills, _, err := p.OnCandle(ctx, candle(t0, 50000, 50200, 49500, 50000, 1000), o)
	require.NoError(t, err)
	assert.Empty(t, fills)
	require.Len(t, p.WorkingOrders(), 1)

	// Candle covers the level: fills at the limit price.
	fills, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 49800, 49900, 48900, 49200, 1000), nil)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 49000.0, fills[0].Price)
	assert.Empty(t, p.WorkingOrders())
}

func TestTrailingStopActivatesAndTightens(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	// Risk distance 1000 (entry 50000, stop 49000).
	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 60000))
	require.NoError(t, err)
	assert.False(t, p.Position().TrailingActive)

	// +400: below half the risk distance, not yet active.
	_, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 50300, 50450, 50200, 50400, 1000), nil)
	require.NoError(t, err)
	assert.False(t, p.Position().TrailingActive)

	// +600: per-unit profit above 500 activates at 50600−1000 = 49600.
	_, _, err = p.OnCandle(ctx, candle(t0.Add(2*time.Minute), 50500, 50650, 50400, 50600, 1000), nil)
	require.NoError(t, err)
	pos := p.Position()
	require.True(t, pos.TrailingActive)
	assert.InDelta(t, 49600.0, pos.TrailingStop, 1e-9)

	// Price advances: the stop only tightens.
	_, _, err = p.OnCandle(ctx, candle(t0.Add(3*time.Minute), 51000, 51250, 50900, 51200, 1000), nil)
	require.NoError(t, err)
	assert.InDelta(t, 50200.0, p.Position().TrailingStop, 1e-9)

	// Price retreats (without touching the stop): never loosens.
	_, _, err = p.OnCandle(ctx, candle(t0.Add(4*time.Minute), 50900, 50950, 50300, 50800, 1000), nil)
	require.NoError(t, err)
	assert.InDelta(t, 50200.0, p.Position().TrailingStop, 1e-9)

	// Stop touched: exits with the trailing reason.
	_, exits, err := p.OnCandle(ctx, candle(t0.Add(5*time.Minute), 50300, 50350, 50100, 50150, 1000), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitTrailing, exits[0].Reason)
	assert.InDelta(t, 200.0, exits[0].PnL, 1e-9) // 50200 − 50000, fee-free config
}

func TestTimeStopClosesAtMaxHoldBars(t *testing.T) {
	p := newTestPaper(t, models.Linear, func(c *models.BrokerConfig) { c.MaxHoldBars = 2 })
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 45000, 60000))
	require.NoError(t, err)

	_, exits, err := p.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50100, 49900, 50050, 1000), nil)
	require.NoError(t, err)
	assert.Empty(t, exits)

	_, exits, err = p.OnCandle(ctx, candle(t0.Add(2*time.Minute), 50050, 50150, 49950, 50100, 1000), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitTimeStop, exits[0].Reason)
	assert.Equal(t, 50100.0, exits[0].Price)
}

func TestTickExitAtBid(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49500, 52000))
	require.NoError(t, err)

	exits, err := p.OnTick(ctx, &models.Tick{Symbol: "BTCUSDT", Bid: 49400, Ask: 49410, Last: 49405, Time: t0.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitStopLoss, exits[0].Reason)
	assert.Equal(t, 49400.0, exits[0].Price, "long stop exits at the bid")
}

func TestFeesChargedOnEntryAndExit(t *testing.T) {
	p := newTestPaper(t, models.Linear, func(c *models.BrokerConfig) {
		c.TakerFeeRate = 0.001
	})
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 45000, 99000))
	require.NoError(t, err)
	// Entry fee 50 charged immediately.
	assert.InDelta(t, 10000-50, p.Equity(50000), 1e-9)

	exits, err := p.CloseAll(ctx, 51000, models.ExitSessionEnd)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	// Gross 1000 − exit fee 51.
	assert.InDelta(t, 1000-51, exits[0].PnL, 1e-9)
	assert.InDelta(t, 10000-50+1000-51, p.Equity(51000), 1e-9)
}

func TestRiskRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("notional ceiling", func(t *testing.T) {
		p := NewPaperBroker("BTCUSDT", models.Linear, testBrokerConfig(),
			models.RiskConfig{MaxPositionNotional: 10000}, zap.NewNop().Sugar())
		_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 52000))
		assert.ErrorIs(t, err, ErrRiskRejected)
		assert.Nil(t, p.Position())
	})

	t.Run("trade risk ceiling", func(t *testing.T) {
		// Risk 1000/unit × 1.0 = 1000 > 1% of 10000.
		p := NewPaperBroker("BTCUSDT", models.Linear, testBrokerConfig(),
			models.RiskConfig{MaxTradeRiskFrac: 0.01}, zap.NewNop().Sugar())
		_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 52000))
		assert.ErrorIs(t, err, ErrRiskRejected)
	})

	t.Run("min interval throttle", func(t *testing.T) {
		p := NewPaperBroker("BTCUSDT", models.Linear, testBrokerConfig(),
			models.RiskConfig{MinOrderIntervalSec: 300}, zap.NewNop().Sugar())
		_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 0.1, 50000, 49000, 52000))
		require.NoError(t, err)
		p.CloseAll(ctx, 50000, models.ExitSessionEnd)

		_, _, err = p.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50100, 49900, 50000, 1000), longOrder("o2", 0.1, 50000, 49000, 52000))
		assert.ErrorIs(t, err, ErrRiskRejected)
	})

	t.Run("order rate ceiling", func(t *testing.T) {
		p := NewPaperBroker("BTCUSDT", models.Linear, testBrokerConfig(),
			models.RiskConfig{MaxOrdersPerMin: 1}, zap.NewNop().Sugar())
		_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 0.1, 50000, 49000, 52000))
		require.NoError(t, err)
		_, _, err = p.OnCandle(ctx, candle(t0.Add(time.Second), 50000, 50100, 49900, 50000, 1000), longOrder("o2", 0.1, 50000, 49000, 52000))
		assert.ErrorIs(t, err, ErrRiskRejected)
	})
}

func TestLiquidationGuard(t *testing.T) {
	p := newTestPaper(t, models.Linear, func(c *models.BrokerConfig) {
		c.Leverage = 10
		c.MaintenanceMarginRate = 0.005
	})
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 10000, 99000))
	require.NoError(t, err)

	// Estimated liquidation: 50000 × (1 − 0.1 + 0.005) = 45250.
	_, exits, err := p.OnCandle(ctx, candle(t0.Add(time.Minute), 46000, 46100, 45000, 45500, 1000), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitLiquidation, exits[0].Reason)
	assert.InDelta(t, 45250.0, exits[0].Price, 1e-9)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 52000))
	require.NoError(t, err)
	p.AdoptWorkingOrder(*longOrder("pending", 0.5, 50000, 49000, 52000))

	snap := p.Snapshot()
	require.NotNil(t, snap)

	p2 := newTestPaper(t, models.Linear, nil)
	require.NoError(t, p2.Restore(snap))

	pos := p2.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, 1.0, pos.Quantity(), 1e-12)
	assert.Equal(t, 49000.0, pos.StopLoss)
	require.Len(t, p2.WorkingOrders(), 1)

	// Processed ids survive the restart: the original order cannot
	// fill a second time.
	_, _, err = p2.OnCandle(ctx, candle(t0.Add(time.Minute), 50000, 50100, 49900, 50000, 1000), longOrder("o1", 1.0, 50000, 49000, 52000))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestCancelWorkingOrders(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	p.AdoptWorkingOrder(*longOrder("w1", 0.5, 50000, 49000, 52000))
	p.AdoptWorkingOrder(*longOrder("w2", 0.5, 50000, 49000, 52000))

	n, err := p.CancelWorkingOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, p.WorkingOrders())
}

func TestQuantityNeverNegative(t *testing.T) {
	p := newTestPaper(t, models.Linear, nil)
	ctx := context.Background()

	_, _, err := p.OnCandle(ctx, candle(t0, 49900, 50100, 49800, 50000, 1000), longOrder("o1", 1.0, 50000, 45000, 99000))
	require.NoError(t, err)

	// Close exactly; repeated closes must not drive quantity negative.
	_, err = p.CloseAll(ctx, 50500, models.ExitSessionEnd)
	require.NoError(t, err)
	assert.Nil(t, p.Position())
	exits, err := p.CloseAll(ctx, 50500, models.ExitSessionEnd)
	require.NoError(t, err)
	assert.Empty(t, exits)
	assert.GreaterOrEqual(t, p.Equity(50500), 0.0)
}
