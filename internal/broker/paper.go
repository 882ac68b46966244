package broker

import (
	"context"
	"math"
	"sync"
	"time"

	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperBroker simulates execution against market data without touching
// the exchange. Market orders fill at the candle close shifted by a
// modeled half-spread; limit orders fill only when the candle's range
// covers the limit price. A liquidity cap (fraction of candle volume)
// can force partial fills, parking the remainder as a working limit
// order retried on later candles.
type PaperBroker struct {
	mu   sync.Mutex
	cfg  models.BrokerConfig
	book *book
	risk *riskManager
	log  *zap.SugaredLogger

	now func() time.Time // injectable for tests
}

// NewPaperBroker builds a paper broker with the configured starting
// equity.
func NewPaperBroker(symbol string, ct models.ContractType, bcfg models.BrokerConfig, rcfg models.RiskConfig, log *zap.SugaredLogger) *PaperBroker {
	return &PaperBroker{
		cfg:  bcfg,
		book: newBook(symbol, ct, bcfg.InitialEquity),
		risk: newRiskManager(rcfg, ct, bcfg.InitialEquity),
		log:  log,
		now:  time.Now,
	}
}

// OnCandle resolves one closed candle: position exits first, then
// resting working orders, then the proposed entry. The liquidity budget
// (MaxVolumeFraction × candle volume, in base units) is shared across
// all entries on the candle.
func (p *PaperBroker) OnCandle(_ context.Context, c *models.Candle, proposed *models.ProposedOrder) ([]models.Fill, []models.Exit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.book
	b.lastPrice = c.Close
	now := p.now()

	var fills []models.Fill
	var exits []models.Exit

	if b.pos != nil {
		if e := p.resolveExits(c, now); e != nil {
			exits = append(exits, *e)
		}
	}
	if b.pos != nil {
		updateTrailing(b.pos, c.Close, p.cfg.TrailingMultiplier)
	}

	budget := p.cfg.MaxVolumeFraction * c.Volume

	// Retry resting limit remainders oldest-first under the shared
	// liquidity budget.
	kept := b.working[:0]
	for _, w := range b.working {
		fill, wExits, filled := p.tryWorkingFill(&w, c, &budget, now)
		if fill != nil {
			fills = append(fills, *fill)
			exits = append(exits, wExits...)
		}
		if !filled {
			kept = append(kept, w)
		}
	}
	b.working = kept

	var submitErr error
	if proposed != nil {
		var pf []models.Fill
		var pe []models.Exit
		pf, pe, submitErr = p.submit(proposed, c, &budget, now)
		fills = append(fills, pf...)
		exits = append(exits, pe...)
	}

	for range fills {
		metrics.IncFill()
	}
	for _, e := range exits {
		metrics.IncExit(string(e.Reason))
	}
	return fills, exits, submitErr
}

// resolveExits runs the per-candle exit ladder on the open position:
// liquidation guard, stop/target (stop wins a shared candle), then the
// optional time stop. Returns nil if the position survives.
func (p *PaperBroker) resolveExits(c *models.Candle, now time.Time) *models.Exit {
	b := p.book
	b.pos.BarsOpen++

	if p.cfg.Leverage > 1 {
		liq := liquidationPrice(b.contract, b.pos.Side, b.pos.AvgEntry(), p.cfg.Leverage, p.cfg.MaintenanceMarginRate)
		if crossedLiquidation(b.pos.Side, liq, c) {
			p.log.Errorf("liquidation guard tripped: %s %s crossed estimated liquidation %.4f (candle %.4f..%.4f)",
				b.symbol, b.pos.Side, liq, c.Low, c.High)
			e := b.closeFull(liq, p.takerFee(b.pos.Quantity(), liq), models.ExitLiquidation, now)
			return &e
		}
	}

	if hit, price, reason := checkExitCandle(b.pos, c); hit {
		e := b.closeFull(price, p.takerFee(b.pos.Quantity(), price), reason, now)
		return &e
	}

	if p.cfg.MaxHoldBars > 0 && b.pos.BarsOpen >= p.cfg.MaxHoldBars {
		e := b.closeFull(c.Close, p.takerFee(b.pos.Quantity(), c.Close), models.ExitTimeStop, now)
		return &e
	}
	return nil
}

// OnTick checks the open position's levels against a quote. Entries
// never fill on ticks; that keeps the strategy's once-per-closed-candle
// contract intact.
func (p *PaperBroker) OnTick(_ context.Context, t *models.Tick) ([]models.Exit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.book
	b.lastPrice = t.Last
	if b.pos == nil {
		return nil, nil
	}
	if hit, price, reason := checkExitTick(b.pos, t); hit {
		e := b.closeFull(price, p.takerFee(b.pos.Quantity(), price), reason, p.now())
		metrics.IncExit(string(e.Reason))
		return []models.Exit{e}, nil
	}
	return nil, nil
}

// PlaceOrder fills a market entry immediately at the last known price
// shifted by the modeled half-spread. No liquidity cap applies outside
// the candle path.
func (p *PaperBroker) PlaceOrder(_ context.Context, o *models.ProposedOrder) (*models.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.book
	if b.processed[o.ID] {
		metrics.IncOrder("duplicate")
		return nil, ErrDuplicateOrder
	}
	if err := p.risk.check(o, b.lastPrice, b.equity); err != nil {
		metrics.IncOrder("rejected")
		return nil, err
	}
	b.processed[o.ID] = true
	p.risk.record()
	metrics.IncOrder("accepted")

	price := p.spreadPrice(o.Side, b.lastPrice)
	fill, _ := b.applyEntryFill(o, o.Quantity, price, p.takerFee(o.Quantity, price), false, p.now())
	metrics.IncFill()
	return &fill, nil
}

// submit handles the candle-path proposal: duplicate and risk gates,
// then a capped fill. A limit price outside the candle range, or a
// liquidity remainder, rests as a working limit order.
func (p *PaperBroker) submit(o *models.ProposedOrder, c *models.Candle, budget *float64, now time.Time) ([]models.Fill, []models.Exit, error) {
	b := p.book
	if b.processed[o.ID] {
		metrics.IncOrder("duplicate")
		return nil, nil, ErrDuplicateOrder
	}
	if err := p.risk.check(o, c.Close, b.equity); err != nil {
		metrics.IncOrder("rejected")
		return nil, nil, err
	}
	b.processed[o.ID] = true
	p.risk.record()
	metrics.IncOrder("accepted")

	var price float64
	var maker bool
	switch o.Type {
	case models.Limit:
		if o.LimitPrice < c.Low || o.LimitPrice > c.High {
			// Not touched this candle; rest and retry.
			b.working = append(b.working, models.WorkingOrder{Order: *o, Remaining: o.Quantity, PlacedAt: now})
			return nil, nil, nil
		}
		price = o.LimitPrice
		maker = true
	default:
		price = p.spreadPrice(o.Side, c.Close)
	}

	fillQty := p.capQty(o.Quantity, price, budget)
	if fillQty <= qtyEpsilon {
		p.restRemainder(o, o.Quantity, c.Close, now)
		return nil, nil, nil
	}

	partial := fillQty < o.Quantity-qtyEpsilon
	fee := p.fee(fillQty, price, maker)
	fill, exits := b.applyEntryFill(o, fillQty, price, fee, partial, now)
	if partial {
		p.restRemainder(o, o.Quantity-fillQty, c.Close, now)
	}
	return []models.Fill{fill}, exits, nil
}

// tryWorkingFill attempts a resting order on the current candle. filled
// reports whether the order is done and should leave the working set.
func (p *PaperBroker) tryWorkingFill(w *models.WorkingOrder, c *models.Candle, budget *float64, now time.Time) (*models.Fill, []models.Exit, bool) {
	price := w.Order.LimitPrice
	if price < c.Low || price > c.High {
		return nil, nil, false
	}

	fillQty := p.capQty(w.Remaining, price, budget)
	if fillQty <= qtyEpsilon {
		return nil, nil, false
	}

	partial := fillQty < w.Remaining-qtyEpsilon
	fee := p.fee(fillQty, price, true)
	fill, exits := p.book.applyEntryFill(&w.Order, fillQty, price, fee, partial, now)
	w.Remaining -= fillQty
	return &fill, exits, w.Remaining <= qtyEpsilon
}

// restRemainder parks the unfilled part of o as a working limit order
// at the original entry reference.
func (p *PaperBroker) restRemainder(o *models.ProposedOrder, remaining, refPrice float64, now time.Time) {
	rest := *o
	rest.Type = models.Limit
	rest.LimitPrice = o.EntryRef(refPrice)
	p.book.working = append(p.book.working, models.WorkingOrder{Order: rest, Remaining: remaining, PlacedAt: now})
	p.log.Infof("order %s rests as working limit: %.8f @ %.4f", o.ID, remaining, rest.LimitPrice)
}

// capQty limits qty (native units) by the remaining base-unit liquidity
// budget, which it decrements.
func (p *PaperBroker) capQty(qty, price float64, budget *float64) float64 {
	base := qtyToBase(p.book.contract, qty, price)
	take := math.Min(base, *budget)
	if take <= 0 {
		return 0
	}
	*budget -= take
	return baseToQty(p.book.contract, take, price)
}

// spreadPrice shifts the reference by half the modeled spread: buyers
// pay up, sellers receive less.
func (p *PaperBroker) spreadPrice(side models.Side, ref float64) float64 {
	half := ref * p.cfg.SpreadRate / 2
	if side == models.Long {
		return ref + half
	}
	return ref - half
}

func (p *PaperBroker) fee(qty, price float64, maker bool) float64 {
	rate := p.cfg.TakerFeeRate
	if maker {
		rate = p.cfg.MakerFeeRate
	}
	return notionalQuote(p.book.contract, qty, price) * rate
}

func (p *PaperBroker) takerFee(qty, price float64) float64 {
	return p.fee(qty, price, false)
}

// CancelWorkingOrders drops every resting order.
func (p *PaperBroker) CancelWorkingOrders(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.book.working)
	p.book.working = nil
	return n, nil
}

// AdoptWorkingOrder parks a drained proposal as a working order so it
// survives the restart instead of being discarded.
func (p *PaperBroker) AdoptWorkingOrder(o models.ProposedOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Type != models.Limit {
		o.Type = models.Limit
		o.LimitPrice = p.book.lastPrice
	}
	p.book.adoptWorking(o, o.Quantity, p.now())
}

// UnrealizedPnL marks the open position to price.
func (p *PaperBroker) UnrealizedPnL(price float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return unrealized(p.book.contract, p.book.pos, price)
}

// Equity is realized equity plus unrealized PnL at price.
func (p *PaperBroker) Equity(price float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.book.equity + unrealized(p.book.contract, p.book.pos, price)
}

// Position returns a deep copy of the open position.
func (p *PaperBroker) Position() *models.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.book.pos.Copy()
}

// WorkingOrders returns a deep copy of the resting orders.
func (p *PaperBroker) WorkingOrders() []models.WorkingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.WorkingOrder, len(p.book.working))
	copy(out, p.book.working)
	return out
}

// CloseAll force-closes the open position at price.
func (p *PaperBroker) CloseAll(_ context.Context, price float64, reason models.ExitReason) ([]models.Exit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.book.pos == nil {
		return nil, nil
	}
	e := p.book.closeFull(price, p.takerFee(p.book.pos.Quantity(), price), reason, p.now())
	metrics.IncExit(string(e.Reason))
	return []models.Exit{e}, nil
}

// Snapshot captures the persistable state.
func (p *PaperBroker) Snapshot() *models.BrokerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.book.snapshot(p.now())
}

// Restore rebuilds state from a snapshot, resuming equity, position,
// working orders and the processed-id set across restarts.
func (p *PaperBroker) Restore(snap *models.BrokerSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.book.restore(snap); err != nil {
		return err
	}
	p.risk.dayStartEquity = snap.Equity
	p.log.Infof("paper broker restored: equity=%.2f realized=%.2f working=%d processed=%d",
		snap.Equity, snap.RealizedPnL, len(snap.WorkingOrders), len(snap.ProcessedOrderIDs))
	return nil
}

// Shutdown logs the terminal account state. Nothing external to release.
func (p *PaperBroker) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Infof("paper broker shutdown: equity=%.2f realized=%.2f", p.book.equity, p.book.realized)
	return nil
}
