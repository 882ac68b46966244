package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"futures-session-bot-go/internal/exchange"
	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"

	"go.uber.org/zap"
)

// LiveBroker routes entries to the exchange and mirrors the venue's
// fills into the same FIFO book the paper broker uses, so both paths
// realize identical PnL for identical prices. Stops and targets are
// placed as reduce-only conditional orders on the venue; the broker
// additionally watches candles locally so an exit is accounted the
// moment its level trades, without waiting for the next poll.
//
// Drift reconciliation runs on a poll interval: a ghost position (local
// flat, venue open) is closed on the venue; an external exit (local
// open, venue flat) snaps local state flat and synthesizes an Exit so
// accounting stays consistent.
type LiveBroker struct {
	mu     sync.Mutex
	cfg    models.BrokerConfig
	book   *book
	risk   *riskManager
	client exchange.Client
	instr  *models.InstrumentInfo
	log    *zap.SugaredLogger

	lastReconcile time.Time
	protStop      float64 // stop level currently resting on the venue
	protTarget    float64
	protTrade     string // trade id whose protective orders rest on the venue

	now func() time.Time
}

// NewLiveBroker fetches the instrument rules and the account balance;
// the quote balance becomes starting equity (config value is the
// fallback when the venue reports nothing).
func NewLiveBroker(ctx context.Context, symbol string, ct models.ContractType, bcfg models.BrokerConfig, rcfg models.RiskConfig, client exchange.Client, quoteAsset string, log *zap.SugaredLogger) (*LiveBroker, error) {
	instr, err := client.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch instrument rules for %s: %w", symbol, err)
	}

	equity := bcfg.InitialEquity
	if bal, err := client.GetBalance(ctx, quoteAsset); err != nil {
		log.Warnf("balance fetch failed, using configured equity %.2f: %v", equity, err)
	} else if v, perr := strconv.ParseFloat(bal.Balance, 64); perr == nil && v > 0 {
		equity = v
	}

	lb := &LiveBroker{
		cfg:    bcfg,
		book:   newBook(symbol, ct, equity),
		risk:   newRiskManager(rcfg, ct, equity),
		client: client,
		instr:  instr,
		log:    log,
		now:    time.Now,
	}
	lb.log.Infof("live broker ready: %s equity=%.2f tick=%s step=%s", symbol, equity, instr.TickSize, instr.StepSize)
	return lb, nil
}

// OnCandle mirrors the paper candle ladder against the live venue:
// local exit detection (the venue conditional is assumed to have fired
// when its level trades), trailing maintenance, periodic reconcile,
// then the proposed entry.
func (l *LiveBroker) OnCandle(ctx context.Context, c *models.Candle, proposed *models.ProposedOrder) ([]models.Fill, []models.Exit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book
	b.lastPrice = c.Close
	now := l.now()

	var fills []models.Fill
	var exits []models.Exit

	if b.pos != nil {
		b.pos.BarsOpen++
		if hit, price, reason := checkExitCandle(b.pos, c); hit {
			e, err := l.settleExit(ctx, price, reason, now)
			if err != nil {
				return nil, nil, err
			}
			exits = append(exits, *e)
		} else if l.cfg.MaxHoldBars > 0 && b.pos.BarsOpen >= l.cfg.MaxHoldBars {
			e, err := l.closeOnVenue(ctx, c.Close, models.ExitTimeStop, now)
			if err != nil {
				return nil, nil, err
			}
			exits = append(exits, *e)
		}
	}

	if b.pos != nil {
		before := b.pos.EffectiveStop()
		updateTrailing(b.pos, c.Close, l.cfg.TrailingMultiplier)
		if b.pos.EffectiveStop() != before {
			if err := l.ensureProtective(ctx); err != nil {
				l.log.Warnf("trailing stop update on venue failed, retrying next candle: %v", err)
			}
		}
	}

	if len(b.working) > 0 {
		wFills, wExits, err := l.syncWorkingOrders(ctx, now)
		if err != nil {
			l.log.Warnf("working order sync failed: %v", err)
		}
		fills = append(fills, wFills...)
		exits = append(exits, wExits...)
	}

	if b.pos != nil || l.needReconcile() {
		recFills, recExits, err := l.reconcile(ctx)
		if err != nil {
			l.log.Warnf("reconcile failed: %v", err)
		}
		fills = append(fills, recFills...)
		exits = append(exits, recExits...)
	}

	var submitErr error
	if proposed != nil {
		var fill *models.Fill
		var pe []models.Exit
		fill, pe, submitErr = l.submit(ctx, proposed, c.Close, now)
		if fill != nil {
			fills = append(fills, *fill)
		}
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

// OnTick accounts a stop/target the moment a quote crosses it.
func (l *LiveBroker) OnTick(ctx context.Context, t *models.Tick) ([]models.Exit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.book.lastPrice = t.Last
	if l.book.pos == nil {
		return nil, nil
	}
	if hit, price, reason := checkExitTick(l.book.pos, t); hit {
		e, err := l.settleExit(ctx, price, reason, l.now())
		if err != nil {
			return nil, err
		}
		metrics.IncExit(string(e.Reason))
		return []models.Exit{*e}, nil
	}
	return nil, nil
}

// PlaceOrder submits a market entry at the venue.
func (l *LiveBroker) PlaceOrder(ctx context.Context, o *models.ProposedOrder) (*models.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fill, _, err := l.submit(ctx, o, l.book.lastPrice, l.now())
	if fill != nil {
		metrics.IncFill()
	}
	return fill, err
}

// submit runs the gates, formats the order to instrument precision and
// places it. The proposal's client id is reused on retries, so the
// venue deduplicates even if a response was lost.
func (l *LiveBroker) submit(ctx context.Context, o *models.ProposedOrder, refPrice float64, now time.Time) (*models.Fill, []models.Exit, error) {
	b := l.book
	if b.processed[o.ID] {
		metrics.IncOrder("duplicate")
		return nil, nil, ErrDuplicateOrder
	}
	if err := l.risk.check(o, refPrice, b.equity); err != nil {
		metrics.IncOrder("rejected")
		return nil, nil, err
	}

	qtyStr, err := exchange.FormatQty(o.Quantity, l.instr.StepSize)
	if err != nil {
		return nil, nil, err
	}
	req := exchange.OrderRequest{
		Symbol:        b.symbol,
		Side:          venueSide(o.Side),
		Type:          string(o.Type),
		Quantity:      qtyStr,
		ClientOrderID: o.ID,
	}
	entry := o.EntryRef(refPrice)
	if o.Type == models.Limit {
		if req.Price, err = exchange.FormatPrice(o.LimitPrice, l.instr.TickSize); err != nil {
			return nil, nil, err
		}
	}
	if ok, err := exchange.MeetsMinNotional(entry, qtyToBase(b.contract, o.Quantity, entry), l.instr.MinNotional); err != nil {
		return nil, nil, err
	} else if !ok {
		metrics.IncOrder("rejected")
		return nil, nil, fmt.Errorf("%w: below venue minimum notional %s", ErrRiskRejected, l.instr.MinNotional)
	}

	od, err := l.client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("place entry order: %w", err)
	}
	b.processed[o.ID] = true
	l.risk.record()
	metrics.IncOrder("accepted")

	executed, _ := strconv.ParseFloat(od.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(od.AvgPrice, 64)
	if executed <= 0 {
		// Resting limit order; track it as working.
		b.working = append(b.working, models.WorkingOrder{Order: *o, Remaining: o.Quantity, PlacedAt: now})
		return nil, nil, nil
	}
	if avg <= 0 {
		avg = entry
	}

	partial := executed < o.Quantity-qtyEpsilon
	fee := notionalQuote(b.contract, executed, avg) * l.cfg.TakerFeeRate
	fill, exits := b.applyEntryFill(o, executed, avg, fee, partial, now)
	if partial {
		b.working = append(b.working, models.WorkingOrder{Order: *o, Remaining: o.Quantity - executed, PlacedAt: now})
	}

	if err := l.ensureProtective(ctx); err != nil {
		l.log.Errorf("protective orders not placed, will retry next candle: %v", err)
	}
	return &fill, exits, nil
}

// syncWorkingOrders polls the venue's open orders and books any
// execution of our resting entries into the local position. An order
// absent from the open set has filled its remainder at its limit price
// or better; a cancel we did not request looks the same here, and the
// next reconcile snaps whatever drift that produces. Caller holds the
// mutex.
func (l *LiveBroker) syncWorkingOrders(ctx context.Context, now time.Time) ([]models.Fill, []models.Exit, error) {
	b := l.book
	if len(b.working) == 0 {
		return nil, nil, nil
	}
	open, err := l.client.GetOpenOrders(ctx, b.symbol)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*models.OrderData, len(open))
	for i := range open {
		byID[open[i].ClientOrderID] = &open[i]
	}

	var fills []models.Fill
	var exits []models.Exit
	var resting []models.WorkingOrder
	for _, w := range b.working {
		od, stillOpen := byID[w.Order.ID]

		filled := 0.0
		price := w.Order.LimitPrice
		if stillOpen {
			executed, _ := strconv.ParseFloat(od.ExecutedQty, 64)
			booked := w.Order.Quantity - w.Remaining
			if executed > booked+qtyEpsilon {
				filled = executed - booked
			}
			if avg, perr := strconv.ParseFloat(od.AvgPrice, 64); perr == nil && avg > 0 {
				price = avg
			}
		} else {
			filled = w.Remaining
		}

		if filled > qtyEpsilon {
			if price <= 0 {
				price = b.lastPrice
			}
			w.Remaining -= filled
			partial := w.Remaining > qtyEpsilon
			fee := notionalQuote(b.contract, filled, price) * l.cfg.MakerFeeRate
			f, fx := b.applyEntryFill(&w.Order, filled, price, fee, partial, now)
			fills = append(fills, f)
			exits = append(exits, fx...)
		}
		if stillOpen && w.Remaining > qtyEpsilon {
			resting = append(resting, w)
		}
	}
	b.working = resting

	if len(fills) > 0 {
		if err := l.ensureProtective(ctx); err != nil {
			l.log.Errorf("protective orders not placed, will retry next candle: %v", err)
		}
	}
	return fills, exits, nil
}

// ensureProtective keeps one reduce-only stop and one reduce-only
// target resting on the venue, matching the local position's levels.
// Client ids derive from the trade id, so replacements are idempotent.
// Protective orders left over from a previous trade (a flip changes the
// trade id) are canceled before the current trade's are armed.
func (l *LiveBroker) ensureProtective(ctx context.Context) error {
	b := l.book
	if l.protTrade != "" && (b.pos == nil || b.pos.TradeID != l.protTrade) {
		_ = l.client.CancelOrder(ctx, b.symbol, l.protTrade+"-sl")
		_ = l.client.CancelOrder(ctx, b.symbol, l.protTrade+"-tp")
		l.protStop, l.protTarget, l.protTrade = 0, 0, ""
	}
	if b.pos == nil {
		return nil
	}
	l.protTrade = b.pos.TradeID
	qtyStr, err := exchange.FormatQty(b.pos.Quantity(), l.instr.StepSize)
	if err != nil {
		return err
	}
	exitSide := venueSide(b.pos.Side.Opposite())

	if stop := b.pos.EffectiveStop(); stop > 0 && stop != l.protStop {
		id := b.pos.TradeID + "-sl"
		if l.protStop > 0 {
			_ = l.client.CancelOrder(ctx, b.symbol, id)
		}
		price, err := exchange.FormatPrice(stop, l.instr.TickSize)
		if err != nil {
			return err
		}
		if _, err := l.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: b.symbol, Side: exitSide, Type: "STOP_MARKET",
			Quantity: qtyStr, StopPrice: price, ReduceOnly: true, ClientOrderID: id,
		}); err != nil {
			return fmt.Errorf("place stop order: %w", err)
		}
		l.protStop = stop
	}

	if tp := b.pos.TakeProfit; tp > 0 && tp != l.protTarget {
		id := b.pos.TradeID + "-tp"
		if l.protTarget > 0 {
			_ = l.client.CancelOrder(ctx, b.symbol, id)
		}
		price, err := exchange.FormatPrice(tp, l.instr.TickSize)
		if err != nil {
			return err
		}
		if _, err := l.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: b.symbol, Side: exitSide, Type: "TAKE_PROFIT_MARKET",
			Quantity: qtyStr, StopPrice: price, ReduceOnly: true, ClientOrderID: id,
		}); err != nil {
			return fmt.Errorf("place target order: %w", err)
		}
		l.protTarget = tp
	}
	return nil
}

// settleExit accounts a level exit (the venue conditional is assumed
// filled at its trigger) and cancels the surviving sibling order.
func (l *LiveBroker) settleExit(ctx context.Context, price float64, reason models.ExitReason, now time.Time) (*models.Exit, error) {
	b := l.book
	fee := notionalQuote(b.contract, b.pos.Quantity(), price) * l.cfg.TakerFeeRate
	tradeID := b.pos.TradeID
	e := b.closeFull(price, fee, reason, now)

	_ = l.client.CancelOrder(ctx, b.symbol, tradeID+"-sl")
	_ = l.client.CancelOrder(ctx, b.symbol, tradeID+"-tp")
	l.protStop, l.protTarget, l.protTrade = 0, 0, ""
	return &e, nil
}

// closeOnVenue submits a reduce-only market order and books the exit at
// the venue's average fill price.
func (l *LiveBroker) closeOnVenue(ctx context.Context, fallbackPrice float64, reason models.ExitReason, now time.Time) (*models.Exit, error) {
	b := l.book
	qtyStr, err := exchange.FormatQty(b.pos.Quantity(), l.instr.StepSize)
	if err != nil {
		return nil, err
	}
	tradeID := b.pos.TradeID
	od, err := l.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: b.symbol, Side: venueSide(b.pos.Side.Opposite()), Type: "MARKET",
		Quantity: qtyStr, ReduceOnly: true,
		ClientOrderID: tradeID + "-x" + strconv.Itoa(b.pos.BarsOpen),
	})
	if err != nil {
		return nil, fmt.Errorf("close position on venue: %w", err)
	}
	price := fallbackPrice
	if avg, perr := strconv.ParseFloat(od.AvgPrice, 64); perr == nil && avg > 0 {
		price = avg
	}

	fee := notionalQuote(b.contract, b.pos.Quantity(), price) * l.cfg.TakerFeeRate
	e := b.closeFull(price, fee, reason, now)
	_ = l.client.CancelOrder(ctx, b.symbol, tradeID+"-sl")
	_ = l.client.CancelOrder(ctx, b.symbol, tradeID+"-tp")
	l.protStop, l.protTarget, l.protTrade = 0, 0, ""
	return &e, nil
}

func (l *LiveBroker) needReconcile() bool {
	return l.now().Sub(l.lastReconcile) >= time.Duration(l.cfg.ReconcileSec)*time.Second
}

// reconcile compares local position quantity against the venue's and
// corrects drift. Caller holds the mutex.
func (l *LiveBroker) reconcile(ctx context.Context) ([]models.Fill, []models.Exit, error) {
	if !l.needReconcile() {
		return nil, nil, nil
	}
	l.lastReconcile = l.now()

	pd, err := l.client.GetPosition(ctx, l.book.symbol)
	if err != nil {
		return nil, nil, err
	}
	venueAmt, _ := strconv.ParseFloat(pd.PositionAmt, 64) // signed: negative is short
	mark, _ := strconv.ParseFloat(pd.MarkPrice, 64)
	if mark <= 0 {
		mark = l.book.lastPrice
	}

	local := 0.0
	if l.book.pos != nil {
		local = l.book.pos.Quantity()
		if l.book.pos.Side == models.Short {
			local = -local
		}
	}

	switch {
	case local == 0 && math.Abs(venueAmt) > l.cfg.QtyTolerance:
		// The venue holds a position we have no local counterpart for.
		// Before judging it a ghost, check whether one of our own
		// resting entries filled between polls: that is a legitimate
		// position to mirror, not one to liquidate.
		if len(l.book.working) > 0 {
			fills, exits, serr := l.syncWorkingOrders(ctx, l.now())
			if serr != nil {
				return nil, nil, serr
			}
			if l.book.pos != nil {
				return fills, exits, nil
			}
		}
		l.log.Errorf("ghost position on venue: %+.8f %s, closing it", venueAmt, l.book.symbol)
		side := "SELL"
		if venueAmt < 0 {
			side = "BUY"
		}
		qtyStr, ferr := exchange.FormatQty(math.Abs(venueAmt), l.instr.StepSize)
		if ferr != nil {
			return nil, nil, ferr
		}
		_, err := l.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: l.book.symbol, Side: side, Type: "MARKET",
			Quantity: qtyStr, ReduceOnly: true,
			ClientOrderID: "ghost-" + exchange.NewNonce(),
		})
		return nil, nil, err

	case local != 0 && math.Abs(venueAmt) <= l.cfg.QtyTolerance:
		// External exit: the venue closed us (manual action, ADL,
		// conditional fill we missed). Snap flat and account it.
		l.log.Warnf("external exit detected: local %+.8f, venue flat; snapping flat at mark %.4f", local, mark)
		fee := notionalQuote(l.book.contract, l.book.pos.Quantity(), mark) * l.cfg.TakerFeeRate
		e := l.book.closeFull(mark, fee, models.ExitExternal, l.now())
		l.protStop, l.protTarget, l.protTrade = 0, 0, ""
		return nil, []models.Exit{e}, nil

	case local != 0 && math.Abs(venueAmt-local) > l.cfg.QtyTolerance:
		// Quantity drift: trust the venue, resize the newest lots.
		l.log.Warnf("position quantity drift: local %+.8f venue %+.8f, snapping to venue", local, venueAmt)
		l.snapQuantity(math.Abs(venueAmt))
	}
	return nil, nil, nil
}

// snapQuantity trims or pads the lot list (newest lots first) so the
// total matches the venue's quantity. No PnL is realized; the missing
// executions were never observed.
func (l *LiveBroker) snapQuantity(target float64) {
	pos := l.book.pos
	diff := pos.Quantity() - target
	for i := len(pos.Lots) - 1; i >= 0 && diff > qtyEpsilon; i-- {
		take := math.Min(pos.Lots[i].Quantity, diff)
		pos.Lots[i].Quantity -= take
		diff -= take
		if pos.Lots[i].Quantity <= qtyEpsilon {
			pos.Lots = pos.Lots[:i]
		}
	}
	if diff < -qtyEpsilon {
		// Venue holds more than we booked; extend the newest lot.
		pos.Lots[len(pos.Lots)-1].Quantity += -diff
	}
	if pos.Quantity() <= qtyEpsilon {
		l.book.pos = nil
	}
}

// CancelWorkingOrders cancels every open order on the venue and clears
// the local working set.
func (l *LiveBroker) CancelWorkingOrders(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.client.CancelAllOrders(ctx, l.book.symbol)
	if err != nil {
		return 0, err
	}
	l.book.working = nil
	l.protStop, l.protTarget, l.protTrade = 0, 0, ""
	return n, nil
}

// AdoptWorkingOrder parks a drained proposal in the working set.
func (l *LiveBroker) AdoptWorkingOrder(o models.ProposedOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.Type != models.Limit {
		o.Type = models.Limit
		o.LimitPrice = l.book.lastPrice
	}
	l.book.adoptWorking(o, o.Quantity, l.now())
}

func (l *LiveBroker) UnrealizedPnL(price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return unrealized(l.book.contract, l.book.pos, price)
}

func (l *LiveBroker) Equity(price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.equity + unrealized(l.book.contract, l.book.pos, price)
}

func (l *LiveBroker) Position() *models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.pos.Copy()
}

func (l *LiveBroker) WorkingOrders() []models.WorkingOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.WorkingOrder, len(l.book.working))
	copy(out, l.book.working)
	return out
}

// CloseAll force-closes the position on the venue.
func (l *LiveBroker) CloseAll(ctx context.Context, price float64, reason models.ExitReason) ([]models.Exit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.book.pos == nil {
		return nil, nil
	}
	e, err := l.closeOnVenue(ctx, price, reason, l.now())
	if err != nil {
		return nil, err
	}
	metrics.IncExit(string(e.Reason))
	return []models.Exit{*e}, nil
}

func (l *LiveBroker) Snapshot() *models.BrokerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.snapshot(l.now())
}

func (l *LiveBroker) Restore(snap *models.BrokerSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.book.restore(snap); err != nil {
		return err
	}
	l.risk.dayStartEquity = snap.Equity
	if l.book.pos != nil {
		l.protStop = l.book.pos.EffectiveStop()
		l.protTarget = l.book.pos.TakeProfit
		l.protTrade = l.book.pos.TradeID
	}
	l.log.Infof("live broker restored: equity=%.2f working=%d processed=%d",
		snap.Equity, len(snap.WorkingOrders), len(snap.ProcessedOrderIDs))
	return nil
}

// Shutdown cancels venue orders, runs a final reconcile and releases
// the client. The session wraps this in a timeout.
func (l *LiveBroker) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.client.CancelAllOrders(ctx, l.book.symbol); err != nil {
		l.log.Warnf("cancel venue orders on shutdown failed: %v", err)
	}
	l.lastReconcile = time.Time{} // force one last poll
	if _, _, err := l.reconcile(ctx); err != nil {
		l.log.Warnf("final reconcile failed: %v", err)
	}
	return l.client.Close()
}

func venueSide(s models.Side) string {
	if s == models.Long {
		return "BUY"
	}
	return "SELL"
}
