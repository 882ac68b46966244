package broker

import (
	"fmt"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// book is the account state shared by both broker implementations: the
// FIFO position, realized equity, working orders and the processed order
// id set. All PnL flows through position.go so the paper and live paths
// realize identical numbers. The owning broker serializes access.
type book struct {
	symbol   string
	contract models.ContractType

	pos       *models.Position
	equity    float64 // realized equity, quote currency; excludes unrealized PnL
	realized  float64 // cumulative realized PnL net of all fees
	working   []models.WorkingOrder
	processed map[string]bool
	lastPrice float64
}

func newBook(symbol string, ct models.ContractType, initialEquity float64) *book {
	return &book{
		symbol:    symbol,
		contract:  ct,
		equity:    initialEquity,
		processed: make(map[string]bool),
	}
}

// newTradeID returns a base62-encoded uuid, the same alphabet used for
// client order ids on the wire.
func newTradeID() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}

// applyEntryFill books an executed entry of qty at price. Against an
// opposite-side position it consumes lots FIFO first; a remainder beyond
// the open quantity flips the side and opens a new position carrying the
// proposal's stop/target. fee is the total fee for qty and is split
// pro-rata between the reducing and opening parts.
func (b *book) applyEntryFill(o *models.ProposedOrder, qty, price, fee float64, partial bool, now time.Time) (models.Fill, []models.Exit) {
	var exits []models.Exit
	feePerUnit := fee / qty

	if b.pos != nil && b.pos.Side != o.Side {
		closeQty := qty
		open := b.pos.Quantity()
		if closeQty > open {
			closeQty = open
		}
		exitFee := feePerUnit * closeQty
		exits = append(exits, b.reduce(closeQty, price, exitFee, models.ExitFlip, now))
		qty -= closeQty
		fee -= exitFee
	}

	if qty > qtyEpsilon {
		b.openOrAdd(o, qty, price, fee, now)
	}

	tid := b.tradeID()
	if tid == "" && len(exits) > 0 {
		tid = exits[0].TradeID
	}
	fill := models.Fill{
		OrderID:  o.ID,
		TradeID:  tid,
		Symbol:   b.symbol,
		Side:     o.Side,
		Quantity: qty + sumExitQty(exits),
		Price:    price,
		Fee:      feePerUnit * (qty + sumExitQty(exits)),
		Partial:  partial,
		Time:     now,
	}
	return fill, exits
}

// openOrAdd opens a position or appends a lot to a same-side one. The
// entry fee is charged to equity immediately; the lot records it for
// the journal only.
func (b *book) openOrAdd(o *models.ProposedOrder, qty, price, fee float64, now time.Time) {
	b.equity -= fee
	b.realized -= fee

	lot := models.Lot{Quantity: qty, Price: price, Fee: fee, Time: now}
	if b.pos == nil {
		risk := price - o.StopLoss
		if risk < 0 {
			risk = -risk
		}
		b.pos = &models.Position{
			Symbol:       b.symbol,
			Side:         o.Side,
			Lots:         []models.Lot{lot},
			StopLoss:     o.StopLoss,
			TakeProfit:   o.TakeProfit,
			RiskDistance: risk,
			TradeID:      newTradeID(),
			OpenedAt:     now,
		}
		return
	}
	b.pos.Lots = append(b.pos.Lots, lot)
}

// reduce consumes qty from the position's lots FIFO, realizes the PnL at
// price and returns the immutable exit record. The position is cleared
// when the last lot is consumed.
func (b *book) reduce(qty, price, fee float64, reason models.ExitReason, now time.Time) models.Exit {
	gross, remaining, consumed := consumeLots(b.contract, b.pos.Side, b.pos.Lots, qty, price)
	b.pos.Lots = remaining

	net := gross - fee
	b.equity += net
	b.realized += net

	exit := models.Exit{
		TradeID:  b.pos.TradeID,
		Symbol:   b.symbol,
		Side:     b.pos.Side,
		Quantity: consumed,
		Price:    price,
		Fee:      fee,
		Reason:   reason,
		PnL:      net,
		Time:     now,
	}
	if len(b.pos.Lots) == 0 || b.pos.Quantity() <= qtyEpsilon {
		b.pos = nil
	}
	return exit
}

// closeFull exits the entire position at price.
func (b *book) closeFull(price, fee float64, reason models.ExitReason, now time.Time) models.Exit {
	return b.reduce(b.pos.Quantity(), price, fee, reason, now)
}

func (b *book) tradeID() string {
	if b.pos == nil {
		return ""
	}
	return b.pos.TradeID
}

// adoptWorking moves an accepted-but-unfilled proposal into the working
// set. The order id is marked processed so a restart does not double-fill.
func (b *book) adoptWorking(o models.ProposedOrder, remaining float64, now time.Time) {
	b.processed[o.ID] = true
	b.working = append(b.working, models.WorkingOrder{Order: o, Remaining: remaining, PlacedAt: now})
}

// snapshot captures everything a restart needs to resume accounting.
func (b *book) snapshot(now time.Time) *models.BrokerSnapshot {
	snap := &models.BrokerSnapshot{
		Symbol:      b.symbol,
		Equity:      b.equity,
		RealizedPnL: b.realized,
		SavedAt:     now,
	}
	if b.pos != nil {
		p := b.pos.Copy()
		snap.Side = p.Side
		snap.Quantity = p.Quantity()
		snap.Lots = p.Lots
		snap.StopLoss = p.StopLoss
		snap.TakeProfit = p.TakeProfit
		snap.TrailingActive = p.TrailingActive
		snap.TrailingStop = p.TrailingStop
		snap.RiskDistance = p.RiskDistance
		snap.BarsOpen = p.BarsOpen
		snap.TradeID = p.TradeID
		snap.OpenedAt = p.OpenedAt
	}
	snap.WorkingOrders = make([]models.WorkingOrder, len(b.working))
	copy(snap.WorkingOrders, b.working)
	for id := range b.processed {
		snap.ProcessedOrderIDs = append(snap.ProcessedOrderIDs, id)
	}
	return snap
}

// restore rebuilds the book from a snapshot.
func (b *book) restore(snap *models.BrokerSnapshot) error {
	if snap.Symbol != b.symbol {
		return fmt.Errorf("snapshot is for %s, broker trades %s", snap.Symbol, b.symbol)
	}
	b.equity = snap.Equity
	b.realized = snap.RealizedPnL

	b.pos = nil
	if snap.Side != "" && len(snap.Lots) > 0 {
		b.pos = &models.Position{
			Symbol:         snap.Symbol,
			Side:           snap.Side,
			Lots:           append([]models.Lot(nil), snap.Lots...),
			StopLoss:       snap.StopLoss,
			TakeProfit:     snap.TakeProfit,
			TrailingActive: snap.TrailingActive,
			TrailingStop:   snap.TrailingStop,
			RiskDistance:   snap.RiskDistance,
			BarsOpen:       snap.BarsOpen,
			TradeID:        snap.TradeID,
			OpenedAt:       snap.OpenedAt,
		}
	}

	b.working = append([]models.WorkingOrder(nil), snap.WorkingOrders...)
	b.processed = make(map[string]bool, len(snap.ProcessedOrderIDs))
	for _, id := range snap.ProcessedOrderIDs {
		b.processed[id] = true
	}
	return nil
}

func sumExitQty(exits []models.Exit) float64 {
	var q float64
	for _, e := range exits {
		q += e.Quantity
	}
	return q
}
