package broker

import (
	"math"

	"futures-session-bot-go/internal/models"
)

// This file is the single home of position arithmetic. Both broker
// implementations route every realized and unrealized PnL figure through
// these functions so the paper and live paths cannot drift apart.
//
// Quantity convention: a quantity is always in the contract's native
// denomination — base asset for LINEAR, quote-currency notional for
// INVERSE. Conversion to the other denomination happens only inside the
// formulas below.

// pnlQuote returns the PnL in quote currency for closing qty of a lot
// entered at entry and exited at exit.
//
// LINEAR:  (exit - entry) × qty, negated for SHORT.
// INVERSE: qty is quote notional; base PnL = qty × (1/entry - 1/exit)
// for LONG (mirrored for SHORT), converted to quote at the exit price.
func pnlQuote(ct models.ContractType, side models.Side, entry, exit, qty float64) float64 {
	if ct == models.Inverse {
		return pnlBase(side, entry, exit, qty) * exit
	}
	if side == models.Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

// pnlBase returns the base-asset PnL of an inverse-contract position of
// the given quote notional.
func pnlBase(side models.Side, entry, exit, notional float64) float64 {
	if side == models.Long {
		return notional * (1/entry - 1/exit)
	}
	return notional * (1/exit - 1/entry)
}

// unrealized marks every lot of p to price and sums the quote PnL.
func unrealized(ct models.ContractType, p *models.Position, price float64) float64 {
	if p == nil || price <= 0 {
		return 0
	}
	var total float64
	for _, lot := range p.Lots {
		total += pnlQuote(ct, p.Side, lot.Price, price, lot.Quantity)
	}
	return total
}

// notionalQuote returns the quote-currency notional of qty at price.
func notionalQuote(ct models.ContractType, qty, price float64) float64 {
	if ct == models.Inverse {
		return qty
	}
	return qty * price
}

// qtyToBase converts a native quantity to base-asset units, used to
// compare order sizes against candle volume.
func qtyToBase(ct models.ContractType, qty, price float64) float64 {
	if ct == models.Inverse {
		if price <= 0 {
			return 0
		}
		return qty / price
	}
	return qty
}

// baseToQty converts base-asset units back to the native quantity.
func baseToQty(ct models.ContractType, base, price float64) float64 {
	if ct == models.Inverse {
		return base * price
	}
	return base
}

// consumeLots removes closeQty from the front of the FIFO lot list and
// returns the gross quote PnL realized at exitPrice together with the
// surviving lots and the quantity actually consumed.
func consumeLots(ct models.ContractType, side models.Side, lots []models.Lot, closeQty, exitPrice float64) (gross float64, remaining []models.Lot, consumed float64) {
	remaining = lots
	for closeQty > 0 && len(remaining) > 0 {
		lot := &remaining[0]
		take := math.Min(lot.Quantity, closeQty)
		gross += pnlQuote(ct, side, lot.Price, exitPrice, take)
		consumed += take
		closeQty -= take
		lot.Quantity -= take
		if lot.Quantity <= qtyEpsilon {
			remaining = remaining[1:]
		}
	}
	return gross, remaining, consumed
}

// qtyEpsilon absorbs float residue when comparing quantities.
const qtyEpsilon = 1e-12

// updateTrailing activates and tightens the trailing stop. Activation
// requires per-unit profit above half the initial risk distance; once
// active the stop sits riskDistance × mult behind the price and only
// ever moves in the position's favor. It never loosens past the
// original stop.
func updateTrailing(p *models.Position, price, mult float64) {
	if p == nil || p.RiskDistance <= 0 {
		return
	}
	entry := p.AvgEntry()
	distance := p.RiskDistance * mult

	switch p.Side {
	case models.Long:
		if !p.TrailingActive {
			if price-entry <= p.RiskDistance/2 {
				return
			}
			p.TrailingActive = true
			p.TrailingStop = math.Max(p.StopLoss, price-distance)
			return
		}
		p.TrailingStop = math.Max(p.TrailingStop, price-distance)
	case models.Short:
		if !p.TrailingActive {
			if entry-price <= p.RiskDistance/2 {
				return
			}
			p.TrailingActive = true
			p.TrailingStop = math.Min(p.StopLoss, price+distance)
			return
		}
		p.TrailingStop = math.Min(p.TrailingStop, price+distance)
	}
}

// checkExitCandle evaluates stop, then target, against a closed candle.
// The stop wins when both lie inside the range (the pessimistic read of
// an unknown intra-candle path), and an open that gapped through a
// level fills at the open rather than the level.
func checkExitCandle(p *models.Position, c *models.Candle) (bool, float64, models.ExitReason) {
	if p == nil {
		return false, 0, ""
	}
	stop := p.EffectiveStop()
	stopReason := models.ExitStopLoss
	if p.TrailingActive {
		stopReason = models.ExitTrailing
	}

	switch p.Side {
	case models.Long:
		if stop > 0 && c.Low <= stop {
			price := stop
			if c.Open < stop {
				price = c.Open
			}
			return true, price, stopReason
		}
		if p.TakeProfit > 0 && c.High >= p.TakeProfit {
			price := p.TakeProfit
			if c.Open > p.TakeProfit {
				price = c.Open
			}
			return true, price, models.ExitTakeProfit
		}
	case models.Short:
		if stop > 0 && c.High >= stop {
			price := stop
			if c.Open > stop {
				price = c.Open
			}
			return true, price, stopReason
		}
		if p.TakeProfit > 0 && c.Low <= p.TakeProfit {
			price := p.TakeProfit
			if c.Open < p.TakeProfit {
				price = c.Open
			}
			return true, price, models.ExitTakeProfit
		}
	}
	return false, 0, ""
}

// checkExitTick evaluates stop and target against a quote. Exits that a
// LONG realizes happen at the bid, a SHORT's at the ask; target fills
// are pinned to the target level even when the quote is better.
func checkExitTick(p *models.Position, t *models.Tick) (bool, float64, models.ExitReason) {
	if p == nil {
		return false, 0, ""
	}
	stop := p.EffectiveStop()
	stopReason := models.ExitStopLoss
	if p.TrailingActive {
		stopReason = models.ExitTrailing
	}

	switch p.Side {
	case models.Long:
		if stop > 0 && t.Bid <= stop {
			return true, t.Bid, stopReason
		}
		if p.TakeProfit > 0 && t.Bid >= p.TakeProfit {
			return true, p.TakeProfit, models.ExitTakeProfit
		}
	case models.Short:
		if stop > 0 && t.Ask >= stop {
			return true, t.Ask, stopReason
		}
		if p.TakeProfit > 0 && t.Ask <= p.TakeProfit {
			return true, p.TakeProfit, models.ExitTakeProfit
		}
	}
	return false, 0, ""
}

// liquidationPrice estimates where the exchange would liquidate the
// position, from leverage and the maintenance margin rate.
func liquidationPrice(ct models.ContractType, side models.Side, entry float64, leverage int, mmr float64) float64 {
	if leverage <= 1 || entry <= 0 {
		return 0
	}
	lev := float64(leverage)
	if ct == models.Inverse {
		if side == models.Long {
			return entry / (1 - 1/lev + mmr)
		}
		return entry / (1 + 1/lev - mmr)
	}
	if side == models.Long {
		return entry * (1 - 1/lev + mmr)
	}
	return entry * (1 + 1/lev - mmr)
}

// crossedLiquidation reports whether the candle's range touched the
// liquidation estimate.
func crossedLiquidation(side models.Side, liq float64, c *models.Candle) bool {
	if liq <= 0 {
		return false
	}
	if side == models.Long {
		return c.Low <= liq
	}
	return c.High >= liq
}
