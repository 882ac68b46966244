package broker

import (
	"fmt"
	"math"
	"time"

	"futures-session-bot-go/internal/models"
)

// riskManager enforces the pre-trade ceilings. Every check runs before
// any exchange interaction; a violation is a structured rejection, not a
// session error, and is never retried. A limit set to zero is disabled.
type riskManager struct {
	cfg      models.RiskConfig
	contract models.ContractType

	dayStartEquity float64
	orderTimes     []time.Time // accepted entries within the rolling minute
	lastOrderAt    time.Time

	now func() time.Time // injectable for tests
}

func newRiskManager(cfg models.RiskConfig, ct models.ContractType, startEquity float64) *riskManager {
	return &riskManager{
		cfg:            cfg,
		contract:       ct,
		dayStartEquity: startEquity,
		now:            time.Now,
	}
}

// check validates o against every ceiling. refPrice is the entry
// reference (candle close for market orders), equity the current
// realized equity.
func (r *riskManager) check(o *models.ProposedOrder, refPrice, equity float64) error {
	now := r.now()
	entry := o.EntryRef(refPrice)

	if r.cfg.MaxDailyLoss > 0 && r.dayStartEquity-equity >= r.cfg.MaxDailyLoss {
		return fmt.Errorf("%w: daily loss ceiling reached (start=%.2f now=%.2f limit=%.2f)",
			ErrRiskRejected, r.dayStartEquity, equity, r.cfg.MaxDailyLoss)
	}

	if r.cfg.MaxTradeRiskFrac > 0 {
		worst := math.Abs(pnlQuote(r.contract, o.Side, entry, o.StopLoss, o.Quantity))
		if limit := r.cfg.MaxTradeRiskFrac * equity; worst > limit {
			return fmt.Errorf("%w: trade risk %.2f exceeds %.2f (%.1f%% of equity)",
				ErrRiskRejected, worst, limit, r.cfg.MaxTradeRiskFrac*100)
		}
	}

	notional := notionalQuote(r.contract, o.Quantity, entry)
	if r.cfg.MaxPositionNotional > 0 && notional > r.cfg.MaxPositionNotional {
		return fmt.Errorf("%w: notional %.2f exceeds ceiling %.2f",
			ErrRiskRejected, notional, r.cfg.MaxPositionNotional)
	}

	if r.cfg.MaxLeverage > 0 && equity > 0 && notional/equity > r.cfg.MaxLeverage {
		return fmt.Errorf("%w: implied leverage %.2fx exceeds %.2fx",
			ErrRiskRejected, notional/equity, r.cfg.MaxLeverage)
	}

	if r.cfg.MaxOrdersPerMin > 0 {
		r.prune(now)
		if len(r.orderTimes) >= r.cfg.MaxOrdersPerMin {
			return fmt.Errorf("%w: order rate ceiling %d/min reached", ErrRiskRejected, r.cfg.MaxOrdersPerMin)
		}
	}

	if r.cfg.MinOrderIntervalSec > 0 && !r.lastOrderAt.IsZero() {
		minGap := time.Duration(r.cfg.MinOrderIntervalSec) * time.Second
		if since := now.Sub(r.lastOrderAt); since < minGap {
			return fmt.Errorf("%w: %.0fs since last entry, minimum interval %s",
				ErrRiskRejected, since.Seconds(), minGap)
		}
	}

	return nil
}

// record registers an accepted entry for the rate and interval checks.
func (r *riskManager) record() {
	now := r.now()
	r.orderTimes = append(r.orderTimes, now)
	r.lastOrderAt = now
	r.prune(now)
}

func (r *riskManager) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.orderTimes[:0]
	for _, t := range r.orderTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.orderTimes = kept
}
