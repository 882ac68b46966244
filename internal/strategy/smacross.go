package strategy

import (
	"fmt"
	"math"
	"time"

	"futures-session-bot-go/internal/models"
)

// SMACross is the built-in reference strategy: a fast/slow simple moving
// average crossover. A fast line crossing above the slow line proposes a
// long, crossing below proposes a short. The stop is placed at the
// extreme of the last RangeBars candles and the target at TargetR times
// the stop distance. While a position is open, only the opposite cross
// acts, sized to flip through flat in a single order.
type SMACross struct {
	symbol   string
	contract models.ContractType
	fast     int
	slow     int
	rangeN   int
	riskFrac float64
	targetR  float64
}

// NewSMACross validates the configured periods. Zero values fall back to
// 9/21 with a 14-bar range, 1% risk and a 1.5 R target.
func NewSMACross(cfg models.StrategyConfig, symbol string, contract models.ContractType) (*SMACross, error) {
	s := &SMACross{
		symbol:   symbol,
		contract: contract,
		fast:     cfg.FastPeriod,
		slow:     cfg.SlowPeriod,
		rangeN:   cfg.RangeBars,
		riskFrac: cfg.RiskFrac,
		targetR:  cfg.TargetR,
	}
	if s.fast == 0 {
		s.fast = 9
	}
	if s.slow == 0 {
		s.slow = 21
	}
	if s.rangeN == 0 {
		s.rangeN = 14
	}
	if s.riskFrac == 0 {
		s.riskFrac = 0.01
	}
	if s.targetR == 0 {
		s.targetR = 1.5
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("fast period %d must be shorter than slow period %d", s.fast, s.slow)
	}
	if s.riskFrac < 0 || s.riskFrac > 1 {
		return nil, fmt.Errorf("risk fraction %v out of range", s.riskFrac)
	}
	return s, nil
}

// Warmup requires one candle beyond the slow period so a cross is
// detectable on the first eligible candle.
func (s *SMACross) Warmup() int {
	n := s.slow + 1
	if s.rangeN+1 > n {
		n = s.rangeN + 1
	}
	return n
}

func (s *SMACross) OnCandle(history []models.Candle, pos *models.Position, equity float64) *models.ProposedOrder {
	if len(history) < s.Warmup() || equity <= 0 {
		return nil
	}

	fastNow := sma(history, s.fast, 0)
	slowNow := sma(history, s.slow, 0)
	fastPrev := sma(history, s.fast, 1)
	slowPrev := sma(history, s.slow, 1)

	var side models.Side
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		side = models.Long
	case fastPrev >= slowPrev && fastNow < slowNow:
		side = models.Short
	default:
		return nil
	}
	if pos != nil && pos.Side == side {
		return nil
	}

	entry := history[len(history)-1].Close
	stop, target := s.levels(history, side, entry)
	if stop <= 0 || target <= 0 {
		return nil
	}
	qty := s.size(entry, stop, equity)
	if qty <= 0 {
		return nil
	}
	if pos != nil {
		// Opposite cross while holding: the extra quantity flips the
		// position through flat.
		qty += pos.Quantity()
	}

	return &models.ProposedOrder{
		ID:             newOrderID(),
		Symbol:         s.symbol,
		Side:           side,
		Type:           models.Market,
		Quantity:       qty,
		StopLoss:       stop,
		TakeProfit:     target,
		EquityAtSubmit: equity,
		CreatedAt:      time.Now(),
	}
}

// levels derives the stop from the range extreme of the last rangeN
// candles and the target from the stop distance times targetR.
func (s *SMACross) levels(history []models.Candle, side models.Side, entry float64) (stop, target float64) {
	lo, hi := rangeExtremes(history, s.rangeN)
	if side == models.Long {
		stop = lo
		if stop >= entry {
			return 0, 0
		}
		return stop, entry + (entry-stop)*s.targetR
	}
	stop = hi
	if stop <= entry {
		return 0, 0
	}
	return stop, entry - (stop-entry)*s.targetR
}

// size converts the per-trade risk budget into a quantity in the
// contract's native denomination: base units for linear contracts, quote
// notional for inverse ones. Losing the stop distance then costs close
// to riskFrac of equity.
func (s *SMACross) size(entry, stop, equity float64) float64 {
	riskDist := math.Abs(entry - stop)
	if riskDist <= 0 {
		return 0
	}
	budget := equity * s.riskFrac
	if s.contract == models.Inverse {
		// Quote loss at the stop is notional × dist/entry.
		return budget * entry / riskDist
	}
	return budget / riskDist
}

// sma averages the closes of n candles ending `back` candles from the
// tail. Callers guarantee enough history.
func sma(history []models.Candle, n, back int) float64 {
	end := len(history) - back
	var sum float64
	for _, c := range history[end-n : end] {
		sum += c.Close
	}
	return sum / float64(n)
}

// rangeExtremes returns the lowest low and highest high of the last n
// closed candles, excluding none.
func rangeExtremes(history []models.Candle, n int) (lo, hi float64) {
	window := history[len(history)-n:]
	lo, hi = window[0].Low, window[0].High
	for _, c := range window[1:] {
		if c.Low < lo {
			lo = c.Low
		}
		if c.High > hi {
			hi = c.High
		}
	}
	return lo, hi
}
