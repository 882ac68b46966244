// Package strategy contains the signal-generation interface consumed by
// the session's market-data task and the built-in reference strategies.
//
// A strategy is pure decision logic: it sees closed candles and the
// current position and may propose at most one order per candle. Sizing,
// risk ceilings and execution all live in the broker; a proposal is a
// request, not a guarantee.
package strategy

import (
	"fmt"
	"strings"

	"futures-session-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// Strategy produces entry proposals from closed candles.
type Strategy interface {
	// OnCandle is called once per closed candle with the full history
	// (oldest first, the new candle last), the current position (nil when
	// flat) and the current account equity. A nil return means no action.
	OnCandle(history []models.Candle, pos *models.Position, equity float64) *models.ProposedOrder

	// Warmup is the number of candles the strategy needs before its
	// first OnCandle call may produce a signal.
	Warmup() int
}

// New selects a strategy by its configured name.
func New(cfg models.StrategyConfig, symbol string, contract models.ContractType) (Strategy, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "sma_cross":
		return NewSMACross(cfg, symbol, contract)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// newOrderID returns a base62-encoded uuid, matching the client order id
// alphabet used on the wire.
func newOrderID() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}
