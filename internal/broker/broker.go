// Package broker owns the order/position state machine: fill and exit
// resolution, FIFO lot accounting for linear and inverse contracts,
// trailing stops, pre-trade risk limits and crash-safe snapshots. Two
// implementations share the contract: PaperBroker simulates fills from
// candles, LiveBroker routes orders to the exchange and reconciles
// local state against it.
package broker

import (
	"context"
	"errors"

	"futures-session-bot-go/internal/models"
)

// ErrDuplicateOrder marks a client order id that was already handled.
// Submitting the same id twice yields at most one fill.
var ErrDuplicateOrder = errors.New("duplicate client order id")

// ErrRiskRejected marks a pre-trade risk limit violation. It is a local,
// non-fatal outcome: the order never reaches the exchange and nothing is
// retried. The wrapping error names the violated rule.
var ErrRiskRejected = errors.New("order rejected by risk limit")

// Broker is the contract between the session and an execution venue,
// simulated or real. Only one goroutine (the execution dispatcher)
// mutates it; read accessors are safe from any goroutine.
type Broker interface {
	// OnCandle advances the state machine by one closed candle:
	// existing-position exits first, then resting working orders, then
	// the proposed entry (nil for no action). A rejected proposal is
	// reported through err (ErrDuplicateOrder / ErrRiskRejected) while
	// fills and exits produced by the earlier steps are still returned.
	OnCandle(ctx context.Context, c *models.Candle, proposed *models.ProposedOrder) (fills []models.Fill, exits []models.Exit, err error)

	// OnTick checks stop/target/trailing levels against a quote.
	OnTick(ctx context.Context, t *models.Tick) ([]models.Exit, error)

	// PlaceOrder submits a market entry at the last known price,
	// outside the candle path.
	PlaceOrder(ctx context.Context, o *models.ProposedOrder) (*models.Fill, error)

	// CancelWorkingOrders drops all resting orders, returning the count.
	CancelWorkingOrders(ctx context.Context) (int, error)

	// AdoptWorkingOrder moves a still-pending proposal into the
	// working-order set, used by the shutdown queue drain so accepted
	// orders survive a restart instead of being discarded.
	AdoptWorkingOrder(o models.ProposedOrder)

	// UnrealizedPnL marks the open position to price (quote currency).
	UnrealizedPnL(price float64) float64

	// Equity is realized equity plus unrealized PnL at price.
	Equity(price float64) float64

	// Position returns a deep copy of the open position, nil when flat.
	Position() *models.Position

	// WorkingOrders returns a deep copy of the resting orders.
	WorkingOrders() []models.WorkingOrder

	// CloseAll force-closes any open position at price.
	CloseAll(ctx context.Context, price float64, reason models.ExitReason) ([]models.Exit, error)

	// Snapshot captures the persistable state.
	Snapshot() *models.BrokerSnapshot

	// Restore rebuilds state from a persisted snapshot.
	Restore(snap *models.BrokerSnapshot) error

	// Shutdown releases venue resources. Wrapped in a timeout by the
	// session's shutdown sequence.
	Shutdown(ctx context.Context) error
}
