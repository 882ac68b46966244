package models

import (
	"fmt"
	"time"
)

// Side 定义了持仓/订单方向
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType 定义了订单类型
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// ContractType 定义了合约的盈亏计算方式
type ContractType string

const (
	// Linear 线性合约：数量以基础资产计，盈亏 = (卖价-买价) × 数量
	Linear ContractType = "LINEAR"
	// Inverse 反向合约：数量以计价货币名义价值计，盈亏以基础资产结算
	Inverse ContractType = "INVERSE"
)

// ExitReason identifies why a position (or part of one) was closed.
type ExitReason string

const (
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitTrailing    ExitReason = "TRAILING_STOP"
	ExitLiquidation ExitReason = "LIQUIDATION_GUARD"
	ExitTimeStop    ExitReason = "TIME_STOP"
	ExitKillSwitch  ExitReason = "KILL_SWITCH"
	ExitSessionEnd  ExitReason = "SESSION_END"
	ExitExternal    ExitReason = "EXTERNAL"
	ExitFlip        ExitReason = "FLIP"
)

// ProposedOrder is a strategy's request to open (or flip) a position.
// ID is the client idempotency key: submitting the same ID twice must
// produce at most one fill.
type ProposedOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Type           OrderType `json:"type"`
	Quantity       float64   `json:"quantity"`
	LimitPrice     float64   `json:"limit_price,omitempty"` // entry price for LIMIT orders
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	EquityAtSubmit float64   `json:"equity_at_submit"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the order once at the boundary. refPrice is the entry
// reference for MARKET orders (the close of the candle that produced the
// signal); LIMIT orders use their own limit price.
func (o *ProposedOrder) Validate(refPrice float64) error {
	if o.ID == "" {
		return fmt.Errorf("订单缺少客户端ID")
	}
	if o.Symbol == "" {
		return fmt.Errorf("订单缺少交易对")
	}
	if o.Side != Long && o.Side != Short {
		return fmt.Errorf("订单方向非法: %q", o.Side)
	}
	if o.Type != Market && o.Type != Limit {
		return fmt.Errorf("订单类型非法: %q", o.Type)
	}
	if !isFinitePositive(o.Quantity) {
		return fmt.Errorf("订单数量非法: %v", o.Quantity)
	}
	entry := refPrice
	if o.Type == Limit {
		entry = o.LimitPrice
	}
	for _, v := range []float64{entry, o.StopLoss, o.TakeProfit} {
		if !isFinitePositive(v) {
			return fmt.Errorf("订单价格非法: entry=%v stop=%v target=%v", entry, o.StopLoss, o.TakeProfit)
		}
	}
	switch o.Side {
	case Long:
		if !(o.StopLoss < entry && entry < o.TakeProfit) {
			return fmt.Errorf("多单价格关系非法，应满足 stop < entry < target: stop=%v entry=%v target=%v",
				o.StopLoss, entry, o.TakeProfit)
		}
	case Short:
		if !(o.TakeProfit < entry && entry < o.StopLoss) {
			return fmt.Errorf("空单价格关系非法，应满足 target < entry < stop: target=%v entry=%v stop=%v",
				o.TakeProfit, entry, o.StopLoss)
		}
	}
	return nil
}

// EntryRef returns the price the order intends to enter at, given the
// reference price used for MARKET orders.
func (o *ProposedOrder) EntryRef(refPrice float64) float64 {
	if o.Type == Limit {
		return o.LimitPrice
	}
	return refPrice
}

// RiskDistance returns |entry - stop| for position sizing and trailing.
func (o *ProposedOrder) RiskDistance(refPrice float64) float64 {
	d := o.EntryRef(refPrice) - o.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// Fill is an immutable record of an executed (possibly partial) entry.
type Fill struct {
	OrderID  string    `json:"order_id"`
	TradeID  string    `json:"trade_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Fee      float64   `json:"fee"`
	Partial  bool      `json:"partial"`
	Time     time.Time `json:"time"`
}

// Exit is an immutable record of a position reduction or close.
type Exit struct {
	TradeID  string     `json:"trade_id"`
	Symbol   string     `json:"symbol"`
	Side     Side       `json:"side"` // side of the position that was reduced
	Quantity float64    `json:"quantity"`
	Price    float64    `json:"price"`
	Fee      float64    `json:"fee"`
	Reason   ExitReason `json:"reason"`
	PnL      float64    `json:"pnl"` // realized, quote currency, net of this exit's fee
	Time     time.Time  `json:"time"`
}

// WorkingOrder is the resting remainder of a partially filled (or
// liquidity-deferred) limit entry, retried on subsequent candles.
type WorkingOrder struct {
	Order     ProposedOrder `json:"order"`
	Remaining float64       `json:"remaining"`
	PlacedAt  time.Time     `json:"placed_at"`
}
