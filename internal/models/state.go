package models

import "time"

// Lot 记录一笔开仓明细，是 FIFO 仓位核算的最小单位，成交后【不可变】
type Lot struct {
	Quantity float64   `json:"quantity"` // 线性合约为基础资产数量，反向合约为计价货币名义价值
	Price    float64   `json:"price"`    // 开仓价格
	Fee      float64   `json:"fee"`      // 开仓时产生的手续费（计价货币）
	Time     time.Time `json:"time"`     // 开仓时间
}

// Position 代表单个交易对上的持仓。每个交易对同一时刻至多一个持仓；
// 仓位数量恒等于各批次数量之和，开仓均价由批次推导，不单独存储。
type Position struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Lots           []Lot     `json:"lots"` // FIFO 顺序：最早开仓的批次在前
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	TrailingActive bool      `json:"trailing_active"`
	TrailingStop   float64   `json:"trailing_stop"`
	RiskDistance   float64   `json:"risk_distance"` // 开仓时的 |entry - stop|，移动止损的基准
	BarsOpen       int       `json:"bars_open"`     // 持仓经过的收盘K线数
	TradeID        string    `json:"trade_id"`
	OpenedAt       time.Time `json:"opened_at"`
}

// Quantity returns the total open quantity across all lots.
func (p *Position) Quantity() float64 {
	var q float64
	for _, l := range p.Lots {
		q += l.Quantity
	}
	return q
}

// AvgEntry returns the quantity-weighted average entry price.
func (p *Position) AvgEntry() float64 {
	var qty, notional float64
	for _, l := range p.Lots {
		qty += l.Quantity
		notional += l.Quantity * l.Price
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// EffectiveStop returns the trailing stop when active, otherwise the
// initial stop loss.
func (p *Position) EffectiveStop() float64 {
	if p.TrailingActive {
		return p.TrailingStop
	}
	return p.StopLoss
}

// Copy returns a deep copy, safe to hand to other goroutines.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Lots = make([]Lot, len(p.Lots))
	copy(cp.Lots, p.Lots)
	return &cp
}

// BrokerSnapshot 定义了需要持久化的经纪模块状态（按交易对存储）
type BrokerSnapshot struct {
	Symbol            string         `json:"symbol"`
	Side              Side           `json:"side,omitempty"` // 空字符串表示无持仓
	Quantity          float64        `json:"quantity"`
	Lots              []Lot          `json:"lots,omitempty"`
	StopLoss          float64        `json:"stop_loss,omitempty"`
	TakeProfit        float64        `json:"take_profit,omitempty"`
	TrailingActive    bool           `json:"trailing_active,omitempty"`
	TrailingStop      float64        `json:"trailing_stop,omitempty"`
	RiskDistance      float64        `json:"risk_distance,omitempty"`
	BarsOpen          int            `json:"bars_open,omitempty"`
	TradeID           string         `json:"trade_id,omitempty"`
	OpenedAt          time.Time      `json:"opened_at,omitempty"`
	Equity            float64        `json:"equity"`       // 已实现权益（不含浮动盈亏）
	RealizedPnL       float64        `json:"realized_pnl"` // 累计已实现盈亏（净值，含手续费）
	WorkingOrders     []WorkingOrder `json:"working_orders,omitempty"`
	ProcessedOrderIDs []string       `json:"processed_order_ids,omitempty"`
	SavedAt           time.Time      `json:"saved_at"`
}

// SessionState 定义了会话生命周期状态
type SessionState string

const (
	SessionRunning  SessionState = "RUNNING"
	SessionDraining SessionState = "DRAINING"
	SessionStopped  SessionState = "STOPPED"
)

// SessionSnapshot 定义了需要持久化的会话级状态（按交易对存储）
type SessionSnapshot struct {
	SessionID    string       `json:"session_id"`
	Symbol       string       `json:"symbol"`
	State        SessionState `json:"state"`
	StopReason   string       `json:"stop_reason,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	LastCandleAt time.Time    `json:"last_candle_at,omitempty"`
	PeakEquity   float64      `json:"peak_equity"`
	MaxDrawdown  float64      `json:"max_drawdown"`
	ErrorCount   int          `json:"error_count"`
	CandlesSeen  int64        `json:"candles_seen"`
	OrdersSeen   int64        `json:"orders_seen"`
	SavedAt      time.Time    `json:"saved_at"`
}
