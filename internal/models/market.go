package models

import (
	"fmt"
	"math"
	"time"
)

// Candle 表示一根K线。Closed 为 true 时表示该K线已收盘，
// 策略只在收盘K线上被调用。
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Closed   bool      `json:"closed"`
}

// Validate 校验K线数据的合法性：价格为有限正数，最高/最低价包住开收盘价。
func (c *Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if !isFinitePositive(v) {
			return fmt.Errorf("K线价格非法: %+v", c)
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("K线成交量非法: %v", c.Volume)
	}
	if c.Low > math.Min(c.Open, c.Close) || c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("K线高低价与开收盘价矛盾: O=%v H=%v L=%v C=%v", c.Open, c.High, c.Low, c.Close)
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("K线缺少开盘时间")
	}
	return nil
}

// Tick 表示一笔逐笔行情（含最优买卖价）。
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Validate 校验逐笔行情：价格为有限正数，买价不高于卖价。
func (t *Tick) Validate() error {
	for _, v := range []float64{t.Bid, t.Ask, t.Last} {
		if !isFinitePositive(v) {
			return fmt.Errorf("行情价格非法: %+v", t)
		}
	}
	if t.Bid > t.Ask {
		return fmt.Errorf("买价高于卖价: bid=%v ask=%v", t.Bid, t.Ask)
	}
	return nil
}

// Mid 返回买卖价中点。
func (t *Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// StreamEventType 区分行情流事件的种类。
type StreamEventType string

const (
	EventCandle      StreamEventType = "CANDLE"
	EventTick        StreamEventType = "TICK"
	EventReconnected StreamEventType = "RECONNECTED"
	EventError       StreamEventType = "ERROR"
)

// StreamEvent is the tagged union delivered by a market data stream.
// Exactly one payload field is set, matching Type; payloads are validated
// once at the stream boundary and trusted downstream.
type StreamEvent struct {
	Type   StreamEventType
	Candle *Candle
	Tick   *Tick
	Err    error
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
