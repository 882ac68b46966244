package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	// pongWait 是等待对端Pong的最长时间，超时视为连接死亡
	pongWait = 60 * time.Second
	// pingPeriod 必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
	// writeWait 是单次写操作的超时
	writeWait = 10 * time.Second
)

// WSStream 通过WebSocket订阅K线与逐笔行情，实现 Stream 接口。
// 断线后自动重连（指数退避），重连成功后重新鉴权、重新订阅，
// 并投递一条 RECONNECTED 事件供消费方触发缺口回补。
type WSStream struct {
	wsURL     string
	apiKey    string
	secretKey string
	symbol    string
	interval  string
	log       *zap.SugaredLogger

	events chan models.StreamEvent
	stopCh chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	started bool

	closeOnce sync.Once
}

// NewWSStream 创建行情流。apiKey 为空时以免鉴权的公共流方式订阅。
func NewWSStream(wsURL, apiKey, secretKey, symbol, interval string, log *zap.SugaredLogger) *WSStream {
	return &WSStream{
		wsURL:     wsURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		symbol:    symbol,
		interval:  interval,
		log:       log,
		events:    make(chan models.StreamEvent, 1024),
		stopCh:    make(chan struct{}),
	}
}

// Events 返回事件通道，流关闭后该通道随之关闭。
func (s *WSStream) Events() <-chan models.StreamEvent {
	return s.events
}

// Start 建立首个连接并启动读循环。只能调用一次。
func (s *WSStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("行情流已启动")
	}
	s.started = true
	s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("建立行情流失败: %w", err)
	}
	s.setConn(conn)

	go s.run(ctx, conn)
	return nil
}

// Restart 强制断开当前连接，交由读循环按既定退避重建。
// 供行情静默守护在软超时后调用。
func (s *WSStream) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("行情流已关闭")
	}
	if s.conn != nil {
		s.log.Warn("主动断开行情流以触发重建")
		_ = s.conn.Close()
	}
	return nil
}

// Close 关闭行情流，幂等。
func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
	return nil
}

func (s *WSStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *WSStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connect 完成一次完整的 连接→鉴权→订阅 流程。
func (s *WSStream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, err
	}

	if s.apiKey != "" {
		if err := s.authenticate(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("行情流鉴权失败: %w", err)
		}
	}
	if err := s.subscribe(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("订阅行情失败: %w", err)
	}
	return conn, nil
}

// authenticate 发送鉴权请求。签名协议与REST一致，query与body为空串。
func (s *WSStream) authenticate(conn *websocket.Conn) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := NewNonce()
	signature := Sign(nonce, timestamp, s.apiKey, "", "", s.secretKey)

	req := map[string]any{
		"op":   "auth",
		"args": []string{s.apiKey, timestamp, nonce, signature},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(req)
}

// subscribe 订阅K线与逐笔成交两个主题。
func (s *WSStream) subscribe(conn *websocket.Conn) error {
	req := map[string]any{
		"op": "subscribe",
		"args": []string{
			fmt.Sprintf("kline.%s.%s", s.interval, s.symbol),
			fmt.Sprintf("trade.%s", s.symbol),
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(req)
}

// run 驱动读循环与断线重连，是 events 通道的唯一生产者。
func (s *WSStream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.events)

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		err := s.readLoop(conn)
		if s.isClosed() || ctx.Err() != nil {
			return
		}
		s.log.Warnf("行情流断开: %v, 准备重连", err)

		// 重连循环
		for {
			delay := bo.Duration()
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			newConn, err := s.connect(ctx)
			if err != nil {
				if s.isClosed() || ctx.Err() != nil {
					return
				}
				s.log.Warnf("行情流重连失败: %v", err)
				continue
			}
			conn = newConn
			s.setConn(conn)
			bo.Reset()
			metrics.IncReconnect()
			s.log.Info("行情流重连成功")
			s.emit(models.StreamEvent{Type: models.EventReconnected})
			break
		}
	}
}

// readLoop 读取单个连接直到出错。Pong刷新读超时；Ping由独立的
// 发送协程按 pingPeriod 发出。
func (s *WSStream) readLoop(conn *websocket.Conn) error {
	connDone := make(chan struct{})
	defer close(connDone)
	go s.pinger(conn, connDone)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

// pinger 按固定周期发送Ping控制帧，连接结束时退出。
func (s *WSStream) pinger(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// wsFrame 是服务端推送的统一帧结构。
type wsFrame struct {
	Op    string          `json:"op,omitempty"`
	Code  int             `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (s *WSStream) handleMessage(msg []byte) {
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.log.Warnf("无法解析的行情帧: %s", string(msg))
		return
	}

	// 操作应答帧
	if frame.Op != "" {
		if frame.Op == "error" || frame.Code != 0 {
			err := &models.APIError{Code: frame.Code, Msg: frame.Msg}
			s.log.Errorf("行情流服务端错误: %v", err)
			s.emit(models.StreamEvent{Type: models.EventError, Err: err})
		}
		return
	}

	switch {
	case len(frame.Topic) >= 5 && frame.Topic[:5] == "kline":
		s.handleKline(frame.Data)
	case len(frame.Topic) >= 5 && frame.Topic[:5] == "trade":
		s.handleTrade(frame.Data)
	}
}

func (s *WSStream) handleKline(data json.RawMessage) {
	var k models.WSKline
	if err := json.Unmarshal(data, &k); err != nil {
		s.log.Warnf("解析K线负载失败: %v", err)
		return
	}
	candle, err := wsKlineToCandle(k)
	if err != nil {
		s.log.Warnf("丢弃非法K线: %v", err)
		return
	}
	s.emit(models.StreamEvent{Type: models.EventCandle, Candle: &candle})
}

func (s *WSStream) handleTrade(data json.RawMessage) {
	var tr models.WSTrade
	if err := json.Unmarshal(data, &tr); err != nil {
		s.log.Warnf("解析逐笔负载失败: %v", err)
		return
	}
	tick, err := wsTradeToTick(tr)
	if err != nil {
		s.log.Warnf("丢弃非法行情: %v", err)
		return
	}
	s.emit(models.StreamEvent{Type: models.EventTick, Tick: &tick})
}

// emit 投递事件，流停止时放弃。
func (s *WSStream) emit(ev models.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.stopCh:
	}
}

func wsKlineToCandle(k models.WSKline) (models.Candle, error) {
	var c models.Candle
	var err error
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, fmt.Errorf("解析开盘价失败: %w", err)
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, fmt.Errorf("解析最高价失败: %w", err)
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, fmt.Errorf("解析最低价失败: %w", err)
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, fmt.Errorf("解析收盘价失败: %w", err)
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, fmt.Errorf("解析成交量失败: %w", err)
	}
	c.Symbol = k.Symbol
	c.Interval = k.Interval
	c.OpenTime = time.UnixMilli(k.OpenTime)
	c.Closed = k.Closed
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func wsTradeToTick(tr models.WSTrade) (models.Tick, error) {
	var t models.Tick
	var err error
	if t.Bid, err = strconv.ParseFloat(tr.Bid, 64); err != nil {
		return t, fmt.Errorf("解析买价失败: %w", err)
	}
	if t.Ask, err = strconv.ParseFloat(tr.Ask, 64); err != nil {
		return t, fmt.Errorf("解析卖价失败: %w", err)
	}
	if t.Last, err = strconv.ParseFloat(tr.Price, 64); err != nil {
		return t, fmt.Errorf("解析成交价失败: %w", err)
	}
	t.Symbol = tr.Symbol
	t.Time = time.UnixMilli(tr.Time)
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
