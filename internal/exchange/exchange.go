package exchange

import (
	"context"
	"time"

	"futures-session-bot-go/internal/models"
)

// Client 定义了会话与实盘经纪模块所需的交易所REST能力。
// 所有调用都经过弹性层（限速、熔断、重试）。
type Client interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int, end time.Time) ([]models.Candle, error)
	GetInstrument(ctx context.Context, symbol string) (*models.InstrumentInfo, error)
	GetPosition(ctx context.Context, symbol string) (*models.PositionData, error)
	GetBalance(ctx context.Context, asset string) (*models.BalanceData, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderData, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderData, error)
	Close() error
}

// OrderRequest 是发往交易所的下单请求。价格与数量已按合约精度格式化。
type OrderRequest struct {
	Symbol        string
	Side          string // BUY / SELL
	Type          string // MARKET / LIMIT / STOP_MARKET / TAKE_PROFIT_MARKET
	Quantity      string
	Price         string // LIMIT 单价格
	StopPrice     string // 条件单触发价
	ReduceOnly    bool
	ClientOrderID string
}

// Stream 是行情流的统一抽象：实盘 WebSocket 与文件回放共用。
// Events 通道在 Close 后关闭。
type Stream interface {
	// Start 建立连接（或打开数据文件）并开始向 Events 投递事件。
	Start(ctx context.Context) error
	// Restart 强制重建数据源，供行情静默守护在软超时后调用。
	Restart(ctx context.Context) error
	Events() <-chan models.StreamEvent
	Close() error
}

// HistoryFetcher 提供启动预热与缺口回补所需的历史K线。
// 回放模式下为 nil，调用方需做判空。
type HistoryFetcher interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int, end time.Time) ([]models.Candle, error)
}
