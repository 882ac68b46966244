package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了交易会话的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`
	Symbol        string `json:"symbol"`        // 交易对，如 "BTCUSDT"
	Interval      string `json:"interval"`      // K线周期，如 "1m"
	ContractType  string `json:"contract_type"` // 合约类型: LINEAR 或 INVERSE
	DataDir       string `json:"data_dir"`      // 状态目录（快照库、流水库、会话锁）
	MetricsAddr   string `json:"metrics_addr"`  // Prometheus 监听地址，空则不启用

	Session    SessionConfig    `json:"session"`
	Broker     BrokerConfig     `json:"broker"`
	Risk       RiskConfig       `json:"risk"`
	Resilience ResilienceConfig `json:"resilience"`
	Strategy   StrategyConfig   `json:"strategy"`
	LogConfig  LogConfig        `json:"log"` // 日志配置

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// SessionConfig 定义了会话调度相关的配置
type SessionConfig struct {
	DurationMin         int    `json:"duration_min"`          // 会话时长（分钟）
	HeartbeatSec        int    `json:"heartbeat_sec"`         // 心跳与风控检查间隔（秒）
	CheckpointSec       int    `json:"checkpoint_sec"`        // 状态快照间隔（秒）
	QueueSize           int    `json:"queue_size"`            // 执行队列容量
	ErrorBudget         int    `json:"error_budget"`          // 任务异常预算，超出后触发停机
	StaleSoftSec        int    `json:"stale_soft_sec"`        // 行情静默软阈值（秒），触发数据源重启
	StaleHardSec        int    `json:"stale_hard_sec"`        // 行情静默硬阈值（秒），触发停机
	ProviderRestartMax  int    `json:"provider_restart_max"`  // 数据源重启尝试上限
	KillSwitchFile      string `json:"kill_switch_file"`      // 外部停机开关文件路径
	KillSwitchEnv       string `json:"kill_switch_env"`       // 外部停机开关环境变量名
	KillSwitchPollSec   int    `json:"kill_switch_poll_sec"`  // 停机开关轮询间隔（秒）
	WatchdogFile        string `json:"watchdog_file"`         // 看门狗心跳文件路径
	WatchdogLimitSec    int    `json:"watchdog_limit_sec"`    // 看门狗硬超时（秒），超出后强制退出进程
	HistoryWarmup       int    `json:"history_warmup"`        // 启动时预取的K线数量
	BackfillMax         int    `json:"backfill_max"`          // 单次缺口回补的最大K线数量
	BackfillCooldownSec int    `json:"backfill_cooldown_sec"` // 两次回补之间的最小间隔（秒）
	DrainWaitSec        int    `json:"drain_wait_sec"`        // 停机时等待在途成交的时长（秒）
	ShutdownTimeoutSec  int    `json:"shutdown_timeout_sec"`  // 停机序列总超时（秒）
}

// BrokerConfig 定义了经纪模块（纸面撮合与实盘对账）的配置
type BrokerConfig struct {
	InitialEquity         float64 `json:"initial_equity"`          // 初始权益（计价货币）
	TakerFeeRate          float64 `json:"taker_fee_rate"`          // 吃单手续费率
	MakerFeeRate          float64 `json:"maker_fee_rate"`          // 挂单手续费率
	SpreadRate            float64 `json:"spread_rate"`             // 模拟买卖价差比例（纸面市价单）
	MaxVolumeFraction     float64 `json:"max_volume_fraction"`     // 单根K线可成交的最大成交量占比
	TrailingMultiplier    float64 `json:"trailing_multiplier"`     // 移动止损距离 = 初始风险距离 × 该系数
	MaxHoldBars           int     `json:"max_hold_bars"`           // 最大持仓K线数，0 表示不启用
	Leverage              int     `json:"leverage"`                // 杠杆倍数
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"` // 维持保证金率（强平保护用）
	ReconcileSec          int     `json:"reconcile_sec"`           // 实盘本地/交易所仓位对账间隔（秒）
	QtyTolerance          float64 `json:"qty_tolerance"`           // 对账时允许的数量误差
}

// RiskConfig 定义了下单前的本地风控上限
type RiskConfig struct {
	MaxDailyLoss        float64 `json:"max_daily_loss"`         // 当日亏损上限（绝对值，计价货币）
	MaxDrawdown         float64 `json:"max_drawdown"`           // 峰值回撤上限（绝对值），触发后拉闸
	MaxTradeRiskFrac    float64 `json:"max_trade_risk_frac"`    // 单笔风险占权益的最大比例
	MaxPositionNotional float64 `json:"max_position_notional"`  // 持仓名义价值上限
	MaxLeverage         float64 `json:"max_leverage"`           // 名义价值/权益 的上限
	MaxOrdersPerMin     int     `json:"max_orders_per_min"`     // 每分钟下单数上限
	MinOrderIntervalSec int     `json:"min_order_interval_sec"` // 两次开仓之间的最小间隔（秒）
}

// ResilienceConfig 定义了重试、熔断与限速的参数
type ResilienceConfig struct {
	RetryAttempts       int     `json:"retry_attempts"`         // 重试次数上限
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"` // 指数退避初始延迟（毫秒）
	RetryMaxDelayMs     int     `json:"retry_max_delay_ms"`     // 指数退避最大延迟（毫秒）
	RateLimitBackoffMs  int     `json:"rate_limit_backoff_ms"`  // 触发限频错误后的固定退避（毫秒）
	BreakerThreshold    int     `json:"breaker_threshold"`      // 滑动窗口内的失败数阈值
	BreakerWindowSec    int     `json:"breaker_window_sec"`     // 失败统计滑动窗口（秒）
	BreakerCooldownSec  int     `json:"breaker_cooldown_sec"`   // OPEN 状态的恢复等待（秒）
	RatePerSec          float64 `json:"rate_per_sec"`           // 令牌桶速率（次/秒）
	RateBurst           int     `json:"rate_burst"`             // 令牌桶突发容量
}

// StrategyConfig 定义了内置参考策略的参数
type StrategyConfig struct {
	Name       string  `json:"name"`        // 策略名，目前支持 "sma_cross"
	FastPeriod int     `json:"fast_period"` // 快线周期
	SlowPeriod int     `json:"slow_period"` // 慢线周期
	RangeBars  int     `json:"range_bars"`  // 止损/止盈参考的区间K线数
	RiskFrac   float64 `json:"risk_frac"`   // 单笔风险占权益比例（用于推导数量）
	TargetR    float64 `json:"target_r"`    // 盈亏比，目标距离 = 风险距离 × TargetR
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// ServerTime 定义了交易所服务器时间响应
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// KlineData 定义了REST接口返回的单根K线
type KlineData struct {
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	OpenTime  int64  `json:"openTime"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// PositionData 定义了交易所返回的持仓信息
type PositionData struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	UpdateTime       int64  `json:"updateTime"`
}

// BalanceData 定义了账户中特定资产的余额信息
type BalanceData struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// OrderData 定义了交易所返回的订单信息
type OrderData struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// InstrumentInfo 定义了合约的交易规则（价格步长、数量步长、最小名义价值）
type InstrumentInfo struct {
	Symbol      string `json:"symbol"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

// WSKline 定义了WebSocket推送的K线负载
type WSKline struct {
	Symbol    string `json:"s"`  // Symbol
	Interval  string `json:"i"`  // Interval
	OpenTime  int64  `json:"t"`  // Kline open time
	CloseTime int64  `json:"T"`  // Kline close time
	Open      string `json:"o"`  // Open price
	High      string `json:"h"`  // High price
	Low       string `json:"l"`  // Low price
	Close     string `json:"c"`  // Close price
	Volume    string `json:"v"`  // Volume
	Closed    bool   `json:"x"`  // Is this kline closed?
}

// WSTrade 定义了WebSocket推送的逐笔成交负载
type WSTrade struct {
	Symbol   string `json:"s"` // Symbol
	Price    string `json:"p"` // Price
	Quantity string `json:"q"` // Quantity
	Bid      string `json:"b"` // Best bid price
	Ask      string `json:"a"` // Best ask price
	Time     int64  `json:"T"` // Trade time
}

// APIError 定义了交易所API返回的错误信息结构
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// IntervalDuration 将K线周期字符串（如 "1m", "4h"）转换为 time.Duration
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("无效的K线周期: %q", interval)
	}
	unit := interval[len(interval)-1]
	var n int
	if _, err := fmt.Sscanf(interval[:len(interval)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("无效的K线周期: %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("不支持的K线周期单位: %q", interval)
	}
}
