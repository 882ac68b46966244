package config

import (
	"encoding/json"
	"fmt"
	"os"

	"futures-session-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件，填充默认值并做启动前校验。
// 配置错误属于致命错误，直接返回给调用方终止启动。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 为未配置的字段填充保守默认值
func applyDefaults(cfg *models.Config) {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.ContractType == "" {
		cfg.ContractType = string(models.Linear)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	s := &cfg.Session
	if s.DurationMin <= 0 {
		s.DurationMin = 480
	}
	if s.HeartbeatSec <= 0 {
		s.HeartbeatSec = 5
	}
	if s.CheckpointSec <= 0 {
		s.CheckpointSec = 30
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 100
	}
	if s.ErrorBudget <= 0 {
		s.ErrorBudget = 10
	}
	if s.StaleSoftSec <= 0 {
		s.StaleSoftSec = 90
	}
	if s.StaleHardSec <= 0 {
		s.StaleHardSec = 300
	}
	if s.ProviderRestartMax <= 0 {
		s.ProviderRestartMax = 3
	}
	if s.KillSwitchEnv == "" {
		s.KillSwitchEnv = "SESSION_KILL_SWITCH"
	}
	if s.KillSwitchPollSec <= 0 {
		s.KillSwitchPollSec = 5
	}
	if s.WatchdogLimitSec <= 0 {
		s.WatchdogLimitSec = 120
	}
	if s.HistoryWarmup <= 0 {
		s.HistoryWarmup = 200
	}
	if s.BackfillMax <= 0 {
		s.BackfillMax = 500
	}
	if s.BackfillCooldownSec <= 0 {
		s.BackfillCooldownSec = 30
	}
	if s.DrainWaitSec <= 0 {
		s.DrainWaitSec = 3
	}
	if s.ShutdownTimeoutSec <= 0 {
		s.ShutdownTimeoutSec = 30
	}

	b := &cfg.Broker
	if b.InitialEquity <= 0 {
		b.InitialEquity = 10000
	}
	if b.TakerFeeRate == 0 {
		b.TakerFeeRate = 0.0005
	}
	if b.MakerFeeRate == 0 {
		b.MakerFeeRate = 0.0002
	}
	if b.SpreadRate == 0 {
		b.SpreadRate = 0.0001
	}
	if b.MaxVolumeFraction <= 0 || b.MaxVolumeFraction > 1 {
		b.MaxVolumeFraction = 0.05
	}
	if b.TrailingMultiplier <= 0 {
		b.TrailingMultiplier = 1.0
	}
	if b.Leverage <= 0 {
		b.Leverage = 1
	}
	if b.MaintenanceMarginRate <= 0 {
		b.MaintenanceMarginRate = 0.004
	}
	if b.ReconcileSec <= 0 {
		b.ReconcileSec = 30
	}
	if b.QtyTolerance <= 0 {
		b.QtyTolerance = 1e-9
	}

	r := &cfg.Risk
	if r.MaxOrdersPerMin <= 0 {
		r.MaxOrdersPerMin = 10
	}

	re := &cfg.Resilience
	if re.RetryAttempts <= 0 {
		re.RetryAttempts = 3
	}
	if re.RetryInitialDelayMs <= 0 {
		re.RetryInitialDelayMs = 500
	}
	if re.RetryMaxDelayMs <= 0 {
		re.RetryMaxDelayMs = 10000
	}
	if re.RateLimitBackoffMs <= 0 {
		re.RateLimitBackoffMs = 5000
	}
	if re.BreakerThreshold <= 0 {
		re.BreakerThreshold = 5
	}
	if re.BreakerWindowSec <= 0 {
		re.BreakerWindowSec = 60
	}
	if re.BreakerCooldownSec <= 0 {
		re.BreakerCooldownSec = 30
	}
	if re.RatePerSec <= 0 {
		re.RatePerSec = 5
	}
	if re.RateBurst <= 0 {
		re.RateBurst = 10
	}

	st := &cfg.Strategy
	if st.Name == "" {
		st.Name = "sma_cross"
	}
	if st.FastPeriod <= 0 {
		st.FastPeriod = 10
	}
	if st.SlowPeriod <= 0 {
		st.SlowPeriod = 30
	}
	if st.RangeBars <= 0 {
		st.RangeBars = 14
	}
	if st.RiskFrac <= 0 {
		st.RiskFrac = 0.01
	}
	if st.TargetR <= 0 {
		st.TargetR = 2.0
	}
}

// Validate 校验配置的内部一致性，返回第一个发现的问题
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("配置缺少 symbol")
	}
	if _, err := models.IntervalDuration(cfg.Interval); err != nil {
		return err
	}
	ct := models.ContractType(cfg.ContractType)
	if ct != models.Linear && ct != models.Inverse {
		return fmt.Errorf("contract_type 非法: %q (应为 LINEAR 或 INVERSE)", cfg.ContractType)
	}
	s := cfg.Session
	if s.StaleSoftSec >= s.StaleHardSec {
		return fmt.Errorf("stale_soft_sec(%d) 必须小于 stale_hard_sec(%d)", s.StaleSoftSec, s.StaleHardSec)
	}
	if s.WatchdogLimitSec <= s.HeartbeatSec {
		return fmt.Errorf("watchdog_limit_sec(%d) 必须大于 heartbeat_sec(%d)", s.WatchdogLimitSec, s.HeartbeatSec)
	}
	if cfg.Broker.MaxVolumeFraction <= 0 || cfg.Broker.MaxVolumeFraction > 1 {
		return fmt.Errorf("max_volume_fraction 必须在 (0, 1] 内: %v", cfg.Broker.MaxVolumeFraction)
	}
	if cfg.Risk.MaxTradeRiskFrac < 0 || cfg.Risk.MaxTradeRiskFrac > 1 {
		return fmt.Errorf("max_trade_risk_frac 必须在 [0, 1] 内: %v", cfg.Risk.MaxTradeRiskFrac)
	}
	if cfg.Strategy.FastPeriod >= cfg.Strategy.SlowPeriod {
		return fmt.Errorf("策略快线周期(%d)必须小于慢线周期(%d)", cfg.Strategy.FastPeriod, cfg.Strategy.SlowPeriod)
	}
	return nil
}
