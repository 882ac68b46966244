package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"futures-session-bot-go/internal/broker"
	"futures-session-bot-go/internal/config"
	"futures-session-bot-go/internal/downloader"
	"futures-session-bot-go/internal/exchange"
	"futures-session-bot-go/internal/journal"
	"futures-session-bot-go/internal/logger"
	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"
	"futures-session-bot-go/internal/persistence"
	"futures-session-bot-go/internal/session"
	"futures-session-bot-go/internal/strategy"

	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

// run 返回进程退出码：0 表示会话正常结束（含回放结束、外部停机开关、
// 信号退出），非 0 表示会话因未恢复的故障终止。
func run() int {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "配置文件路径")
	mode := flag.String("mode", "paper", "运行模式: live 或 paper")
	dataPath := flag.String("data", "", "回放数据文件路径（paper模式，指定后离线回放）")
	symbol := flag.String("symbol", "", "交易对，覆盖配置文件中的值")
	duration := flag.Int("duration", 0, "会话时长（分钟），覆盖配置文件中的值")
	download := flag.Bool("download", false, "仅下载历史K线后退出")
	startDate := flag.String("start", "", "下载起始日期 (YYYY-MM-DD)")
	endDate := flag.String("end", "", "下载结束日期 (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志，保证加载 .env 与配置文件时可以记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Errorf("无法加载配置文件: %v", err)
		return 2
	}
	if *symbol != "" {
		cfg.Symbol = strings.ToUpper(*symbol)
	}
	if *duration > 0 {
		cfg.Session.DurationMin = *duration
	}

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()
	log := logger.S()

	// --- 仅下载模式：取数后直接退出 ---
	if *download {
		if err := runDownload(cfg, *startDate, *endDate); err != nil {
			log.Errorf("下载失败: %v", err)
			return 2
		}
		return 0
	}

	// 根据配置选择生产网或测试网地址
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		log.Info("正在使用测试网...")
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
	if cfg.Session.WatchdogFile == "" {
		cfg.Session.WatchdogFile = filepath.Join(cfg.DataDir, cfg.Symbol+".alive")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Errorf("创建数据目录失败: %v", err)
		return 2
	}

	// --- Prometheus 指标 ---
	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, func(err error) {
			log.Warnf("指标服务异常: %v", err)
		})
		defer srv.Close()
	}

	// --- 会话锁：同一交易对同一时刻只允许一个会话 ---
	lockTTL := 3 * time.Duration(cfg.Session.HeartbeatSec) * time.Second
	lock, err := persistence.AcquireRunLock(filepath.Join(cfg.DataDir, "locks"), cfg.Symbol, lockTTL)
	if err != nil {
		log.Errorf("获取会话锁失败: %v", err)
		return 2
	}
	defer lock.Release()

	// --- 持久化与交易流水 ---
	repo, err := persistence.NewBadgerRepository(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Errorf("打开状态库失败: %v", err)
		return 2
	}
	defer repo.Close()

	jrnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		log.Errorf("打开流水库失败: %v", err)
		return 2
	}
	defer jrnl.Close()

	// --- 按模式组装经纪模块与行情流 ---
	ctx := context.Background()
	contract := models.ContractType(cfg.ContractType)

	var (
		brk      broker.Broker
		stream   exchange.Stream
		history  exchange.HistoryFetcher
		sessMode string
	)
	switch *mode {
	case "live":
		apiKey := os.Getenv("FUTURES_API_KEY")
		secretKey := os.Getenv("FUTURES_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			log.Error("FUTURES_API_KEY 和 FUTURES_SECRET_KEY 环境变量必须被设置。")
			return 2
		}
		client, err := exchange.NewRestClient(cfg.BaseURL, apiKey, secretKey, cfg.Resilience, log)
		if err != nil {
			log.Errorf("初始化交易所客户端失败: %v", err)
			return 2
		}
		brk, err = broker.NewLiveBroker(ctx, cfg.Symbol, contract, cfg.Broker, cfg.Risk, client, quoteAsset(cfg.Symbol), log)
		if err != nil {
			log.Errorf("初始化实盘经纪模块失败: %v", err)
			return 2
		}
		stream = exchange.NewWSStream(cfg.WSBaseURL, apiKey, secretKey, cfg.Symbol, cfg.Interval, log)
		history = client
		sessMode = "live"

	case "paper":
		brk = broker.NewPaperBroker(cfg.Symbol, contract, cfg.Broker, cfg.Risk, log)
		if *dataPath != "" {
			// 离线回放：无需网络
			stream = exchange.NewReplayStream(*dataPath, cfg.Symbol, cfg.Interval, cfg.Broker.SpreadRate, log)
			sessMode = "replay"
		} else {
			// 纸面实时：公共行情流 + REST 历史，无需密钥
			client, err := exchange.NewRestClient(cfg.BaseURL, "", "", cfg.Resilience, log)
			if err != nil {
				log.Errorf("初始化行情客户端失败: %v", err)
				return 2
			}
			stream = exchange.NewWSStream(cfg.WSBaseURL, "", "", cfg.Symbol, cfg.Interval, log)
			history = client
			sessMode = "paper"
		}

	default:
		log.Errorf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
		return 2
	}

	strat, err := strategy.New(cfg.Strategy, cfg.Symbol, contract)
	if err != nil {
		log.Errorf("初始化策略失败: %v", err)
		return 2
	}

	sess, err := session.New(session.Deps{
		Config:   cfg,
		Mode:     sessMode,
		Broker:   brk,
		Stream:   stream,
		History:  history,
		Strategy: strat,
		Repo:     repo,
		Journal:  jrnl,
		Lock:     lock,
		Log:      log,
	})
	if err != nil {
		log.Errorf("初始化会话失败: %v", err)
		return 2
	}

	// OS 信号走与其他停机路径相同的请求通道
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("收到信号 %s，开始优雅停机", sig)
		sess.RequestShutdown(session.StopSignal)
	}()

	if err := sess.Run(ctx); err != nil {
		log.Errorf("会话异常结束: %v", err)
		return 1
	}
	return 0
}

// runDownload 下载历史K线到回放CSV后退出。
func runDownload(cfg *models.Config, startDate, endDate string) error {
	if cfg.Symbol == "" || startDate == "" || endDate == "" {
		return fmt.Errorf("下载模式需要 -symbol、-start 和 -end 参数")
	}
	startTime, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return fmt.Errorf("起始日期格式错误，请使用 YYYY-MM-DD: %w", err)
	}
	endTime, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return fmt.Errorf("结束日期格式错误，请使用 YYYY-MM-DD: %w", err)
	}

	fileName := filepath.Join(cfg.DataDir,
		fmt.Sprintf("%s-%s-%s-%s.csv", cfg.Symbol, cfg.Interval, startDate, endDate))
	d := downloader.NewKlineDownloader(logger.S())
	return d.DownloadKlines(context.Background(), cfg.Symbol, cfg.Interval, fileName, startTime, endTime)
}

// quoteAsset 从交易对推断计价资产，用于查询账户余额。
func quoteAsset(symbol string) string {
	for _, q := range []string{"USDT", "BUSD", "USDC", "USD"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}
