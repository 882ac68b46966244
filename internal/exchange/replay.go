package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"futures-session-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrReplayDone 表示回放文件已读完。会话将其视为正常结束而非故障。
var ErrReplayDone = errors.New("回放数据结束")

// ReplayStream 从CSV文件回放历史K线，实现 Stream 接口，
// 使纸面会话可以在无网络的情况下完整跑通调度与撮合路径。
// 文件格式与 downloader 的输出一致: open_time,open,high,low,close,volume
type ReplayStream struct {
	path       string
	symbol     string
	interval   string
	spreadRate float64
	log        *zap.SugaredLogger

	events chan models.StreamEvent
	stopCh chan struct{}

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

// NewReplayStream 创建回放流。spreadRate 用于在收盘价两侧合成买卖价。
func NewReplayStream(path, symbol, interval string, spreadRate float64, log *zap.SugaredLogger) *ReplayStream {
	return &ReplayStream{
		path:       path,
		symbol:     symbol,
		interval:   interval,
		spreadRate: spreadRate,
		log:        log,
		events:     make(chan models.StreamEvent, 1024),
		stopCh:     make(chan struct{}),
	}
}

// Events 返回事件通道。
func (r *ReplayStream) Events() <-chan models.StreamEvent {
	return r.events
}

// Start 打开数据文件并启动回放协程。
func (r *ReplayStream) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("回放流已启动")
	}
	r.started = true
	r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("打开回放文件失败: %w", err)
	}

	go r.feed(ctx, f)
	return nil
}

// Restart 对文件回放无意义，保留接口语义。
func (r *ReplayStream) Restart(ctx context.Context) error {
	r.log.Debug("回放流忽略重启请求")
	return nil
}

// Close 停止回放，幂等。
func (r *ReplayStream) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	return nil
}

// feed 逐行读取并投递事件，是 events 通道的唯一生产者。
func (r *ReplayStream) feed(ctx context.Context, f *os.File) {
	defer close(r.events)
	defer f.Close()

	interval, err := models.IntervalDuration(r.interval)
	if err != nil {
		r.emit(models.StreamEvent{Type: models.EventError, Err: err})
		return
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6
	line := 0
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			r.log.Infof("回放完成, 共 %d 行", line)
			r.emit(models.StreamEvent{Type: models.EventError, Err: ErrReplayDone})
			return
		}
		if err != nil {
			r.emit(models.StreamEvent{Type: models.EventError, Err: fmt.Errorf("读取回放文件失败: %w", err)})
			return
		}
		line++
		if line == 1 && record[0] == "open_time" {
			continue // 表头
		}

		candle, err := r.parseRow(record)
		if err != nil {
			r.log.Warnf("跳过第 %d 行: %v", line, err)
			continue
		}

		// 先投递一笔收盘时刻的合成行情，再投递收盘K线
		closeTime := candle.OpenTime.Add(interval)
		half := candle.Close * r.spreadRate / 2
		tick := models.Tick{
			Symbol: r.symbol,
			Bid:    candle.Close - half,
			Ask:    candle.Close + half,
			Last:   candle.Close,
			Time:   closeTime,
		}
		if tick.Validate() == nil {
			r.emit(models.StreamEvent{Type: models.EventTick, Tick: &tick})
		}
		r.emit(models.StreamEvent{Type: models.EventCandle, Candle: &candle})
	}
}

func (r *ReplayStream) parseRow(record []string) (models.Candle, error) {
	var c models.Candle
	openMs, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return c, fmt.Errorf("解析open_time失败: %w", err)
	}
	vals := make([]float64, 5)
	for i, field := range record[1:6] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return c, fmt.Errorf("解析第 %d 列失败: %w", i+2, err)
		}
		vals[i] = v
	}
	c = models.Candle{
		Symbol:   r.symbol,
		Interval: r.interval,
		OpenTime: time.UnixMilli(openMs),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		Closed:   true,
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// emit 投递事件，流停止时放弃。
func (r *ReplayStream) emit(ev models.StreamEvent) {
	select {
	case r.events <- ev:
	case <-r.stopCh:
	}
}
