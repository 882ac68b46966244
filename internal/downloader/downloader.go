package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// KlineDownloader 用于从币安下载K线数据，输出与回放流一致的CSV格式:
// open_time,open,high,low,close,volume
type KlineDownloader struct {
	client *binance.Client
	log    *zap.SugaredLogger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(log *zap.SugaredLogger) *KlineDownloader {
	return &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		log:    log,
	}
}

// DownloadKlines 下载指定交易对、周期和时间范围内的K线数据并保存为CSV。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	// 检查文件是否已存在（缓存）
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		d.log.Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.log.Infof("开始下载 %s %s 从 %s 到 %s 的K线数据...",
		symbol, interval, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写临时文件，完成后改名，避免中断留下半截数据被当作缓存
	tmpPath := filePath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}
	defer file.Close()
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(file)

	header := []string{"open_time", "open", "high", "low", "close", "volume"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	total := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)

		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		total += len(klines)

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.log.Infof("已下载 %d 条, 数据至 %s", total, t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("落盘失败: %w", err)
	}

	d.log.Infof("成功下载 %d 条K线数据到 %s", total, filePath)
	return nil
}
