package reporter

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// SessionReport 汇总一次会话的最终表现，会话停机序列的最后一步生成。
type SessionReport struct {
	SessionID   string
	Symbol      string
	Mode        string // live / paper / replay
	StartedAt   time.Time
	Duration    time.Duration
	StopReason  string
	Trades      int     // 已平仓交易数
	WinRate     float64 // 0~1
	NetPnL      float64 // 净已实现盈亏（含手续费）
	Fees        float64 // 手续费合计
	MaxDrawdown float64 // 会话内最大权益回撤（绝对值）
	FinalEquity float64
}

// Print 将会话报告渲染为表格输出到 w（通常是标准输出），
// 并通过结构化日志额外输出一行机器可读的汇总，便于离线归集。
func Print(w io.Writer, log *zap.SugaredLogger, rep *SessionReport) {
	if w == nil {
		w = os.Stdout
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("会话报告 %s", rep.SessionID)
	t.AppendRows([]table.Row{
		{"交易对", rep.Symbol},
		{"模式", rep.Mode},
		{"开始时间", rep.StartedAt.Format("2006-01-02 15:04:05")},
		{"运行时长", rep.Duration.Round(time.Second).String()},
		{"停止原因", rep.StopReason},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"交易次数", rep.Trades},
		{"胜率", fmt.Sprintf("%.1f%%", rep.WinRate*100)},
		{"净盈亏", fmt.Sprintf("%.2f", rep.NetPnL)},
		{"手续费", fmt.Sprintf("%.2f", rep.Fees)},
		{"最大回撤", fmt.Sprintf("%.2f", rep.MaxDrawdown)},
		{"期末权益", fmt.Sprintf("%.2f", rep.FinalEquity)},
	})
	t.Render()

	// 机器可读的单行汇总
	log.Infow("session summary",
		"session_id", rep.SessionID,
		"symbol", rep.Symbol,
		"mode", rep.Mode,
		"duration_sec", int(rep.Duration.Seconds()),
		"stop_reason", rep.StopReason,
		"trades", rep.Trades,
		"win_rate", rep.WinRate,
		"net_pnl", rep.NetPnL,
		"fees", rep.Fees,
		"max_drawdown", rep.MaxDrawdown,
		"final_equity", rep.FinalEquity,
	)
}
