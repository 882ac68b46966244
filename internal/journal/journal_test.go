package journal

import (
	"path/filepath"
	"testing"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var jt0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fill(tradeID string, qty, price, fee float64) *models.Fill {
	return &models.Fill{
		OrderID: "o-" + tradeID, TradeID: tradeID, Symbol: "BTCUSDT",
		Side: models.Long, Quantity: qty, Price: price, Fee: fee, Time: jt0,
	}
}

func exit(tradeID string, qty, price, fee, pnl float64) *models.Exit {
	return &models.Exit{
		TradeID: tradeID, Symbol: "BTCUSDT", Side: models.Long,
		Quantity: qty, Price: price, Fee: fee, Reason: models.ExitTakeProfit,
		PnL: pnl, Time: jt0.Add(time.Hour),
	}
}

func TestSessionLifecycleAndSummary(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.StartSession("s1", "BTCUSDT", jt0))

	// Trade A: entry fee 2, two partial exits netting +98 and -52.
	require.NoError(t, j.RecordFill("s1", fill("A", 1.0, 50000, 2)))
	require.NoError(t, j.RecordExit("s1", exit("A", 0.5, 50200, 1, 98)))
	require.NoError(t, j.RecordExit("s1", exit("A", 0.5, 49900, 1, -52)))

	// Trade B: a loser.
	require.NoError(t, j.RecordFill("s1", fill("B", 2.0, 50000, 4)))
	require.NoError(t, j.RecordExit("s1", exit("B", 2.0, 49800, 2, -402)))

	require.NoError(t, j.EndSession("s1", "session complete", jt0.Add(2*time.Hour)))

	s, err := j.Summarize("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.InDelta(t, 98-52-402, s.NetPnL, 1e-9)
	assert.InDelta(t, 2+1+1+4+2, s.Fees, 1e-9)
	assert.InDelta(t, 0.5, s.WinRate(), 1e-9)
}

func TestOpenTradeExcludedFromCount(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.StartSession("s1", "BTCUSDT", jt0))

	require.NoError(t, j.RecordFill("s1", fill("open", 1.0, 50000, 3)))

	s, err := j.Summarize("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Trades)
	assert.Equal(t, 0.0, s.WinRate())
	assert.InDelta(t, 3.0, s.Fees, 1e-9, "entry fees count even while open")
}

func TestExitForUnknownTradeCreatesRow(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.StartSession("s1", "BTCUSDT", jt0))

	// Externally closed trade restored from a prior session's checkpoint.
	require.NoError(t, j.RecordExit("s1", exit("ext", 1.0, 51000, 1, 999)))

	s, err := j.Summarize("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.InDelta(t, 999.0, s.NetPnL, 1e-9)
}

func TestSummaryIsolatedPerSession(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.StartSession("s1", "BTCUSDT", jt0))
	require.NoError(t, j.StartSession("s2", "ETHUSDT", jt0))

	require.NoError(t, j.RecordFill("s1", fill("A", 1.0, 50000, 1)))
	require.NoError(t, j.RecordExit("s1", exit("A", 1.0, 51000, 1, 998)))

	s2, err := j.Summarize("s2")
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Trades)
	assert.Equal(t, 0.0, s2.NetPnL)
}

func TestFreeFormEvents(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.StartSession("s1", "BTCUSDT", jt0))

	require.NoError(t, j.Event("s1", KindReject, map[string]string{"order_id": "x", "reason": "risk"}))
	require.NoError(t, j.Event("s1", KindDrop, map[string]string{"order_id": "y"}))
	require.NoError(t, j.Event("s1", KindLifecycle, map[string]string{"state": "DRAINING"}))

	var n int
	require.NoError(t, j.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = 's1'`).Scan(&n))
	assert.Equal(t, 3, n)
}
