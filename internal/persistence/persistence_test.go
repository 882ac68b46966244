package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) StateRepository {
	t.Helper()
	repo, err := NewBadgerRepository(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBrokerStateRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	snap := &models.BrokerSnapshot{
		Symbol:   "BTCUSDT",
		Side:     models.Long,
		Quantity: 1.5,
		Lots: []models.Lot{
			{Quantity: 1.0, Price: 50000, Time: time.Now().UTC()},
			{Quantity: 0.5, Price: 50500, Time: time.Now().UTC()},
		},
		StopLoss:          49000,
		TakeProfit:        52000,
		Equity:            10250,
		RealizedPnL:       250,
		ProcessedOrderIDs: []string{"a", "b"},
		SavedAt:           time.Now().UTC(),
	}
	require.NoError(t, repo.SaveBrokerState(snap))

	got, err := repo.LoadBrokerState("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Side, got.Side)
	assert.Equal(t, snap.Equity, got.Equity)
	assert.Len(t, got.Lots, 2)
	assert.Equal(t, snap.ProcessedOrderIDs, got.ProcessedOrderIDs)
}

func TestLoadMissingStateReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	snap, err := repo.LoadBrokerState("NOPE")
	require.NoError(t, err)
	assert.Nil(t, snap)

	sess, err := repo.LoadSessionState("NOPE")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionStateIsolatedPerSymbol(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveSessionState(&models.SessionSnapshot{
		SessionID: "s1", Symbol: "BTCUSDT", State: models.SessionRunning, PeakEquity: 10000,
	}))
	require.NoError(t, repo.SaveSessionState(&models.SessionSnapshot{
		SessionID: "s2", Symbol: "ETHUSDT", State: models.SessionStopped, PeakEquity: 5000,
	}))

	got, err := repo.LoadSessionState("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, models.SessionRunning, got.State)
}

func TestSaveWithoutSymbolFails(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.SaveBrokerState(&models.BrokerSnapshot{}))
	assert.Error(t, repo.SaveSessionState(&models.SessionSnapshot{}))
}

func TestRunLockAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireRunLock(dir, "BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.FileExists(t, lock.Path())

	require.NoError(t, lock.Refresh())
	require.NoError(t, lock.Release())
	assert.NoFileExists(t, lock.Path())
	require.NoError(t, lock.Release(), "release is idempotent")
}

func TestRunLockRefusesLiveHolder(t *testing.T) {
	dir := t.TempDir()

	// pid 1 is always alive; a fresh heartbeat must refuse us.
	writeLock(t, dir, "BTCUSDT", RunLockInfo{
		PID: 1, Symbol: "BTCUSDT", AcquiredAt: time.Now(), Heartbeat: time.Now(),
	})

	_, err := AcquireRunLock(dir, "BTCUSDT", time.Minute)
	assert.ErrorIs(t, err, ErrSessionLocked)
}

func TestRunLockBreaksStale(t *testing.T) {
	dir := t.TempDir()

	t.Run("dead pid", func(t *testing.T) {
		writeLock(t, dir, "DEAD", RunLockInfo{
			PID: 1 << 30, Symbol: "DEAD", AcquiredAt: time.Now(), Heartbeat: time.Now(),
		})
		lock, err := AcquireRunLock(dir, "DEAD", time.Minute)
		require.NoError(t, err)
		_ = lock.Release()
	})

	t.Run("expired heartbeat", func(t *testing.T) {
		writeLock(t, dir, "OLD", RunLockInfo{
			PID: 1, Symbol: "OLD",
			AcquiredAt: time.Now().Add(-time.Hour), Heartbeat: time.Now().Add(-time.Hour),
		})
		lock, err := AcquireRunLock(dir, "OLD", time.Minute)
		require.NoError(t, err)
		_ = lock.Release()
	})

	t.Run("corrupt lock file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "BAD.lock"), []byte("{not json"), 0o644))
		lock, err := AcquireRunLock(dir, "BAD", time.Minute)
		require.NoError(t, err)
		_ = lock.Release()
	})
}

func writeLock(t *testing.T, dir, symbol string, info RunLockInfo) {
	t.Helper()
	data, err := json.Marshal(&info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".lock"), data, 0o644))
}
