// Package session is the orchestrator of one unattended trading
// session: it owns the task set (market data, execution, heartbeat,
// guards, checkpointing, watchdog), the bounded execution queue and the
// shutdown sequence. All collaborators are injected by cmd/bot; the
// session never constructs its own dependencies.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"futures-session-bot-go/internal/broker"
	"futures-session-bot-go/internal/exchange"
	"futures-session-bot-go/internal/journal"
	"futures-session-bot-go/internal/models"
	"futures-session-bot-go/internal/persistence"
	"futures-session-bot-go/internal/reporter"
	"futures-session-bot-go/internal/strategy"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Stop reasons recorded by requestShutdown. The first four end the
// process with exit code 0; the rest are unrecovered failures.
const (
	StopSessionComplete = "session complete"
	StopReplayComplete  = "replay complete"
	StopKillSwitch      = "kill switch"
	StopSignal          = "signal"
	StopDrawdown        = "drawdown ceiling breached"
	StopStaleData       = "stale market data"
	StopErrorBudget     = "error budget exhausted"
)

// WatchdogExitCode is the process exit code used when the watchdog
// force-terminates a hung session.
const WatchdogExitCode = 3

func normalStop(reason string) bool {
	switch reason {
	case StopSessionComplete, StopReplayComplete, StopKillSwitch, StopSignal:
		return true
	}
	return false
}

// Deps are the session's collaborators, constructed in cmd/bot.
type Deps struct {
	Config   *models.Config
	Mode     string // live / paper / replay
	Broker   broker.Broker
	Stream   exchange.Stream
	History  exchange.HistoryFetcher // nil in replay mode
	Strategy strategy.Strategy       // nil runs execution-only
	Repo     persistence.StateRepository
	Journal  *journal.Journal
	Lock     *persistence.RunLock // may be nil in tests
	Log      *zap.SugaredLogger
	Out      io.Writer // final report destination, nil = stdout
}

// Session runs one time-boxed trading session to completion.
//
// Writer discipline: the candle history and last-seen timestamps are
// written only by the market-data task; the Broker is mutated only by
// the dispatcher; the watchdog file only by the heartbeat task. The
// remaining aggregates live behind one small mutex.
type Session struct {
	Deps

	id       string
	queue    *orderQueue
	candleCh chan *models.Candle
	tickCh   chan *models.Tick

	done         chan struct{} // the one shutdown signal shared by every task
	stopOnce     sync.Once
	draining     atomic.Bool
	watchdogStop chan struct{} // closed only when Run returns

	wg sync.WaitGroup

	mu           sync.Mutex
	state        models.SessionState
	stopReason   string
	startedAt    time.Time
	lastEventAt  time.Time
	lastCandleAt time.Time
	lastPrice    float64
	peakEquity   float64
	maxDrawdown  float64
	errorCount   int
	candlesSeen  int64
	candlesDrop  int64
	ordersSeen   int64

	// owned by the market-data task
	history      []models.Candle
	lastBackfill time.Time

	interval time.Duration

	// intervals derived from config once, so tests can shrink them
	heartbeatEvery  time.Duration
	checkpointEvery time.Duration
	killPollEvery   time.Duration
	staleCheckEvery time.Duration
	staleSoft       time.Duration
	staleHard       time.Duration
	drainWait       time.Duration
	joinTimeout     time.Duration
	shutdownTimeout time.Duration
	duration        time.Duration
	watchdogLimit   time.Duration

	exitProcess func(int) // os.Exit, injectable for the watchdog test
}

// New wires a session from its dependencies. The configuration must
// already be validated.
func New(d Deps) (*Session, error) {
	if d.Config == nil || d.Broker == nil || d.Stream == nil || d.Log == nil {
		return nil, errors.New("session dependencies incomplete")
	}
	interval, err := models.IntervalDuration(d.Config.Interval)
	if err != nil {
		return nil, err
	}

	sc := d.Config.Session
	u := uuid.New()
	s := &Session{
		Deps:         d,
		id:           base62.EncodeToString(u[:]),
		queue:        newOrderQueue(sc.QueueSize),
		candleCh:     make(chan *models.Candle, 256),
		tickCh:       make(chan *models.Tick, 256),
		done:         make(chan struct{}),
		watchdogStop: make(chan struct{}),
		state:        models.SessionRunning,
		interval:     interval,

		heartbeatEvery:  secs(sc.HeartbeatSec, 5*time.Second),
		checkpointEvery: secs(sc.CheckpointSec, 30*time.Second),
		killPollEvery:   secs(sc.KillSwitchPollSec, 5*time.Second),
		staleSoft:       secs(sc.StaleSoftSec, 30*time.Second),
		staleHard:       secs(sc.StaleHardSec, 120*time.Second),
		drainWait:       secs(sc.DrainWaitSec, 2*time.Second),
		shutdownTimeout: secs(sc.ShutdownTimeoutSec, 30*time.Second),
		duration:        time.Duration(sc.DurationMin) * time.Minute,
		watchdogLimit:   secs(sc.WatchdogLimitSec, 0),

		exitProcess: defaultExit,
	}
	s.staleCheckEvery = s.staleSoft / 2
	if s.staleCheckEvery < time.Second {
		s.staleCheckEvery = time.Second
	}
	s.joinTimeout = s.shutdownTimeout / 3
	return s, nil
}

func secs(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// ID returns the session id used in the journal and the report.
func (s *Session) ID() string { return s.id }

// State reports the lifecycle state for tests and snapshots.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StopReason returns the reason recorded by the winning shutdown
// request, empty while running.
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// RequestShutdown is safe from any task or the signal handler. Only the
// first call wins; later calls are logged with their losing reason.
func (s *Session) RequestShutdown(reason string) {
	won := false
	s.stopOnce.Do(func() {
		won = true
		s.draining.Store(true)
		s.mu.Lock()
		s.stopReason = reason
		s.state = models.SessionDraining
		s.mu.Unlock()
		close(s.done)
	})
	if won {
		s.Log.Infow("shutdown requested", "reason", reason)
	} else {
		s.Log.Debugw("shutdown already in progress", "ignored_reason", reason)
	}
}

// Run executes the session: restore state, warm history, start tasks,
// block until a shutdown request, then run the shutdown sequence. The
// returned error is nil exactly when the stop reason was a normal one.
func (s *Session) Run(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	s.startedAt = now
	s.lastEventAt = now
	s.mu.Unlock()

	if s.Journal != nil {
		if err := s.Journal.StartSession(s.id, s.Config.Symbol, now); err != nil {
			return fmt.Errorf("journal session start: %w", err)
		}
	}
	if err := s.restoreState(); err != nil {
		return err
	}
	if err := s.warmHistory(ctx); err != nil {
		return err
	}
	if err := s.Stream.Start(ctx); err != nil {
		return fmt.Errorf("start market data stream: %w", err)
	}

	s.Log.Infow("session starting",
		"session_id", s.id, "symbol", s.Config.Symbol, "mode", s.Mode,
		"duration", s.duration, "warmup_candles", len(s.history))

	// The watchdog is deliberately not a runTask: it must survive a
	// wedged task set to do its job.
	go s.watchdog()
	defer close(s.watchdogStop)

	s.runTask("market-data", s.marketDataTask)
	s.runTask("dispatcher", s.dispatcherTask)
	s.runTask("heartbeat", s.heartbeatTask)
	s.runTask("stale-guard", s.staleGuardTask)
	s.runTask("kill-switch", s.killSwitchTask)
	s.runTask("timer", s.timerTask)
	s.runTask("checkpointer", s.checkpointerTask)

	// Propagate context cancellation (OS signal path) as a shutdown
	// request so there is still exactly one stop mechanism.
	go func() {
		select {
		case <-ctx.Done():
			s.RequestShutdown(StopSignal)
		case <-s.done:
		}
	}()

	<-s.done
	return s.shutdown()
}

// shutdown runs the nine-step sequence. Steps are best-effort: a
// failing step is logged and the sequence continues, because every
// later step reduces risk further.
func (s *Session) shutdown() error {
	reason := s.StopReason()
	s.Log.Infow("shutdown sequence starting", "reason", reason)

	shCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// 1. New orders are already refused: requestShutdown set the
	// draining flag checked by the enqueue path.

	// 2. Cancel resting orders before anything else can fill.
	if n, err := s.Broker.CancelWorkingOrders(shCtx); err != nil {
		s.Log.Warnw("cancel working orders failed", "error", err)
	} else if n > 0 {
		s.Log.Infow("working orders canceled", "count", n)
	}

	// 3. Give in-flight fills a bounded moment to land.
	time.Sleep(s.drainWait)

	// 4. Drain the queue; pending proposals become working orders so a
	// restart can still see them.
	for _, o := range s.queue.drain() {
		s.Broker.AdoptWorkingOrder(*o)
		s.journalEvent(journal.KindLifecycle, map[string]string{
			"action": "adopted pending order", "order_id": o.ID,
		})
	}

	// 5. Join the task handles, bounded.
	if !s.joinTasks(s.joinTimeout) {
		s.Log.Errorw("tasks did not stop within the join timeout")
	}

	// 6. Flatten.
	exitReason := models.ExitSessionEnd
	if reason == StopDrawdown || reason == StopKillSwitch {
		exitReason = models.ExitKillSwitch
	}
	if price := s.closePrice(); price > 0 {
		exits, err := s.Broker.CloseAll(shCtx, price, exitReason)
		if err != nil {
			s.Log.Errorw("force close failed", "error", err)
		}
		for i := range exits {
			s.journalExit(&exits[i])
		}
	}

	// 7. Release the broker (venue cleanup, final reconcile).
	if err := s.Broker.Shutdown(shCtx); err != nil {
		s.Log.Warnw("broker shutdown failed", "error", err)
	}

	// 8. Final checkpoint.
	s.mu.Lock()
	s.state = models.SessionStopped
	s.mu.Unlock()
	s.saveSnapshot()

	// 9. Final report, journal close-out, lock release.
	s.emitReport(reason)
	if s.Journal != nil {
		if err := s.Journal.EndSession(s.id, reason, time.Now()); err != nil {
			s.Log.Warnw("journal session end failed", "error", err)
		}
	}
	if s.Lock != nil {
		if err := s.Lock.Release(); err != nil {
			s.Log.Warnw("run lock release failed", "error", err)
		}
	}

	s.Log.Infow("session stopped", "session_id", s.id, "reason", reason)
	if normalStop(reason) {
		return nil
	}
	return fmt.Errorf("session ended abnormally: %s", reason)
}

// restoreState resumes a prior checkpoint when one exists.
func (s *Session) restoreState() error {
	if s.Repo == nil {
		return nil
	}
	snap, err := s.Repo.LoadBrokerState(s.Config.Symbol)
	if err != nil {
		return fmt.Errorf("load broker checkpoint: %w", err)
	}
	if snap != nil {
		if err := s.Broker.Restore(snap); err != nil {
			return fmt.Errorf("restore broker checkpoint: %w", err)
		}
		s.Log.Infow("broker state restored",
			"saved_at", snap.SavedAt, "equity", snap.Equity, "open_position", snap.Side != "")
	}
	prev, err := s.Repo.LoadSessionState(s.Config.Symbol)
	if err != nil {
		return fmt.Errorf("load session checkpoint: %w", err)
	}
	if prev != nil {
		s.Log.Infow("previous session found",
			"session_id", prev.SessionID, "state", prev.State, "stop_reason", prev.StopReason)
	}
	return nil
}

// warmHistory prefetches candles so the strategy can signal on the
// first live candle. Replay mode has no fetcher and starts cold.
func (s *Session) warmHistory(ctx context.Context) error {
	warmup := s.Config.Session.HistoryWarmup
	if s.Strategy != nil && s.Strategy.Warmup() > warmup {
		warmup = s.Strategy.Warmup()
	}
	if s.History == nil || warmup <= 0 {
		return nil
	}
	candles, err := s.History.GetCandles(ctx, s.Config.Symbol, s.Config.Interval, warmup, time.Now())
	if err != nil {
		return fmt.Errorf("warm candle history: %w", err)
	}
	s.history = candles
	if n := len(candles); n > 0 {
		last := candles[n-1]
		s.mu.Lock()
		s.lastCandleAt = last.OpenTime
		s.lastPrice = last.Close
		s.mu.Unlock()
	}
	return nil
}

// runTask starts fn under panic recovery; a panicking task charges the
// error budget instead of killing the process.
func (s *Session) runTask(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.Log.Errorw("task panicked", "task", name, "panic", r)
				s.noteError(name, fmt.Errorf("panic: %v", r))
			}
		}()
		fn()
	}()
}

// joinTasks waits for the task handles, bounded. Reports false on
// timeout.
func (s *Session) joinTasks(timeout time.Duration) bool {
	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// noteError charges one unit of the error budget and trips the session
// when it is exhausted.
func (s *Session) noteError(task string, err error) {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	budget := s.Config.Session.ErrorBudget
	s.mu.Unlock()

	s.Log.Errorw("task error", "task", task, "error", err, "count", count, "budget", budget)
	if budget > 0 && count >= budget {
		s.RequestShutdown(StopErrorBudget)
	}
}

// closePrice picks the price for the final force-close: last traded
// price, falling back to the open position's average entry when the
// session never saw data (possible after a checkpoint restore).
func (s *Session) closePrice() float64 {
	s.mu.Lock()
	price := s.lastPrice
	s.mu.Unlock()
	if price > 0 {
		return price
	}
	if pos := s.Broker.Position(); pos != nil {
		return pos.AvgEntry()
	}
	return 0
}

// saveSnapshot persists the broker and session checkpoints. Errors are
// logged, not fatal: a missed checkpoint costs recovery fidelity, not
// correctness.
func (s *Session) saveSnapshot() {
	if s.Repo == nil {
		return
	}
	if err := s.Repo.SaveBrokerState(s.Broker.Snapshot()); err != nil {
		s.Log.Warnw("broker checkpoint failed", "error", err)
	}

	s.mu.Lock()
	snap := &models.SessionSnapshot{
		SessionID:    s.id,
		Symbol:       s.Config.Symbol,
		State:        s.state,
		StopReason:   s.stopReason,
		StartedAt:    s.startedAt,
		LastCandleAt: s.lastCandleAt,
		PeakEquity:   s.peakEquity,
		MaxDrawdown:  s.maxDrawdown,
		ErrorCount:   s.errorCount,
		CandlesSeen:  s.candlesSeen,
		OrdersSeen:   s.ordersSeen,
		SavedAt:      time.Now(),
	}
	s.mu.Unlock()
	if err := s.Repo.SaveSessionState(snap); err != nil {
		s.Log.Warnw("session checkpoint failed", "error", err)
	}
}

// emitReport renders the final table and summary line.
func (s *Session) emitReport(reason string) {
	s.mu.Lock()
	rep := &reporter.SessionReport{
		SessionID:   s.id,
		Symbol:      s.Config.Symbol,
		Mode:        s.Mode,
		StartedAt:   s.startedAt,
		Duration:    time.Since(s.startedAt),
		StopReason:  reason,
		MaxDrawdown: s.maxDrawdown,
		FinalEquity: s.Broker.Equity(s.lastPrice),
	}
	s.mu.Unlock()

	if s.Journal != nil {
		if sum, err := s.Journal.Summarize(s.id); err != nil {
			s.Log.Warnw("journal summary failed", "error", err)
		} else {
			rep.Trades = sum.Trades
			rep.WinRate = sum.WinRate()
			rep.NetPnL = sum.NetPnL
			rep.Fees = sum.Fees
		}
	}
	reporter.Print(s.Out, s.Log, rep)
}

func (s *Session) journalEvent(kind string, detail any) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.Event(s.id, kind, detail); err != nil {
		s.Log.Warnw("journal append failed", "kind", kind, "error", err)
	}
}

func (s *Session) journalFill(f *models.Fill) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.RecordFill(s.id, f); err != nil {
		s.Log.Warnw("journal fill failed", "error", err)
	}
}

func (s *Session) journalExit(e *models.Exit) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.RecordExit(s.id, e); err != nil {
		s.Log.Warnw("journal exit failed", "error", err)
	}
}
