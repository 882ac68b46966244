package session

import (
	"context"
	"errors"
	"os"
	"time"

	"futures-session-bot-go/internal/broker"
	"futures-session-bot-go/internal/exchange"
	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"

	"github.com/jpillora/backoff"
)

// marketDataTask is the single writer of the candle history and the
// last-seen timestamps. It validates every event at the boundary,
// drops duplicates and out-of-order candles, backfills gaps and invokes
// the strategy exactly once per closed candle.
func (s *Session) marketDataTask() {
	ctx := context.Background()
	events := s.Stream.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				// The stream producer is gone. Replay completion was
				// already signalled via ErrReplayDone; anything else is
				// a dead feed.
				s.RequestShutdown(StopStaleData)
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev models.StreamEvent) {
	switch ev.Type {
	case models.EventError:
		if errors.Is(ev.Err, exchange.ErrReplayDone) {
			s.RequestShutdown(StopReplayComplete)
			return
		}
		s.Log.Warnw("stream error event", "error", ev.Err)

	case models.EventReconnected:
		metrics.IncReconnect()
		s.Log.Infow("stream reconnected")

	case models.EventTick:
		if ev.Tick == nil || ev.Tick.Validate() != nil {
			return
		}
		metrics.IncTicks()
		s.mu.Lock()
		s.lastEventAt = time.Now()
		s.lastPrice = ev.Tick.Last
		s.mu.Unlock()
		select {
		case s.tickCh <- ev.Tick:
		default:
			// Ticks are best-effort exit checks; dropping one under
			// backpressure loses nothing the next candle won't cover.
		}

	case models.EventCandle:
		if ev.Candle == nil {
			return
		}
		s.acceptCandle(ctx, ev.Candle)
	}
}

// acceptCandle enforces ordering, backfills any gap, then processes
// the candle itself.
func (s *Session) acceptCandle(ctx context.Context, c *models.Candle) {
	if err := c.Validate(); err != nil {
		s.Log.Warnw("invalid candle dropped", "error", err)
		s.dropCandle()
		return
	}

	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	// On the live path a candle whose close lies further in the past
	// than the hard staleness threshold is not tradable data. Replay
	// streams carry historical timestamps and skip the check.
	if s.Mode != "replay" {
		if age := time.Since(c.OpenTime.Add(s.interval)); age > s.staleHard {
			s.Log.Warnw("candle older than staleness threshold dropped",
				"open_time", c.OpenTime, "age", age)
			s.dropCandle()
			return
		}
	}

	s.mu.Lock()
	s.lastPrice = c.Close
	s.mu.Unlock()

	if !c.Closed {
		return // strategy and matching act on closed candles only
	}

	var prevOpen time.Time
	if n := len(s.history); n > 0 {
		prevOpen = s.history[n-1].OpenTime
	}
	if !prevOpen.IsZero() && !c.OpenTime.After(prevOpen) {
		s.Log.Debugw("stale or duplicate candle dropped",
			"open_time", c.OpenTime, "prev_open_time", prevOpen)
		s.dropCandle()
		return
	}
	if !prevOpen.IsZero() && c.OpenTime.Sub(prevOpen) > time.Duration(1.5*float64(s.interval)) {
		s.backfillGap(ctx, prevOpen, c.OpenTime)
	}

	s.processClosedCandle(c)
}

func (s *Session) dropCandle() {
	s.mu.Lock()
	s.candlesDrop++
	s.mu.Unlock()
}

// backfillGap fetches the missing candles over REST and splices them in
// order. Bounded per call and rate-limited by a cooldown so a flapping
// feed cannot turn into a REST hammer.
func (s *Session) backfillGap(ctx context.Context, from, to time.Time) {
	if s.History == nil || s.Config.Session.BackfillMax <= 0 {
		return
	}
	cooldown := secs(s.Config.Session.BackfillCooldownSec, 30*time.Second)
	if !s.lastBackfill.IsZero() && time.Since(s.lastBackfill) < cooldown {
		s.Log.Debugw("gap backfill skipped, cooldown active", "from", from, "to", to)
		return
	}
	s.lastBackfill = time.Now()

	missing := int(to.Sub(from)/s.interval) - 1
	limit := s.Config.Session.BackfillMax
	if missing < limit {
		limit = missing
	}
	s.Log.Infow("gap detected, backfilling", "from", from, "to", to, "candles", limit)

	candles, err := s.History.GetCandles(ctx, s.Config.Symbol, s.Config.Interval, limit, to.Add(-time.Millisecond))
	if err != nil {
		s.Log.Warnw("gap backfill failed", "error", err)
		s.noteError("market-data", err)
		return
	}
	for i := range candles {
		c := &candles[i]
		if !c.Closed || !c.OpenTime.After(from) || !c.OpenTime.Before(to) {
			continue
		}
		if c.Validate() != nil {
			continue
		}
		s.processClosedCandle(c)
	}
}

// processClosedCandle appends to the history, invokes the strategy hook
// and hands the candle to the dispatcher. Runs only on the market-data
// task.
func (s *Session) processClosedCandle(c *models.Candle) {
	s.history = append(s.history, *c)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	metrics.IncCandles()

	s.mu.Lock()
	s.candlesSeen++
	s.lastCandleAt = c.OpenTime
	s.mu.Unlock()

	if s.Strategy != nil && !s.draining.Load() {
		proposed := s.Strategy.OnCandle(s.history, s.Broker.Position(), s.Broker.Equity(c.Close))
		if proposed != nil {
			s.submitProposal(proposed, c.Close)
		}
	}

	select {
	case s.candleCh <- c:
	case <-s.done:
	}
}

const maxHistory = 1000

// submitProposal validates once at the boundary and enqueues without
// blocking. Overflow drops the incoming order and journals the drop.
func (s *Session) submitProposal(o *models.ProposedOrder, refPrice float64) {
	if err := o.Validate(refPrice); err != nil {
		s.Log.Warnw("strategy proposal rejected", "order_id", o.ID, "error", err)
		metrics.IncOrder("rejected")
		s.journalEvent("reject", map[string]string{"order_id": o.ID, "reason": err.Error()})
		return
	}
	if s.draining.Load() {
		return
	}
	if !s.queue.enqueue(o) {
		s.Log.Warnw("execution queue full, order dropped", "order_id", o.ID)
		s.journalEvent("drop", map[string]string{"order_id": o.ID})
	}
}

// dispatcherTask is the sole mutator of the Broker. It pairs each
// closed candle with at most one queued order and forwards the
// resulting facts to the journal.
func (s *Session) dispatcherTask() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case c := <-s.candleCh:
			var order *models.ProposedOrder
			if order = s.queue.tryDequeue(); order != nil {
				s.mu.Lock()
				s.ordersSeen++
				s.mu.Unlock()
			}
			fills, exits, err := s.Broker.OnCandle(ctx, c, order)
			s.recordResults(fills, exits)
			if err != nil {
				s.handleBrokerErr(order, err)
			}
		case t := <-s.tickCh:
			exits, err := s.Broker.OnTick(ctx, t)
			s.recordResults(nil, exits)
			if err != nil {
				s.noteError("dispatcher", err)
			}
		}
	}
}

func (s *Session) recordResults(fills []models.Fill, exits []models.Exit) {
	for i := range fills {
		s.journalFill(&fills[i])
		s.Log.Infow("fill",
			"order_id", fills[i].OrderID, "side", fills[i].Side,
			"qty", fills[i].Quantity, "price", fills[i].Price, "partial", fills[i].Partial)
	}
	for i := range exits {
		s.journalExit(&exits[i])
		s.Log.Infow("exit",
			"trade_id", exits[i].TradeID, "reason", exits[i].Reason,
			"qty", exits[i].Quantity, "price", exits[i].Price, "pnl", exits[i].PnL)
	}
}

// handleBrokerErr separates order rejections, which are journaled
// facts, from real failures, which charge the error budget.
func (s *Session) handleBrokerErr(order *models.ProposedOrder, err error) {
	if errors.Is(err, broker.ErrDuplicateOrder) || errors.Is(err, broker.ErrRiskRejected) {
		id := ""
		if order != nil {
			id = order.ID
		}
		s.Log.Warnw("order rejected", "order_id", id, "reason", err)
		s.journalEvent("reject", map[string]string{"order_id": id, "reason": err.Error()})
		return
	}
	s.noteError("dispatcher", err)
}

// heartbeatTask recomputes the equity aggregates, refreshes liveness
// (watchdog file + run lock) and trips the drawdown kill switch.
func (s *Session) heartbeatTask() {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	beats := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			beats++
			s.beat(beats)
		}
	}
}

func (s *Session) beat(n int) {
	s.touchWatchdogFile()
	if s.Lock != nil {
		if err := s.Lock.Refresh(); err != nil {
			s.Log.Warnw("run lock refresh failed", "error", err)
		}
	}

	s.mu.Lock()
	price := s.lastPrice
	s.mu.Unlock()
	if price <= 0 {
		return // no market data yet
	}

	unrealized := s.Broker.UnrealizedPnL(price)
	equity := s.Broker.Equity(price)

	s.mu.Lock()
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	drawdown := s.peakEquity - equity
	if drawdown > s.maxDrawdown {
		s.maxDrawdown = drawdown
	}
	s.mu.Unlock()

	metrics.SetEquity(equity)
	metrics.SetUnrealized(unrealized)
	metrics.SetDrawdown(drawdown)
	metrics.SetQueueDepth(s.queue.depth())

	// Journal at a coarser cadence than the heartbeat itself.
	if n%10 == 1 {
		s.journalEvent("heartbeat", map[string]float64{
			"equity": equity, "unrealized": unrealized, "drawdown": drawdown,
		})
	}

	if limit := s.Config.Risk.MaxDrawdown; limit > 0 && drawdown >= limit {
		s.Log.Errorw("drawdown ceiling breached, tripping kill switch",
			"drawdown", drawdown, "limit", limit)
		s.RequestShutdown(StopDrawdown)
	}
}

func (s *Session) touchWatchdogFile() {
	path := s.Config.Session.WatchdogFile
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		s.Log.Warnw("watchdog file write failed", "path", path, "error", err)
	}
}

// staleGuardTask watches market-data freshness. Past the soft threshold
// it restarts the provider with backoff, a bounded number of times;
// past the hard threshold (or out of attempts) it stops the session.
func (s *Session) staleGuardTask() {
	ticker := time.NewTicker(s.staleCheckEvery)
	defer ticker.Stop()

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	restarts := 0
	var nextRestart time.Time

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastEventAt)
			s.mu.Unlock()

			switch {
			case silent >= s.staleHard:
				s.Log.Errorw("market data stale beyond hard threshold",
					"silent", silent, "threshold", s.staleHard)
				s.RequestShutdown(StopStaleData)
				return

			case silent >= s.staleSoft:
				if time.Now().Before(nextRestart) {
					continue
				}
				limit := s.Config.Session.ProviderRestartMax
				if limit > 0 && restarts >= limit {
					s.Log.Errorw("provider restart attempts exhausted", "attempts", restarts)
					s.RequestShutdown(StopStaleData)
					return
				}
				restarts++
				nextRestart = time.Now().Add(b.Duration())
				s.Log.Warnw("market data silent, restarting provider",
					"silent", silent, "attempt", restarts)
				metrics.IncReconnect()
				if err := s.Stream.Restart(context.Background()); err != nil {
					s.Log.Errorw("provider restart failed", "error", err)
					s.noteError("stale-guard", err)
				}

			default:
				restarts = 0
				b.Reset()
			}
		}
	}
}

// killSwitchTask polls the external stop controls: an environment
// variable and a marker file, either one trips the session.
func (s *Session) killSwitchTask() {
	sc := s.Config.Session
	if sc.KillSwitchEnv == "" && sc.KillSwitchFile == "" {
		return
	}
	ticker := time.NewTicker(s.killPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if sc.KillSwitchEnv != "" && os.Getenv(sc.KillSwitchEnv) != "" {
				s.Log.Warnw("kill switch tripped via environment", "var", sc.KillSwitchEnv)
				s.RequestShutdown(StopKillSwitch)
				return
			}
			if sc.KillSwitchFile != "" {
				if _, err := os.Stat(sc.KillSwitchFile); err == nil {
					s.Log.Warnw("kill switch tripped via file", "path", sc.KillSwitchFile)
					s.RequestShutdown(StopKillSwitch)
					return
				}
			}
		}
	}
}

// timerTask ends the session after the configured duration. A zero
// duration runs until another stop condition fires (replay mode).
func (s *Session) timerTask() {
	if s.duration <= 0 {
		<-s.done
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.duration):
		s.RequestShutdown(StopSessionComplete)
	}
}

// checkpointerTask persists the snapshots on a fixed cadence. The
// ticker itself coalesces: a slow save simply absorbs the next beat.
func (s *Session) checkpointerTask() {
	ticker := time.NewTicker(s.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.saveSnapshot()
		}
	}
}
