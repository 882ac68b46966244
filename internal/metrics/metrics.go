// Package metrics – Prometheus metrics for session observability.
//
// Primary series updated during a trading session:
//   - session_equity            – current equity snapshot (gauge)
//   - session_unrealized_pnl    – unrealized PnL at the last mark (gauge)
//   - session_drawdown          – drawdown from peak equity (gauge)
//   - session_queue_depth       – execution queue depth (gauge)
//   - session_breaker_state     – circuit breaker state (0 closed, 1 open, 2 half-open)
//   - session_candles_total     – closed candles consumed
//   - session_ticks_total       – ticks consumed
//   - session_orders_total{outcome} – proposed orders by outcome (accepted|rejected|dropped|duplicate)
//   - session_fills_total / session_exits_total{reason}
//   - session_api_errors_total{kind} – classified upstream errors
//   - session_retries_total{op} – retry attempts per operation
//   - session_reconnects_total  – market stream reconnects
//
// Registered in init() and served at /metrics when a listen address is
// configured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_equity",
			Help: "Current equity in quote currency",
		},
	)

	mtxUnrealized = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_unrealized_pnl",
			Help: "Unrealized PnL at the last mark price",
		},
	)

	mtxDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_drawdown",
			Help: "Drawdown from peak equity",
		},
	)

	mtxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_queue_depth",
			Help: "Execution queue depth",
		},
	)

	mtxBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	mtxCandles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_candles_total",
			Help: "Closed candles consumed",
		},
	)

	mtxTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_ticks_total",
			Help: "Ticks consumed",
		},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_orders_total",
			Help: "Proposed orders by outcome",
		},
		[]string{"outcome"}, // accepted|rejected|dropped|duplicate
	)

	mtxFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_fills_total",
			Help: "Entry fills (including partials)",
		},
	)

	mtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_exits_total",
			Help: "Position exits split by reason",
		},
		[]string{"reason"},
	)

	mtxAPIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_api_errors_total",
			Help: "Classified upstream errors",
		},
		[]string{"kind"}, // transient|rate_limit|auth|unknown
	)

	mtxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_retries_total",
			Help: "Retry attempts per operation",
		},
		[]string{"op"},
	)

	mtxReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reconnects_total",
			Help: "Market stream reconnects",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxEquity, mtxUnrealized, mtxDrawdown, mtxQueueDepth, mtxBreakerState)
	prometheus.MustRegister(mtxCandles, mtxTicks, mtxFills)
	prometheus.MustRegister(mtxOrders, mtxExits, mtxAPIErrors, mtxRetries)
	prometheus.MustRegister(mtxReconnects)
}

// Helper setters used across packages.

func SetEquity(v float64)        { mtxEquity.Set(v) }
func SetUnrealized(v float64)    { mtxUnrealized.Set(v) }
func SetDrawdown(v float64)      { mtxDrawdown.Set(v) }
func SetQueueDepth(n int)        { mtxQueueDepth.Set(float64(n)) }
func SetBreakerState(s int)      { mtxBreakerState.Set(float64(s)) }
func IncCandles()                { mtxCandles.Inc() }
func IncTicks()                  { mtxTicks.Inc() }
func IncOrder(outcome string)    { mtxOrders.WithLabelValues(outcome).Inc() }
func IncFill()                   { mtxFills.Inc() }
func IncExit(reason string)      { mtxExits.WithLabelValues(reason).Inc() }
func IncAPIError(kind string)    { mtxAPIErrors.WithLabelValues(kind).Inc() }
func IncRetry(op string)         { mtxRetries.WithLabelValues(op).Inc() }
func IncReconnect()              { mtxReconnects.Inc() }

// Serve starts a /metrics listener on addr. The returned server is already
// serving; the caller shuts it down on session end. Errors other than
// http.ErrServerClosed are reported through errFn.
func Serve(addr string, errFn func(error)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errFn != nil {
				errFn(err)
			}
		}
	}()
	return srv
}
