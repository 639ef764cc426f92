// Registers:
//
//	#cryptosim_feed_frames_total{kind}
//	#cryptosim_feed_frames_dropped_total
//	#cryptosim_feed_reconnects_total
//	#cryptosim_feed_degraded
//	#cryptosim_control_frames_total{method}
//	#cryptosim_orders_total{side,result}
//	#cryptosim_settlement_seconds
//	#cryptosim_events_dropped_total
//
// and exposes them, plus go_* and process_*, on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptosim/logger"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	registry      *prometheus.Registry
	frames        *prometheus.CounterVec
	framesDropped prometheus.Counter
	reconnects    prometheus.Counter
	degraded      prometheus.Gauge
	controlFrames *prometheus.CounterVec
	orders        *prometheus.CounterVec
	settlement    prometheus.Histogram
	eventsDropped prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptosim_feed_frames_total",
			Help: "Inbound exchange frames by classified kind",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptosim_feed_frames_dropped_total",
			Help: "Inbound frames dropped because the dispatch queue was full",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptosim_feed_reconnects_total",
			Help: "Exchange websocket reconnect attempts",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptosim_feed_degraded",
			Help: "1 when the feed gave up reconnecting",
		}),
		controlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptosim_control_frames_total",
			Help: "SUBSCRIBE/UNSUBSCRIBE frames written to the exchange",
		}, []string{"method"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptosim_orders_total",
			Help: "Order execution attempts by side and result",
		}, []string{"side", "result"}),
		settlement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptosim_settlement_seconds",
			Help:    "Time spent inside the serialized settlement step",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptosim_events_dropped_total",
			Help: "Distribution events dropped for slow subscribers",
		}),
	}
	m.registry.MustRegister(
		m.frames, m.framesDropped, m.reconnects, m.degraded,
		m.controlFrames, m.orders, m.settlement, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetDegraded(v bool) {
	if m == nil {
		return
	}
	if v {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

func (m *Metrics) ControlFrame(method string) {
	if m == nil {
		return
	}
	m.controlFrames.WithLabelValues(method).Inc()
}

// Order counts an execution attempt. result is "filled" or the rejection reason.
func (m *Metrics) Order(side, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, result).Inc()
}

func (m *Metrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settlement.Observe(d.Seconds())
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
