package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Frame("trade")
	m.FrameDropped()
	m.Reconnect()
	m.SetDegraded(true)
	m.ControlFrame("SUBSCRIBE")
	m.Order("BUY", "filled")
	m.ObserveSettlement(time.Millisecond)
	m.EventDropped()
	if m.Registry() != nil {
		t.Errorf("nil metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Frame("trade")
	m.Frame("trade")
	m.Frame("kline")
	m.ControlFrame("SUBSCRIBE")
	m.Order("SELL", "insufficient_holdings")
	m.SetDegraded(true)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"trade frames", testutil.ToFloat64(m.frames.WithLabelValues("trade")), 2},
		{"kline frames", testutil.ToFloat64(m.frames.WithLabelValues("kline")), 1},
		{"control frames", testutil.ToFloat64(m.controlFrames.WithLabelValues("SUBSCRIBE")), 1},
		{"orders", testutil.ToFloat64(m.orders.WithLabelValues("SELL", "insufficient_holdings")), 1},
		{"degraded", testutil.ToFloat64(m.degraded), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{"cryptosim_feed_frames_total", "cryptosim_orders_total"} {
		if !names[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Reconnect()
	if got := testutil.ToFloat64(a.reconnects); got != 1 {
		t.Errorf("a reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.reconnects); got != 0 {
		t.Errorf("b reconnects = %v, want 0", got)
	}
}
