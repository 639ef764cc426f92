package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("feed").WithFields(Fields{"symbol": "BTCUSDT"}).Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "symbol"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Discard()
	before := snapshot(&warnsByComp)["report_test"]
	log.WithComponent("report_test").Warn("careful")
	log.WithComponent("report_test").Warn("careful")
	if got := snapshot(&warnsByComp)["report_test"]; got != before+2 {
		t.Fatalf("warn count = %d, want %d", got, before+2)
	}
}

func TestIncrementOrder(t *testing.T) {
	f0 := reportFields()
	IncrementOrder(true)
	IncrementOrder(false)
	IncrementOrder(false)
	f1 := reportFields()
	if f1["orders_filled"].(int64)-f0["orders_filled"].(int64) != 1 {
		t.Errorf("filled delta wrong: %v -> %v", f0["orders_filled"], f1["orders_filled"])
	}
	if f1["orders_rejected"].(int64)-f0["orders_rejected"].(int64) != 2 {
		t.Errorf("rejected delta wrong: %v -> %v", f0["orders_rejected"], f1["orders_rejected"])
	}
}
