package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary yml file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Feed.ReconnectDelay != 3*time.Second {
		t.Errorf("unexpected reconnect delay: %s", cfg.Feed.ReconnectDelay)
	}
	if cfg.Subscription.ControlInterval != 200*time.Millisecond {
		t.Errorf("unexpected control interval: %s", cfg.Subscription.ControlInterval)
	}
	if cfg.Cache.CandleLimit != 100 || cfg.Cache.TradeLimit != 50 || cfg.Cache.DepthLevels != 10 {
		t.Errorf("unexpected cache limits: %+v", cfg.Cache)
	}
	if cfg.Execution.StaleAfter != 10*time.Second {
		t.Errorf("unexpected stale threshold: %s", cfg.Execution.StaleAfter)
	}
	if cfg.Execution.QuoteAsset != "USDT" || cfg.Execution.InitialBalance != 100000 {
		t.Errorf("unexpected execution defaults: %+v", cfg.Execution)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("BINANCE_WS_URL", "ws://localhost:9999/stream")

	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.Redis.Addr != "redis:6380" {
		t.Errorf("redis addr not overridden: %s", cfg.Cache.Redis.Addr)
	}
	if len(cfg.Distribution.Kafka.Brokers) != 2 || cfg.Distribution.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("kafka brokers not overridden: %v", cfg.Distribution.Kafka.Brokers)
	}
	if cfg.Feed.URL != "ws://localhost:9999/stream" {
		t.Errorf("feed url not overridden: %s", cfg.Feed.URL)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":  "app:\n  version: \"1\"\n",
		"bad cache":     minimalConfig + "cache:\n  backend: \"memcached\"\n",
		"bad storage":   minimalConfig + "storage:\n  backend: \"mysql\"\n",
		"kafka brokers": minimalConfig + "distribution:\n  kafka:\n    enabled: true\n",
		"feed scheme":   minimalConfig + "feed:\n  url: \"https://example.com\"\n",
		"s3 bucket":     minimalConfig + "storage:\n  s3:\n    enabled: true\n    region: \"us-east-1\"\n    bucket: \"Bad..Bucket\"\n",
	}
	for name, content := range cases {
		path := writeTempConfig(t, content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadWatchlist(t *testing.T) {
	content := `symbols:
  - symbol: btcusdt
    intervals: ["1m", "5m"]
  - symbol: ETHUSDT
`
	path := writeTempConfig(t, content)
	wl, err := LoadWatchlist(path)
	if err != nil {
		t.Fatalf("LoadWatchlist failed: %v", err)
	}
	if len(wl.Symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(wl.Symbols))
	}
	if wl.Symbols[0].Symbol != "BTCUSDT" {
		t.Errorf("symbol not normalised: %s", wl.Symbols[0].Symbol)
	}
	if got := wl.Symbols[1].IntervalsFor([]string{"1m"}); len(got) != 1 || got[0] != "1m" {
		t.Errorf("unexpected fallback intervals: %v", got)
	}
}

func TestLoadWatchlistDuplicate(t *testing.T) {
	path := writeTempConfig(t, "symbols:\n  - symbol: BTCUSDT\n  - symbol: btcusdt\n")
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatalf("expected duplicate symbol error")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(def, def); got != prod {
		t.Errorf("ResolvePath = %s, want %s", got, prod)
	}
	if got := ResolvePath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Errorf("explicit path overridden: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(def, def); got != def {
		t.Errorf("ResolvePath without env file = %s, want %s", got, def)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
