package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchEntry is a symbol subscribed at startup together with its candle
// intervals. Empty Intervals falls back to subscription.default_intervals.
type WatchEntry struct {
	Symbol    string   `yaml:"symbol"`
	Intervals []string `yaml:"intervals"`
}

// Watchlist represents the full startup subscription file.
type Watchlist struct {
	Symbols []WatchEntry `yaml:"symbols"`
}

// LoadWatchlist loads the startup watchlist from the given path.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	seen := make(map[string]struct{}, len(wl.Symbols))
	for i := range wl.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(wl.Symbols[i].Symbol))
		if sym == "" {
			return nil, fmt.Errorf("watchlist entry %d: symbol is required", i)
		}
		if _, dup := seen[sym]; dup {
			return nil, fmt.Errorf("watchlist symbol %s listed twice", sym)
		}
		seen[sym] = struct{}{}
		wl.Symbols[i].Symbol = sym
	}
	return &wl, nil
}

// IntervalsFor returns the entry's intervals or the fallback when it has none.
func (e WatchEntry) IntervalsFor(fallback []string) []string {
	if len(e.Intervals) == 0 {
		return fallback
	}
	return e.Intervals
}
