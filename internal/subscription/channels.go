package subscription

import (
	"sort"
	"strings"
)

// MiniTickerChannel is the all-symbols mini-ticker push. It is subscribed on
// every connection and is never part of the per-symbol active set.
const MiniTickerChannel = "!miniTicker@arr"

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// ControlMessage is the upstream control frame.
type ControlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Channels returns the stream names required to watch symbol: its trade
// and depth channels plus one kline channel per interval, deduplicated.
func Channels(symbol string, intervals []string) []string {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	if sym == "" {
		return nil
	}
	out := []string{sym + "@trade", sym + "@depth"}
	seen := map[string]struct{}{}
	for _, iv := range intervals {
		iv = strings.TrimSpace(iv)
		if iv == "" {
			continue
		}
		if _, dup := seen[iv]; dup {
			continue
		}
		seen[iv] = struct{}{}
		out = append(out, sym+"@kline_"+iv)
	}
	return out
}

// channelSet is the active set. Callers hold Manager.mu.
type channelSet map[string]struct{}

// add marks channels active and returns those that were not active before.
func (s channelSet) add(channels []string) []string {
	var delta []string
	for _, ch := range channels {
		if _, ok := s[ch]; ok {
			continue
		}
		s[ch] = struct{}{}
		delta = append(delta, ch)
	}
	return delta
}

// remove drops channels and returns those that were active.
func (s channelSet) remove(channels []string) []string {
	var delta []string
	for _, ch := range channels {
		if _, ok := s[ch]; !ok {
			continue
		}
		delete(s, ch)
		delta = append(delta, ch)
	}
	return delta
}

func (s channelSet) sorted() []string {
	out := make([]string, 0, len(s))
	for ch := range s {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
