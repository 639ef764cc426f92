package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"

	"cryptosim/internal/cache"
	"cryptosim/internal/exception"
	"cryptosim/models"
)

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameKline
	FrameTrade
	FrameDepth
	FrameMiniTicker
	FrameAck
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameKline:
		return "kline"
	case FrameTrade:
		return "trade"
	case FrameDepth:
		return "depth"
	case FrameMiniTicker:
		return "mini_ticker"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// envelope covers both inbound shapes: the combined-stream wrapper
// {stream, data} and a bare payload carrying its event type in "e". Control
// acknowledgements arrive as {result, id}. EventTime is declared so that
// "E" never falls back to a case-insensitive match on "e". A refused
// control request comes back as {error: {code, msg}, id}.
type envelope struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime json.RawMessage `json:"E"`
	Result    json.RawMessage `json:"result"`
	Error     *controlError   `json:"error"`
	ID        *int64          `json:"id"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// frame is a classified inbound message.
type frame struct {
	kind    FrameKind
	stream  string
	payload json.RawMessage
	id      int64
	err     *controlError
}

// depthPayload is the diff-depth push. Partial book streams use the long
// field names and carry no symbol.
type depthPayload struct {
	Event     string     `json:"e"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
	BidsLong  [][]string `json:"bids"`
	AsksLong  [][]string `json:"asks"`
	EventTime int64      `json:"E"`
}

// classify decodes the outer shape of raw and decides its kind.
func classify(raw []byte) (frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return frame{}, fmt.Errorf("%w: empty frame", exception.ErrMalformedFrame)
	}
	if trimmed[0] == '[' {
		return frame{kind: FrameMiniTicker, payload: trimmed}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return frame{}, fmt.Errorf("%w: %v", exception.ErrMalformedFrame, err)
	}

	f := frame{stream: env.Stream, payload: env.Data}
	if len(env.Data) == 0 {
		if env.ID != nil && env.Event == "" {
			if env.Error != nil {
				return frame{kind: FrameError, id: *env.ID, err: env.Error}, nil
			}
			return frame{kind: FrameAck, id: *env.ID}, nil
		}
		f.stream = env.Event
		f.payload = trimmed
	}

	var event string
	if len(f.payload) > 0 && f.payload[0] == '[' {
		f.kind = FrameMiniTicker
		return f, nil
	}
	if env.Stream != "" {
		var inner struct {
			Event string `json:"e"`
		}
		_ = json.Unmarshal(f.payload, &inner)
		event = inner.Event
	} else {
		event = env.Event
	}

	s := f.stream
	switch {
	case strings.Contains(s, "miniTicker"):
		f.kind = FrameMiniTicker
	case strings.Contains(s, "kline") || event == "kline":
		f.kind = FrameKline
	case strings.Contains(s, "depth") || event == "depthUpdate":
		f.kind = FrameDepth
	case strings.Contains(s, "trade") || event == "trade":
		f.kind = FrameTrade
	default:
		f.kind = FrameUnknown
	}
	return f, nil
}

// symbolFromStream returns the upper-cased symbol prefix of a stream name
// such as "btcusdt@depth".
func symbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return ""
}

func parseFloat(field, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return f, nil
}

type klineUpdate struct {
	symbol   string
	interval string
	candle   models.Candle
}

func decodeKline(f frame) (klineUpdate, error) {
	var ev binance.WsKlineEvent
	if err := json.Unmarshal(f.payload, &ev); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline: %v", exception.ErrMalformedFrame, err)
	}
	k := ev.Kline
	symbol := ev.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}
	if symbol == "" {
		symbol = symbolFromStream(f.stream)
	}
	interval := k.Interval
	if interval == "" {
		if i := strings.Index(f.stream, "@kline_"); i >= 0 {
			interval = f.stream[i+len("@kline_"):]
		}
	}
	if symbol == "" || interval == "" || k.StartTime == 0 {
		return klineUpdate{}, fmt.Errorf("%w: kline missing symbol, interval or open time", exception.ErrMalformedFrame)
	}

	c := models.Candle{OpenTime: k.StartTime, Closed: k.IsFinal}
	var err error
	if c.Open, err = parseFloat("open", k.Open); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline %v", exception.ErrMalformedFrame, err)
	}
	if c.High, err = parseFloat("high", k.High); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline %v", exception.ErrMalformedFrame, err)
	}
	if c.Low, err = parseFloat("low", k.Low); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline %v", exception.ErrMalformedFrame, err)
	}
	if c.Close, err = parseFloat("close", k.Close); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline %v", exception.ErrMalformedFrame, err)
	}
	if c.Volume, err = parseFloat("volume", k.Volume); err != nil {
		return klineUpdate{}, fmt.Errorf("%w: kline %v", exception.ErrMalformedFrame, err)
	}
	return klineUpdate{symbol: strings.ToUpper(symbol), interval: interval, candle: c}, nil
}

func decodeTrade(f frame) (models.TradeTapeEntry, error) {
	var ev binance.WsTradeEvent
	if err := json.Unmarshal(f.payload, &ev); err != nil {
		return models.TradeTapeEntry{}, fmt.Errorf("%w: trade: %v", exception.ErrMalformedFrame, err)
	}
	symbol := ev.Symbol
	if symbol == "" {
		symbol = symbolFromStream(f.stream)
	}
	if symbol == "" {
		return models.TradeTapeEntry{}, fmt.Errorf("%w: trade missing symbol", exception.ErrMalformedFrame)
	}
	price, err := parseFloat("price", ev.Price)
	if err != nil {
		return models.TradeTapeEntry{}, fmt.Errorf("%w: trade %v", exception.ErrMalformedFrame, err)
	}
	qty, err := parseFloat("quantity", ev.Quantity)
	if err != nil {
		return models.TradeTapeEntry{}, fmt.Errorf("%w: trade %v", exception.ErrMalformedFrame, err)
	}
	return models.TradeTapeEntry{
		TradeID:  ev.TradeID,
		Symbol:   strings.ToUpper(symbol),
		Price:    price,
		Quantity: qty,
		ExecTime: ev.TradeTime,
	}, nil
}

func decodeDepth(f frame, levels int, now time.Time) (string, models.DepthSnapshot, error) {
	var p depthPayload
	if err := json.Unmarshal(f.payload, &p); err != nil {
		return "", models.DepthSnapshot{}, fmt.Errorf("%w: depth: %v", exception.ErrMalformedFrame, err)
	}
	symbol := p.Symbol
	if symbol == "" {
		symbol = symbolFromStream(f.stream)
	}
	if symbol == "" {
		return "", models.DepthSnapshot{}, fmt.Errorf("%w: depth missing symbol", exception.ErrMalformedFrame)
	}
	rawBids, rawAsks := p.Bids, p.Asks
	if rawBids == nil && rawAsks == nil {
		rawBids, rawAsks = p.BidsLong, p.AsksLong
	}
	bids, err := cache.ParseLevels(rawBids, levels)
	if err != nil {
		return "", models.DepthSnapshot{}, fmt.Errorf("%w: bids: %v", exception.ErrMalformedFrame, err)
	}
	asks, err := cache.ParseLevels(rawAsks, levels)
	if err != nil {
		return "", models.DepthSnapshot{}, fmt.Errorf("%w: asks: %v", exception.ErrMalformedFrame, err)
	}
	return strings.ToUpper(symbol), models.DepthSnapshot{Bids: bids, Asks: asks, CapturedAt: now}, nil
}

// decodeMiniTickers converts the all-symbols push into ticker snapshots.
// Entries that fail to parse are skipped; the count of skipped entries is
// returned alongside.
func decodeMiniTickers(f frame, now time.Time) ([]models.TickerSnapshot, int, error) {
	var events binance.WsAllMiniMarketsStatEvent
	if err := json.Unmarshal(f.payload, &events); err != nil {
		return nil, 0, fmt.Errorf("%w: mini ticker: %v", exception.ErrMalformedFrame, err)
	}
	out := make([]models.TickerSnapshot, 0, len(events))
	skipped := 0
	for _, ev := range events {
		if ev == nil || ev.Symbol == "" {
			skipped++
			continue
		}
		last, err1 := strconv.ParseFloat(ev.LastPrice, 64)
		open, err2 := strconv.ParseFloat(ev.OpenPrice, 64)
		vol, err3 := strconv.ParseFloat(ev.BaseVolume, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			skipped++
			continue
		}
		out = append(out, models.TickerSnapshot{
			Symbol:        strings.ToUpper(ev.Symbol),
			Price:         last,
			Volume:        vol,
			PercentChange: percentChange(open, last),
			CapturedAt:    now,
		})
	}
	return out, skipped, nil
}

// percentChange is (close-open)/open*100 rounded to two decimals.
func percentChange(open, last float64) float64 {
	if open == 0 {
		return 0
	}
	return math.Round((last-open)/open*100*100) / 100
}
