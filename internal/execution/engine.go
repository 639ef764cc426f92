// Package execution simulates market orders against the latest cached
// price and settles them into the user's wallet and positions.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptosim/config"
	"cryptosim/internal/cache"
	"cryptosim/internal/distribution"
	"cryptosim/internal/exception"
	"cryptosim/internal/metrics"
	"cryptosim/internal/store"
	"cryptosim/logger"
	"cryptosim/models"
)

const (
	defaultQuoteAsset      = "USDT"
	defaultInitialBalance  = 100000
	defaultStaleAfter      = 10 * time.Second
	defaultLiveTickTimeout = 3 * time.Second
)

// TickSource delivers the next live trade price of a symbol.
type TickSource interface {
	WaitForTick(ctx context.Context, symbol string, timeout time.Duration) (models.PricePoint, error)
}

// OrderRequest is a market order as submitted by a user.
type OrderRequest struct {
	UserID    string           `json:"userId"`
	Symbol    string           `json:"symbol"`
	Side      models.Side      `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	TradeType models.TradeType `json:"tradeType"`
}

// Fill is the outcome of a settled order.
type Fill struct {
	State       State
	Order       models.Order
	Trade       models.Trade
	Position    models.Position
	Closed      bool
	User        models.User
	RealizedPnL decimal.Decimal
	Message     string
}

type Options struct {
	Prices    cache.PriceReader
	Ticks     TickSource
	Store     store.Store
	Publisher distribution.Publisher
	Metrics   *metrics.Metrics
	Logger    *logger.Log
	Now       func() time.Time
	NewID     func() string
}

type Engine struct {
	quote           string
	initial         models.Wallet
	staleAfter      time.Duration
	waitForTick     bool
	liveTickTimeout time.Duration

	prices  cache.PriceReader
	ticks   TickSource
	store   store.Store
	pub     distribution.Publisher
	metrics *metrics.Metrics
	log     *logger.Log
	now     func() time.Time
	newID   func() string

	pool *shardPool
}

func NewEngine(cfg config.ExecutionConfig, opts Options) (*Engine, error) {
	if opts.Prices == nil {
		return nil, fmt.Errorf("execution engine requires a price reader")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("execution engine requires a store")
	}
	if cfg.WaitForLiveTick && opts.Ticks == nil {
		return nil, fmt.Errorf("wait_for_live_tick requires a tick source")
	}

	e := &Engine{
		quote:           strings.ToUpper(cfg.QuoteAsset),
		staleAfter:      cfg.StaleAfter,
		waitForTick:     cfg.WaitForLiveTick,
		liveTickTimeout: cfg.LiveTickTimeout,
		prices:          opts.Prices,
		ticks:           opts.Ticks,
		store:           opts.Store,
		pub:             opts.Publisher,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		now:             opts.Now,
		newID:           opts.NewID,
		pool:            newShardPool(cfg.Shards, 0),
	}
	if e.quote == "" {
		e.quote = defaultQuoteAsset
	}
	balance := cfg.InitialBalance
	if balance <= 0 {
		balance = defaultInitialBalance
	}
	e.initial = models.Wallet{e.quote: decimal.NewFromFloat(balance)}
	if e.staleAfter <= 0 {
		e.staleAfter = defaultStaleAfter
	}
	if e.liveTickTimeout <= 0 {
		e.liveTickTimeout = defaultLiveTickTimeout
	}
	if e.log == nil {
		e.log = logger.GetLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Execute validates, prices and settles req. Rejections are returned as
// *RejectError; a settled order is never rejected afterwards.
func (e *Engine) Execute(ctx context.Context, req OrderRequest) (*Fill, error) {
	start := e.now()
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	fill, err := e.execute(ctx, req)

	log := e.log.WithComponent("execution").WithFields(logger.Fields{
		"user_id":    req.UserID,
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"quantity":   req.Quantity.String(),
		"trade_type": string(req.TradeType),
	})
	if err != nil {
		e.metrics.Order(string(req.Side), reasonLabel(err))
		logger.IncrementOrder(false)
		var rej *RejectError
		if errors.As(err, &rej) && !errors.Is(err, exception.ErrPersistenceFailure) {
			log.WithError(err).WithField("state", string(rej.State)).Info("order rejected")
		} else {
			log.WithError(err).Error("order failed")
		}
		return nil, err
	}

	e.metrics.Order(string(req.Side), "filled")
	e.metrics.ObserveSettlement(e.now().Sub(start))
	logger.IncrementOrder(true)
	log.WithFields(logger.Fields{
		"order_id":     fill.Order.ID,
		"price":        fill.Trade.Price.String(),
		"realized_pnl": fill.RealizedPnL.String(),
	}).Info("order filled")
	return fill, nil
}

func (e *Engine) execute(ctx context.Context, req OrderRequest) (*Fill, error) {
	base, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	price, err := e.price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	key := models.PositionKey{UserID: req.UserID, Symbol: req.Symbol, TradeType: req.TradeType}
	return e.pool.do(ctx, key.String(), func() (*Fill, error) {
		if age := price.Age(e.now()); age > e.staleAfter {
			return nil, reject(StateValidated, exception.ErrStalePrice,
				"%s price is %s old, limit %s", req.Symbol, age.Round(time.Millisecond), e.staleAfter)
		}
		fill, err := e.settle(ctx, req, key, base, decimal.NewFromFloat(price.Price))
		if err != nil {
			return nil, err
		}
		e.publishFill(ctx, fill)
		return fill, nil
	})
}

func (e *Engine) validate(req OrderRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", reject(StateReceived, exception.ErrInvalidParameters, "user id is required")
	}
	base, ok := models.SplitSymbol(req.Symbol, e.quote)
	if !ok {
		return "", reject(StateReceived, exception.ErrInvalidParameters, "symbol %q must end in %s", req.Symbol, e.quote)
	}
	if !req.Side.Valid() {
		return "", reject(StateReceived, exception.ErrInvalidParameters, "side %q must be BUY or SELL", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return "", reject(StateReceived, exception.ErrInvalidParameters, "quantity must be positive, got %s", req.Quantity)
	}
	if !req.TradeType.Valid() {
		return "", reject(StateReceived, exception.ErrInvalidParameters, "trade type %q must be INTRADAY or LONG_TERM", req.TradeType)
	}
	return base, nil
}

func (e *Engine) price(ctx context.Context, symbol string) (models.PricePoint, error) {
	if e.waitForTick {
		p, err := e.ticks.WaitForTick(ctx, symbol, e.liveTickTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return models.PricePoint{}, ctx.Err()
			}
			return models.PricePoint{}, reject(StateValidated, exception.ErrNoMarketData, "%v", err)
		}
		if p.CapturedAt.IsZero() {
			p.CapturedAt = e.now()
		}
		return p, nil
	}

	p, ok, err := e.prices.LatestPrice(ctx, symbol)
	if err != nil {
		return models.PricePoint{}, reject(StateValidated, exception.ErrNoMarketData, "read price for %s: %v", symbol, err)
	}
	if !ok || p.Price <= 0 {
		return models.PricePoint{}, reject(StateValidated, exception.ErrNoMarketData, "no price cached for %s", symbol)
	}
	return p, nil
}

// settle runs on the position's shard.
func (e *Engine) settle(ctx context.Context, req OrderRequest, key models.PositionKey, base string, price decimal.Decimal) (*Fill, error) {
	// An unknown user is checked against the initial wallet and only created
	// once the order is known to fill.
	user, err := e.store.GetUser(ctx, req.UserID)
	known := err == nil
	if err != nil {
		if !errors.Is(err, exception.ErrNotFound) {
			return nil, reject(StatePriced, exception.ErrPersistenceFailure, "load user: %v", err)
		}
		user = models.User{ID: req.UserID, Wallet: e.initial.Clone()}
	}
	pos, held, err := e.store.GetPosition(ctx, key)
	if err != nil {
		return nil, reject(StatePriced, exception.ErrPersistenceFailure, "load position: %v", err)
	}

	now := e.now()
	qty := req.Quantity
	total := price.Mul(qty)

	s := store.Settlement{UserID: req.UserID}
	realized := decimal.Zero

	switch req.Side {
	case models.SideBuy:
		if bal := user.Wallet.Balance(e.quote); bal.LessThan(total) {
			return nil, reject(StatePriced, exception.ErrInsufficientFunds,
				"need %s %s, have %s", total, e.quote, bal)
		}
		if !held {
			pos = models.Position{PositionKey: key, BaseAsset: base, QuoteAsset: e.quote}
		}
		newQty := pos.Quantity.Add(qty)
		pos.AvgBuyPrice = pos.Quantity.Mul(pos.AvgBuyPrice).Add(total).Div(newQty)
		pos.Quantity = newQty
		pos.UpdatedAt = now
		s.WalletDelta = map[string]decimal.Decimal{e.quote: total.Neg(), base: qty}

	case models.SideSell:
		if !held || pos.Quantity.LessThan(qty) {
			have := decimal.Zero
			if held {
				have = pos.Quantity
			}
			return nil, reject(StatePriced, exception.ErrInsufficientHoldings,
				"sell %s %s, %s position holds %s", qty, base, key.TradeType, have)
		}
		realized = price.Sub(pos.AvgBuyPrice).Mul(qty)
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.UpdatedAt = now
		s.ClosePosition = !pos.Quantity.IsPositive()
		s.PnLDelta = realized
		s.WalletDelta = map[string]decimal.Decimal{e.quote: total, base: qty.Neg()}
	}
	s.Position = pos

	if !known {
		if _, err := e.store.EnsureUser(ctx, req.UserID, e.initial); err != nil {
			return nil, reject(StatePriced, exception.ErrPersistenceFailure, "create user: %v", err)
		}
	}

	orderID := e.newID()
	s.Order = models.Order{
		ID:        orderID,
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     price,
		Quantity:  qty,
		Total:     total,
		TradeType: req.TradeType,
		Status:    models.OrderStatusFilled,
		CreatedAt: now,
	}
	s.Trade = models.Trade{
		ID:          e.newID(),
		OrderID:     orderID,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       price,
		Quantity:    qty,
		Total:       total,
		TradeType:   req.TradeType,
		RealizedPnL: realized,
		ExecutedAt:  now,
	}

	updated, err := e.store.Settle(ctx, s)
	if err != nil {
		if errors.Is(err, exception.ErrInsufficientBalance) {
			reason := exception.ErrInsufficientFunds
			if req.Side == models.SideSell {
				reason = exception.ErrInsufficientHoldings
			}
			return nil, reject(StatePriced, reason, "%v", err)
		}
		return nil, reject(StatePriced, exception.ErrPersistenceFailure, "settle: %v", err)
	}

	return &Fill{
		State:       StateSettled,
		Order:       s.Order,
		Trade:       s.Trade,
		Position:    pos,
		Closed:      s.ClosePosition,
		User:        updated,
		RealizedPnL: realized,
		Message:     tradeMessage(s.Trade, base),
	}, nil
}

// tradeMessage is the human readable line carried by trade:executed.
func tradeMessage(t models.Trade, base string) string {
	msg := fmt.Sprintf("%s %s %s @ %s", t.Side, t.Quantity.String(), base, t.Price.String())
	if t.Side == models.SideSell {
		msg += " | PnL: " + t.RealizedPnL.StringFixed(2)
	}
	return msg
}

// publishFill emits the user events of a committed fill in order. Delivery
// failures are logged; the fill stands.
func (e *Engine) publishFill(ctx context.Context, f *Fill) {
	if e.pub == nil {
		return
	}
	userID := f.Order.UserID
	now := e.now()
	events := []distribution.Event{
		{Name: distribution.OrderFilled, UserID: userID, Payload: f.Order, EmittedAt: now},
	}
	if f.Closed {
		events = append(events, distribution.Event{
			Name:   distribution.PortfolioClosed,
			UserID: userID,
			Payload: distribution.PortfolioClosedPayload{
				Symbol:    f.Position.Symbol,
				TradeType: f.Position.TradeType,
			},
			EmittedAt: now,
		})
	} else {
		events = append(events, distribution.Event{Name: distribution.PortfolioUpdated, UserID: userID, Payload: f.Position, EmittedAt: now})
	}
	if !f.RealizedPnL.IsZero() {
		events = append(events, distribution.Event{
			Name:   distribution.PnLUpdate,
			UserID: userID,
			Payload: distribution.PnLPayload{
				Symbol:           f.Trade.Symbol,
				TradeType:        f.Trade.TradeType,
				RealizedPnL:      f.RealizedPnL,
				TotalRealizedPnL: f.User.TotalRealizedPnL,
			},
			EmittedAt: now,
		})
	}
	events = append(events, distribution.Event{
		Name:      distribution.TradeExecuted,
		UserID:    userID,
		Payload:   distribution.TradeExecutedPayload{Trade: f.Trade, Message: f.Message},
		EmittedAt: now,
	})

	for _, ev := range events {
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.log.WithComponent("execution").WithError(err).WithFields(logger.Fields{
				"event":    ev.Name,
				"user_id":  userID,
				"order_id": f.Order.ID,
			}).Warn("failed to publish execution event")
		}
	}
}

// PositionView is a position valued at the current cached price.
type PositionView struct {
	models.Position
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	Priced        bool            `json:"priced"`
}

type Portfolio struct {
	UserID             string          `json:"userId"`
	Wallet             models.Wallet   `json:"wallet"`
	TotalRealizedPnL   decimal.Decimal `json:"totalRealizedPnL"`
	TotalUnrealizedPnL decimal.Decimal `json:"totalUnrealizedPnL"`
	Positions          []PositionView  `json:"positions"`
}

// Portfolio values every open position of userID at the latest cached
// price. Positions without a price are listed with Priced false and no
// unrealized PnL.
func (e *Engine) Portfolio(ctx context.Context, userID string) (Portfolio, error) {
	user, err := e.store.EnsureUser(ctx, userID, e.initial)
	if err != nil {
		return Portfolio{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return Portfolio{}, fmt.Errorf("list positions %s: %w", userID, err)
	}

	out := Portfolio{
		UserID:             user.ID,
		Wallet:             user.Wallet,
		TotalRealizedPnL:   user.TotalRealizedPnL,
		TotalUnrealizedPnL: decimal.Zero,
		Positions:          make([]PositionView, 0, len(positions)),
	}
	for _, p := range positions {
		view := PositionView{Position: p}
		pp, ok, err := e.prices.LatestPrice(ctx, p.Symbol)
		if err != nil {
			e.log.WithComponent("execution").WithError(err).WithField("symbol", p.Symbol).Warn("price lookup failed")
		}
		if ok && pp.Price > 0 {
			view.Priced = true
			view.CurrentPrice = decimal.NewFromFloat(pp.Price)
			view.UnrealizedPnL = view.CurrentPrice.Sub(p.AvgBuyPrice).Mul(p.Quantity)
			out.TotalUnrealizedPnL = out.TotalUnrealizedPnL.Add(view.UnrealizedPnL)
		}
		out.Positions = append(out.Positions, view)
	}
	return out, nil
}

type History struct {
	Orders []models.Order `json:"orders"`
	Trades []models.Trade `json:"trades"`
}

// History lists the user's orders and trades, newest first.
func (e *Engine) History(ctx context.Context, userID string) (History, error) {
	orders, err := e.store.ListOrders(ctx, userID)
	if err != nil {
		return History{}, fmt.Errorf("list orders %s: %w", userID, err)
	}
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return History{}, fmt.Errorf("list trades %s: %w", userID, err)
	}
	return History{Orders: orders, Trades: trades}, nil
}

// Close stops the shard workers. Orders queued behind it fail with
// ErrEngineClosed.
func (e *Engine) Close() {
	e.pool.close()
}
