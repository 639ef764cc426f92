// Package watchlist manages per-user named watchlists and keeps the market
// feed subscribed to every symbol that at least one watchlist references.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cryptosim/internal/exception"
	"cryptosim/internal/store"
	"cryptosim/logger"
	"cryptosim/models"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionList   Action = "list"
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionDelete Action = "delete"
)

// Request is one watchlist operation as it arrives on the intake topic.
type Request struct {
	Action      Action `json:"action"`
	UserID      string `json:"userId"`
	WatchlistID string `json:"watchlistId,omitempty"`
	Name        string `json:"name,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
}

// Subscriber is the feed side of the service.
type Subscriber interface {
	Subscribe(symbol string, intervals []string) []string
	Unsubscribe(symbol string, intervals []string) []string
}

type Options struct {
	QuoteAsset string

	// Intervals are the kline intervals subscribed for a watched symbol.
	Intervals []string

	// Pinned symbols are subscribed elsewhere and never unsubscribed here.
	Pinned []string

	Logger *logger.Log
	NewID  func() string
}

// Service owns the symbol reference counts. Every store write and the feed
// call it implies happen under one lock so counts never drift from the
// stored watchlists.
type Service struct {
	store     store.Store
	feed      Subscriber
	quote     string
	intervals []string
	pinned    map[string]bool
	newID     func() string
	log       *logger.Log

	mu   sync.Mutex
	refs map[string]int
}

func NewService(st store.Store, feed Subscriber, opts Options) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("watchlist service requires a store")
	}
	if feed == nil {
		return nil, fmt.Errorf("watchlist service requires a subscriber")
	}
	s := &Service{
		store:     st,
		feed:      feed,
		quote:     strings.ToUpper(opts.QuoteAsset),
		intervals: append([]string(nil), opts.Intervals...),
		pinned:    make(map[string]bool, len(opts.Pinned)),
		newID:     opts.NewID,
		log:       opts.Logger,
		refs:      make(map[string]int),
	}
	if s.quote == "" {
		s.quote = "USDT"
	}
	if len(s.intervals) == 0 {
		s.intervals = []string{"1m"}
	}
	for _, sym := range opts.Pinned {
		s.pinned[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.log == nil {
		s.log = logger.GetLogger()
	}
	return s, nil
}

// Restore subscribes every symbol referenced by a stored watchlist. Call it
// once after the feed has started.
func (s *Service) Restore(ctx context.Context) error {
	lists, err := s.store.ListWatchlists(ctx, "")
	if err != nil {
		return fmt.Errorf("restore watchlists: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range lists {
		for _, sym := range w.Symbols {
			s.retain(sym)
		}
	}
	s.log.WithComponent("watchlist").WithFields(logger.Fields{
		"watchlists": len(lists),
		"symbols":    len(s.refs),
	}).Info("watchlists restored")
	return nil
}

func (s *Service) Create(ctx context.Context, userID, name string) (models.Watchlist, error) {
	userID, name = strings.TrimSpace(userID), strings.TrimSpace(name)
	if userID == "" {
		return models.Watchlist{}, fmt.Errorf("%w: user id is required", exception.ErrInvalidWatchlist)
	}
	if name == "" {
		return models.Watchlist{}, fmt.Errorf("%w: watchlist name is required", exception.ErrInvalidWatchlist)
	}
	return s.store.CreateWatchlist(ctx, models.Watchlist{
		ID:      s.newID(),
		UserID:  userID,
		Name:    name,
		Symbols: []string{},
	})
}

func (s *Service) List(ctx context.Context, userID string) ([]models.Watchlist, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", exception.ErrInvalidWatchlist)
	}
	return s.store.ListWatchlists(ctx, userID)
}

func (s *Service) AddSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, error) {
	sym, err := s.symbol(symbol)
	if err != nil {
		return models.Watchlist{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, changed, err := s.store.AddWatchlistSymbol(ctx, userID, id, sym)
	if err != nil {
		return models.Watchlist{}, err
	}
	if changed {
		s.retain(sym)
	}
	return w, nil
}

func (s *Service) RemoveSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, error) {
	sym, err := s.symbol(symbol)
	if err != nil {
		return models.Watchlist{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, changed, err := s.store.RemoveWatchlistSymbol(ctx, userID, id, sym)
	if err != nil {
		return models.Watchlist{}, err
	}
	if changed {
		s.release(sym)
	}
	return w, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.store.DeleteWatchlist(ctx, userID, id)
	if err != nil {
		return err
	}
	for _, sym := range w.Symbols {
		s.release(sym)
	}
	return nil
}

// Apply runs req and returns the user's watchlists afterwards.
func (s *Service) Apply(ctx context.Context, req Request) ([]models.Watchlist, error) {
	var err error
	switch req.Action {
	case ActionCreate:
		_, err = s.Create(ctx, req.UserID, req.Name)
	case ActionList:
	case ActionAdd:
		_, err = s.AddSymbol(ctx, req.UserID, req.WatchlistID, req.Symbol)
	case ActionRemove:
		_, err = s.RemoveSymbol(ctx, req.UserID, req.WatchlistID, req.Symbol)
	case ActionDelete:
		err = s.Delete(ctx, req.UserID, req.WatchlistID)
	default:
		err = fmt.Errorf("%w: unknown action %q", exception.ErrInvalidWatchlist, req.Action)
	}
	if err != nil {
		return nil, err
	}
	return s.List(ctx, req.UserID)
}

// Watched reports how many watchlist entries reference symbol.
func (s *Service) Watched(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[strings.ToUpper(symbol)]
}

func (s *Service) symbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := models.SplitSymbol(sym, s.quote); !ok {
		return "", fmt.Errorf("%w: symbol %q must end in %s", exception.ErrInvalidWatchlist, raw, s.quote)
	}
	return sym, nil
}

// retain and release must be called with mu held.
func (s *Service) retain(sym string) {
	s.refs[sym]++
	if s.refs[sym] == 1 && !s.pinned[sym] {
		s.feed.Subscribe(sym, s.intervals)
	}
}

func (s *Service) release(sym string) {
	n := s.refs[sym]
	if n == 0 {
		return
	}
	if n == 1 {
		delete(s.refs, sym)
		if !s.pinned[sym] {
			s.feed.Unsubscribe(sym, s.intervals)
		}
		return
	}
	s.refs[sym] = n - 1
}

// IsInvalid reports whether err is a request the caller must fix.
func IsInvalid(err error) bool {
	return errors.Is(err, exception.ErrInvalidWatchlist) || errors.Is(err, exception.ErrNotFound)
}
