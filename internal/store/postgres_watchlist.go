package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cryptosim/internal/exception"
	"cryptosim/models"
)

type watchlistRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"size:64;not null;index"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (watchlistRecord) TableName() string { return "watchlists" }

// watchlistSymbolRecord keeps insertion order in Position.
type watchlistSymbolRecord struct {
	WatchlistID string `gorm:"primaryKey;size:36"`
	Symbol      string `gorm:"primaryKey;size:32"`
	Position    int    `gorm:"not null"`
}

func (watchlistSymbolRecord) TableName() string { return "watchlist_symbols" }

func (p *Postgres) CreateWatchlist(ctx context.Context, w models.Watchlist) (models.Watchlist, error) {
	if w.ID == "" || w.UserID == "" {
		return models.Watchlist{}, fmt.Errorf("watchlist id and user id are required")
	}
	now := time.Now().UTC()
	rec := watchlistRecord{ID: w.ID, UserID: w.UserID, Name: w.Name, CreatedAt: now, UpdatedAt: now}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert watchlist: %w", err)
		}
		for i, sym := range w.Symbols {
			if err := tx.Create(&watchlistSymbolRecord{WatchlistID: w.ID, Symbol: sym, Position: i}).Error; err != nil {
				return fmt.Errorf("insert watchlist symbol %s: %w", sym, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.Watchlist{}, err
	}
	return toWatchlist(rec, w.Symbols), nil
}

func (p *Postgres) ListWatchlists(ctx context.Context, userID string) ([]models.Watchlist, error) {
	q := p.db.WithContext(ctx).Order("created_at, id")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var recs []watchlistRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list watchlists %s: %w", userID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	var syms []watchlistSymbolRecord
	if err := p.db.WithContext(ctx).Where("watchlist_id IN ?", ids).Order("position").Find(&syms).Error; err != nil {
		return nil, fmt.Errorf("list watchlist symbols: %w", err)
	}
	byList := make(map[string][]string, len(recs))
	for _, s := range syms {
		byList[s.WatchlistID] = append(byList[s.WatchlistID], s.Symbol)
	}
	out := make([]models.Watchlist, len(recs))
	for i, r := range recs {
		out[i] = toWatchlist(r, byList[r.ID])
	}
	return out, nil
}

func (p *Postgres) AddWatchlistSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, bool, error) {
	var (
		out     models.Watchlist
		changed bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadWatchlist(tx, userID, id)
		if err != nil {
			return err
		}
		if w.Has(symbol) {
			out = w
			return nil
		}
		pos, err := nextPosition(tx, id)
		if err != nil {
			return err
		}
		rec := watchlistSymbolRecord{WatchlistID: id, Symbol: symbol, Position: pos}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert watchlist symbol %s: %w", symbol, err)
		}
		w.Symbols = append(w.Symbols, symbol)
		w.UpdatedAt, err = touchWatchlist(tx, id)
		if err != nil {
			return err
		}
		out, changed = w, true
		return nil
	})
	if err != nil {
		return models.Watchlist{}, false, err
	}
	return out, changed, nil
}

func (p *Postgres) RemoveWatchlistSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, bool, error) {
	var (
		out     models.Watchlist
		changed bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadWatchlist(tx, userID, id)
		if err != nil {
			return err
		}
		if !w.Has(symbol) {
			out = w
			return nil
		}
		err = tx.Where("watchlist_id = ? AND symbol = ?", id, symbol).Delete(&watchlistSymbolRecord{}).Error
		if err != nil {
			return fmt.Errorf("delete watchlist symbol %s: %w", symbol, err)
		}
		kept := w.Symbols[:0]
		for _, s := range w.Symbols {
			if s != symbol {
				kept = append(kept, s)
			}
		}
		w.Symbols = kept
		w.UpdatedAt, err = touchWatchlist(tx, id)
		if err != nil {
			return err
		}
		out, changed = w, true
		return nil
	})
	if err != nil {
		return models.Watchlist{}, false, err
	}
	return out, changed, nil
}

func (p *Postgres) DeleteWatchlist(ctx context.Context, userID, id string) (models.Watchlist, error) {
	var out models.Watchlist
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadWatchlist(tx, userID, id)
		if err != nil {
			return err
		}
		if err := tx.Where("watchlist_id = ?", id).Delete(&watchlistSymbolRecord{}).Error; err != nil {
			return fmt.Errorf("delete watchlist symbols: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&watchlistRecord{}).Error; err != nil {
			return fmt.Errorf("delete watchlist: %w", err)
		}
		out = w
		return nil
	})
	if err != nil {
		return models.Watchlist{}, err
	}
	return out, nil
}

// loadWatchlist locks the watchlist row for the rest of the transaction.
func loadWatchlist(tx *gorm.DB, userID, id string) (models.Watchlist, error) {
	var rec watchlistRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", id, userID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Watchlist{}, fmt.Errorf("watchlist %s: %w", id, exception.ErrNotFound)
		}
		return models.Watchlist{}, fmt.Errorf("load watchlist %s: %w", id, err)
	}
	var syms []watchlistSymbolRecord
	if err := tx.Where("watchlist_id = ?", id).Order("position").Find(&syms).Error; err != nil {
		return models.Watchlist{}, fmt.Errorf("load watchlist symbols %s: %w", id, err)
	}
	symbols := make([]string, len(syms))
	for i, s := range syms {
		symbols[i] = s.Symbol
	}
	return toWatchlist(rec, symbols), nil
}

func touchWatchlist(tx *gorm.DB, id string) (time.Time, error) {
	now := time.Now().UTC()
	if err := tx.Model(&watchlistRecord{}).Where("id = ?", id).Update("updated_at", now).Error; err != nil {
		return time.Time{}, fmt.Errorf("touch watchlist %s: %w", id, err)
	}
	return now, nil
}

func nextPosition(tx *gorm.DB, id string) (int, error) {
	var last sql.NullInt64
	err := tx.Model(&watchlistSymbolRecord{}).Where("watchlist_id = ?", id).Select("MAX(position)").Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("watchlist %s position: %w", id, err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64) + 1, nil
}

func toWatchlist(r watchlistRecord, symbols []string) models.Watchlist {
	return models.Watchlist{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Symbols:   append(make([]string, 0, len(symbols)), symbols...),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
