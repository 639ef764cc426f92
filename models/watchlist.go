package models

import "time"

// Watchlist is a named set of symbols owned by one user. Symbols keep the
// order they were added in.
type Watchlist struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Symbols   []string  `json:"symbols"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (w Watchlist) Has(symbol string) bool {
	for _, s := range w.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (w Watchlist) Clone() Watchlist {
	w.Symbols = append(make([]string, 0, len(w.Symbols)), w.Symbols...)
	return w
}
