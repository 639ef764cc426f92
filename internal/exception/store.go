package exception

import "errors"

var (
	ErrNotFound            = errors.New("store: record not found")
	ErrInsufficientBalance = errors.New("store: balance would go negative")
)
