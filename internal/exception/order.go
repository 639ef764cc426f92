package exception

import "errors"

// Execution rejections. Each is returned synchronously to the caller and is
// never retried by the engine.
var (
	ErrInvalidParameters    = errors.New("order: invalid parameters")
	ErrNoMarketData         = errors.New("order: no market data")
	ErrStalePrice           = errors.New("order: stale price")
	ErrInsufficientFunds    = errors.New("order: insufficient funds")
	ErrInsufficientHoldings = errors.New("order: insufficient holdings")
	ErrPersistenceFailure   = errors.New("order: persistence failure")
)
