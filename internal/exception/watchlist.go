package exception

import "errors"

var ErrInvalidWatchlist = errors.New("watchlist: invalid request")
