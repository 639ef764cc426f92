package exception

import "errors"

var (
	ErrConnectionFailure = errors.New("feed: connection failure")
	ErrNotConnected      = errors.New("feed: not connected")
	ErrMalformedFrame    = errors.New("feed: malformed frame")
)
