package errors

import "errors"

var (
	ErrTimeout        = errors.New("timeout")
	ErrClosed         = errors.New("cache closed")
	ErrUnresolvable   = errors.New("address not resolvable")
	ErrUnknownUnit    = errors.New("unknown time unit")
	ErrUnknownBackend = errors.New("unknown event backend")
)

// ErrCircuitOpen is returned by a publisher whose broker has failed too
// often recently.
var ErrCircuitOpen = errors.New("circuit breaker is open")
