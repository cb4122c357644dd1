package crawler

import "errors"

var (
	// ErrInvalidPing is returned for a ping without an absolute http(s)
	// client URL.
	ErrInvalidPing = errors.New("invalid ping")

	// ErrPingDenied is returned when the client URL matches the deny list.
	ErrPingDenied = errors.New("client url is denied")

	// ErrRateLimited is returned when the source address or the client URL
	// has exceeded its ping rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrShuttingDown is returned for work cut short or refused because
	// the crawler is stopping.
	ErrShuttingDown = errors.New("crawler is shutting down")
)
