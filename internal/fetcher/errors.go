package fetcher

import "errors"

// Fetch-stage error kinds. The poller matches on these with errors.Is to
// decide logging detail; all of them are recoverable via backoff.
var (
	ErrNetwork      = errors.New("network error")
	ErrTimeout      = errors.New("request timed out")
	ErrUnauthorized = errors.New("unauthorized")
	ErrParse        = errors.New("unparseable content")
)
