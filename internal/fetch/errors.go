package fetch

import "errors"

var (
	ErrNotFound    = errors.New("fetch endpoint not found")
	ErrRateLimited = errors.New("rate limited by broker")
	ErrAuthFailed  = errors.New("authentication failed")
)
