package ratelimit

import "errors"

// Limiter rejections.
var (
	ErrRateLimited       = errors.New("rate limit reached")
	ErrDailyLimitReached = errors.New("daily file limit reached")
)
