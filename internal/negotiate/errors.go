package negotiate

import "errors"

var (
	ErrRateLimited = errors.New("rate limited by negotiate endpoint")
	ErrAuthFailed  = errors.New("api key rejected")
)
