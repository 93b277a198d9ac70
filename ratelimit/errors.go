package ratelimit

import "errors"

var ErrInvalidHeader = errors.New("invalid ratelimit header")
