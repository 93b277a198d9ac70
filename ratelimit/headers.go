package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
	HeaderDate       = "Date"
)

// Headers is the quota information carried by one response.
type Headers struct {
	Reset      time.Time
	Bucket     string
	Scope      string
	ResetAfter time.Duration
	RetryAfter time.Duration
	Remaining  int
	Limit      int

	HasRemaining  bool
	HasLimit      bool
	HasReset      bool
	HasResetAfter bool
	HasRetryAfter bool
	Global        bool
}

// HasQuota reports whether the response carried any per-bucket state.
func (h Headers) HasQuota() bool {
	return h.HasRemaining || h.HasLimit || h.HasReset || h.HasResetAfter
}

// ParseHeaders reads the ratelimit headers of a response.
func ParseHeaders(header http.Header) (h Headers, err error) {
	if v := header.Get(HeaderRemaining); v != "" {
		h.Remaining, err = strconv.Atoi(v)
		if err != nil {
			return h, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, HeaderRemaining, err)
		}

		h.HasRemaining = true
	}

	if v := header.Get(HeaderLimit); v != "" {
		h.Limit, err = strconv.Atoi(v)
		if err != nil {
			return h, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, HeaderLimit, err)
		}

		h.HasLimit = true
	}

	if v := header.Get(HeaderReset); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return h, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, HeaderReset, err)
		}

		whole, frac := math.Modf(seconds)
		h.Reset = time.Unix(int64(whole), int64(frac*float64(time.Second)))
		h.HasReset = true
	}

	if v := header.Get(HeaderResetAfter); v != "" {
		h.ResetAfter, err = parseSeconds(v)
		if err != nil {
			return h, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, HeaderResetAfter, err)
		}

		h.HasResetAfter = true
	}

	if v := header.Get(HeaderRetryAfter); v != "" {
		h.RetryAfter, err = parseSeconds(v)
		if err != nil {
			return h, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, HeaderRetryAfter, err)
		}

		h.HasRetryAfter = true
	}

	h.Bucket = header.Get(HeaderBucket)
	h.Scope = header.Get(HeaderScope)
	h.Global, _ = strconv.ParseBool(header.Get(HeaderGlobal))

	return h, nil
}

// ServerTime returns the Date header of a response, or fallback when it is
// missing or malformed.
func ServerTime(header http.Header, fallback time.Time) time.Time {
	if v := header.Get(HeaderDate); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}

	return fallback
}

func parseSeconds(v string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
