package discord

import (
	jsoniter "github.com/json-iterator/go"
)

// ErrorMessage represents the JSON error body returned by the REST API.
type ErrorMessage struct {
	Message string              `json:"message"`
	Errors  jsoniter.RawMessage `json:"errors,omitempty"`
	Code    int32               `json:"code"`
}

// TooManyRequests is the body sent alongside a 429 response.
type TooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Code       int32   `json:"code,omitempty"`
}
