package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("improper token was passed")
	ErrNotFound     = errors.New("resource not found")
	ErrServer       = errors.New("unexpected response status")
	ErrNetwork      = errors.New("request failed to reach the server")
	ErrInvalidRoute = errors.New("route is missing a parameter")
)

// Error is returned for responses that are not retried. It unwraps to one of
// ErrBadRequest, ErrUnauthorized, ErrNotFound or ErrServer.
type Error struct {
	Message *discord.ErrorMessage
	Method  string
	Path    string
	Body    []byte
	Status  int
}

func newError(method, path string, status int, body []byte) *Error {
	message := &discord.ErrorMessage{}

	// Not every error body is JSON.
	_ = crustjson.Unmarshal(body, message)

	return &Error{
		Message: message,
		Method:  method,
		Path:    path,
		Body:    body,
		Status:  status,
	}
}

func (e *Error) Error() string {
	if e.Message != nil && e.Message.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Message.Message)
	}

	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrServer
	}
}
