package eventbus

import "errors"

var ErrHandlerPanic = errors.New("event handler panicked")
