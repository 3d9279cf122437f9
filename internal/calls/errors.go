package calls

import "errors"

var ErrInvalidEvent = errors.New("calls: invalid event")
