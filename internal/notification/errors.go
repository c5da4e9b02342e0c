package notification

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid notification message")
	ErrNoEntities     = errors.New("notification references no entities")
	ErrInvalidMove    = errors.New("move requires distinct, valid parent collections")
)
