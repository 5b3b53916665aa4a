package messaging

import "errors"

var (
	ErrNotFound     = errors.New("message not found")
	ErrForbidden    = errors.New("not allowed to modify this message")
	ErrInvalidInput = errors.New("invalid message input")
)
