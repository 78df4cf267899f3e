package engine

import "errors"

var (
	ErrUnknownMessage = errors.New("engine: unknown message kind")
	ErrNoStop         = errors.New("engine: executor returned without stop")
	ErrStopped        = errors.New("engine: stopped")
)
