package queue

import "errors"

var (
	ErrPayloadNil            = errors.New("payload cannot be nil")
	ErrPayloadMarshal        = errors.New("failed to marshal payload to JSON")
	ErrPayloadDecode         = errors.New("failed to decode task payload")
	ErrHandlerNotFound       = errors.New("no handler registered for task type")
	ErrTaskAlreadyRegistered = errors.New("task already registered")
	ErrQueueFull             = errors.New("queue is full")
	ErrQueueClosed           = errors.New("queue is closed")
)
