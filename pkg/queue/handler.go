package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type (
	// Handler processes one task kind.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	TaskHandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewTaskHandler adapts a typed function. Tasks are routed by payload type:
// enqueueing an invite.PostJoin value reaches the handler built for it.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return &taskHandler[T]{
		name:    TaskName(payload),
		handler: handler,
	}
}

type taskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *taskHandler[T]) Name() string {
	return h.name
}

func (h *taskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return errors.Join(ErrPayloadDecode, fmt.Errorf("%s: %w", h.name, err))
	}
	return h.handler(ctx, t)
}

// TaskName returns the routing name for a payload value, pointer or not.
func TaskName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
