package statemachine

import "errors"

var (
	ErrInvalidState       = errors.New("statemachine: initial state is required")
	ErrInvalidTransition  = errors.New("statemachine: from, to and event are required")
	ErrNoTransition       = errors.New("statemachine: no transition available")
	ErrTransitionRejected = errors.New("statemachine: transition rejected by guard")
	ErrActionFailed       = errors.New("statemachine: action failed")
)
