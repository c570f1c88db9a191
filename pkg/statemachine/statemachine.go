// Package statemachine implements a small finite state machine whose guards
// explain why a transition was refused.
//
// Transitions for the same state and event are evaluated in registration order
// and the first one whose guards all pass wins. Actions run before the state
// changes; a failing action leaves the machine where it was.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State names a machine state.
type State string

// Event names a trigger.
type Event string

// Guard approves a transition by returning nil.
type Guard func(ctx context.Context, from State, event Event, data any) error

// Action performs the side effect of a transition.
type Action func(ctx context.Context, from, to State, event Event, data any) error

// Transition is one edge of the machine.
type Transition struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard
	Actions []Action
}

// Option registers transitions during construction.
type Option func(*Machine) error

// WithTransition registers an edge.
func WithTransition(from, to State, event Event, guards []Guard, actions ...Action) Option {
	return func(m *Machine) error {
		return m.AddTransition(Transition{From: from, To: to, Event: event, Guards: guards, Actions: actions})
	}
}

// Machine is safe for concurrent use. Fire holds the lock for the whole
// transition, so actions must not call back into the same machine.
type Machine struct {
	mu          sync.Mutex
	initial     State
	current     State
	transitions map[State]map[Event][]Transition
}

// New builds a machine in the initial state.
func New(initial State, opts ...Option) (*Machine, error) {
	if initial == "" {
		return nil, ErrInvalidState
	}
	m := &Machine{
		initial:     initial,
		current:     initial,
		transitions: make(map[State]map[Event][]Transition),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics.
func MustNew(initial State, opts ...Option) *Machine {
	m, err := New(initial, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// AddTransition registers an edge after construction.
func (m *Machine) AddTransition(t Transition) error {
	if t.From == "" || t.To == "" || t.Event == "" {
		return ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transitions[t.From]; !ok {
		m.transitions[t.From] = make(map[Event][]Transition)
	}
	m.transitions[t.From][t.Event] = append(m.transitions[t.From][t.Event], t)
	return nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire applies event. A refusal wraps ErrTransitionRejected together with the
// first guard error so callers can match either.
func (m *Machine) Fire(ctx context.Context, event Event, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.pick(ctx, event, data)
	if err != nil {
		return err
	}
	for _, action := range t.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, m.current, t.To, event, data); err != nil {
			return errors.Join(ErrActionFailed, err)
		}
	}
	m.current = t.To
	return nil
}

// CanFire reports whether event would be accepted, without running actions.
func (m *Machine) CanFire(ctx context.Context, event Event, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.pick(ctx, event, data)
	return err
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.current = m.initial
	m.mu.Unlock()
}

func (m *Machine) pick(ctx context.Context, event Event, data any) (Transition, error) {
	candidates := m.transitions[m.current][event]
	if len(candidates) == 0 {
		return Transition{}, fmt.Errorf("%w: state %q event %q", ErrNoTransition, m.current, event)
	}

	var firstErr error
	for _, t := range candidates {
		if err := checkGuards(ctx, t, m.current, event, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return t, nil
	}
	return Transition{}, errors.Join(ErrTransitionRejected, firstErr)
}

func checkGuards(ctx context.Context, t Transition, from State, event Event, data any) error {
	for _, guard := range t.Guards {
		if guard == nil {
			continue
		}
		if err := guard(ctx, from, event, data); err != nil {
			return err
		}
	}
	return nil
}
