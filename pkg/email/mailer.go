// Package email sends plain-text operator emails through Postmark, or writes
// them to disk during development.
package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var addressRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Sender delivers one message.
type Sender interface {
	SendEmail(ctx context.Context, msg Message) error
}

// Message is a plain-text email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Tag     string `json:"tag,omitempty"`
}

// Validate checks the fields every sender needs.
func (m Message) Validate() error {
	if !addressRegex.MatchString(strings.TrimSpace(m.To)) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidMessage, m.To)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	return nil
}
