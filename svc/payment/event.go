package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Event is one Ko-fi webhook delivery.
type Event struct {
	VerificationToken string `json:"verification_token"`
	MessageID         string `json:"message_id"`
	TransactionID     string `json:"kofi_transaction_id"`
	Type              string `json:"type"`
	Amount            string `json:"-"`
	Currency          string `json:"currency"`
	FromName          string `json:"from_name"`
	Message           string `json:"message"`
	Email             string `json:"email"`
}

// ParseEvent decodes the form-encoded webhook body. The payload lives in
// the data field as JSON; a top level verification_token overrides the
// one inside it.
func ParseEvent(form url.Values) (Event, error) {
	raw := strings.TrimSpace(form.Get("data"))
	if raw == "" {
		return Event{}, ErrNoData
	}

	var payload struct {
		Event
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Event{}, errors.Join(ErrInvalidData, err)
	}
	ev := payload.Event
	amount, err := rawAmount(payload.Amount)
	if err != nil {
		return Event{}, err
	}
	ev.Amount = amount
	if tok := strings.TrimSpace(form.Get("verification_token")); tok != "" {
		ev.VerificationToken = tok
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// rawAmount accepts both "5.00" and 5.00 since senders disagree.
func rawAmount(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.Join(ErrInvalidData, err)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Join(ErrInvalidData, err)
	}
	return n.String(), nil
}

func (e Event) validate() error {
	required := []struct {
		name, value string
	}{
		{"message_id", e.MessageID},
		{"kofi_transaction_id", e.TransactionID},
		{"amount", e.Amount},
		{"currency", e.Currency},
		{"from_name", e.FromName},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return errors.Join(ErrInvalidData, fmt.Errorf("missing field %s", f.name))
		}
	}
	return nil
}
