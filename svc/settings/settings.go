// Package settings turns the flat key/value settings table into a typed
// snapshot read once per operation.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
)

// Keys stored in the settings table.
const (
	KeyKofiToken     = "kofi_verification_token"
	KeyPrice1Month   = "kofi_1_month_price"
	KeyPrice3Months  = "kofi_3_month_price"
	KeyPrice6Months  = "kofi_6_month_price"
	KeyPaymentModel  = "payment_model"
	KeyServerName    = "server_name"
	KeyAdminUsername = "admin_username"
)

// PaymentModel selects which user rows a payment extends.
type PaymentModel string

const (
	PerServer  PaymentModel = "per_server"
	AllServers PaymentModel = "all_servers"
)

var ErrInvalidAmount = errors.New("settings: invalid amount")

// Prices holds the tier prices in minor units. Zero means unset.
type Prices struct {
	One   int64
	Three int64
	Six   int64
}

// Months maps an exact amount to a tier, checking the longest tier first.
func (p Prices) Months(cents int64) (int, bool) {
	switch {
	case p.Six > 0 && cents == p.Six:
		return 6, true
	case p.Three > 0 && cents == p.Three:
		return 3, true
	case p.One > 0 && cents == p.One:
		return 1, true
	}
	return 0, false
}

// Snapshot is an immutable view of all settings.
type Snapshot struct {
	KofiToken     string
	Prices        Prices
	PaymentModel  PaymentModel
	ServerName    string
	AdminUsername string
}

// HasPricing reports whether any tier is configured.
func (s Snapshot) HasPricing() bool {
	return s.Prices.One > 0 || s.Prices.Three > 0 || s.Prices.Six > 0
}

// Reader loads every setting in one call.
type Reader interface {
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Load reads the table once. Malformed prices are logged and treated as unset.
func Load(ctx context.Context, r Reader, log *slog.Logger) (Snapshot, error) {
	raw, err := r.ListSettings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return FromMap(ctx, raw, log), nil
}

// FromMap builds a snapshot from raw values.
func FromMap(ctx context.Context, raw map[string]string, log *slog.Logger) Snapshot {
	s := Snapshot{
		KofiToken:     strings.TrimSpace(raw[KeyKofiToken]),
		PaymentModel:  PerServer,
		ServerName:    raw[KeyServerName],
		AdminUsername: raw[KeyAdminUsername],
	}
	if PaymentModel(raw[KeyPaymentModel]) == AllServers {
		s.PaymentModel = AllServers
	}

	price := func(key string) int64 {
		v := strings.TrimSpace(raw[key])
		if v == "" {
			return 0
		}
		cents, err := ParseAmount(v)
		if err != nil || cents <= 0 {
			if log != nil {
				log.WarnContext(ctx, "ignoring malformed price setting", slog.String("key", key), slog.String("value", v))
			}
			return 0
		}
		return cents
	}
	s.Prices = Prices{
		One:   price(KeyPrice1Month),
		Three: price(KeyPrice3Months),
		Six:   price(KeyPrice6Months),
	}
	return s
}

// ParseAmount converts a decimal string with at most two fraction digits into
// minor units without going through floating point. "5", "5.0" and "5.00"
// are all 500.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || (hasFrac && (!digits(frac) || len(frac) > 2)) {
		return 0, ErrInvalidAmount
	}
	if len(frac) == 1 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > (1<<62)/100 {
		return 0, ErrInvalidAmount
	}
	var f int64
	if frac != "" {
		f, _ = strconv.ParseInt(frac, 10, 64)
	}
	return w*100 + f, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatAmount renders minor units as "12.34".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + leftPad(strconv.FormatInt(cents%100, 10))
}

func leftPad(s string) string {
	if len(s) < 2 {
		return "0" + s
	}
	return s
}
