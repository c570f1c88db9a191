package logger

import "log/slog"

// Error records err under "error". A nil error yields an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the local user identifier under "user_id".
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

// ServerID records the media server identifier under "server_id".
func ServerID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("server_id", id)
}

// RequestID records the request identifier under "request_id".
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func InviteCode(code string) slog.Attr {
	return slog.String("invite_code", code)
}

func TransactionID(id string) slog.Attr {
	return slog.String("transaction_id", id)
}

func Email(email string) slog.Attr {
	return slog.String("email", email)
}

func Vendor(v string) slog.Attr {
	return slog.String("vendor", v)
}

// Component records the subsystem name under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event records a named domain event under "event".
func Event(name string) slog.Attr {
	return slog.String("event", name)
}
