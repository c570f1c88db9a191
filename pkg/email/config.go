package email

// Config holds email delivery settings. Leaving the server token empty
// disables Postmark delivery.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"NOTIFY_EMAIL_FROM"`
	DevDir               string `env:"EMAIL_DEV_DIR"`
}

// Enabled reports whether Postmark delivery is configured.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}
