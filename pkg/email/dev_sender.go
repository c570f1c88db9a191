package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DevSender writes each message as a JSON file instead of sending it.
type DevSender struct {
	dir string
	now func() time.Time
}

func NewDevSender(dir string) *DevSender {
	return &DevSender{dir: dir, now: time.Now}
}

type devRecord struct {
	Timestamp string `json:"timestamp"`
	Message
}

func (d *DevSender) SendEmail(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrFailedToSendEmail, err)
	}

	now := d.now()
	id := msg.Tag
	if id == "" {
		id = msg.Subject
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("2006_01_02_150405.000"), sanitizeFilename(id))

	data, err := json.MarshalIndent(devRecord{Timestamp: now.Format(time.RFC3339), Message: msg}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrFailedToSendEmail, err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("%w: write file: %v", ErrFailedToSendEmail, err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

func sanitizeFilename(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ReplaceAll(s, " ", "_"), "")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "email"
	}
	return strings.ToLower(s)
}
