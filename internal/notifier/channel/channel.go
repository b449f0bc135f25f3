// Package channel holds the delivery backends used by the notifier.
package channel

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"govwatch/internal/domain"
)

const (
	Email    = "email"
	Slack    = "slack"
	Desktop  = "desktop"
	Telegram = "telegram"
)

// ErrNoRecipients is returned when a channel that needs recipients has none.
var ErrNoRecipients = errors.New("no recipients")

// Channel delivers one rendered payload. Send reports whether the payload was
// accepted by the backend; a false result without error is treated as a
// failed attempt.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipients []string, p domain.Payload) (bool, error)
}

// PartialError reports a send that reached some recipients but not all.
// Delivered lists the recipients that got the payload; a retry should target
// only the rest.
type PartialError struct {
	Delivered []string
	Err       error
}

func (e *PartialError) Error() string { return e.Err.Error() }

func (e *PartialError) Unwrap() error { return e.Err }

// sendResult folds per-recipient outcomes into a Send return value.
func sendResult(delivered []string, errs []error) (bool, error) {
	if len(errs) == 0 {
		return true, nil
	}
	err := errors.Join(errs...)
	if len(delivered) > 0 {
		return false, &PartialError{Delivered: delivered, Err: err}
	}
	return false, err
}

// RedactURL strips the path and query from webhook URLs before logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}
