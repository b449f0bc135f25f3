package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"govwatch/internal/domain"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends multipart text+html mail through an SMTP relay.
type EmailChannel struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmail(cfg EmailConfig) (*EmailChannel, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}, nil
}

func (e *EmailChannel) Name() string { return Email }

func (e *EmailChannel) Send(ctx context.Context, recipients []string, p domain.Payload) (bool, error) {
	if len(recipients) == 0 {
		return false, ErrNoRecipients
	}
	msg, err := e.message(recipients, p)
	if err != nil {
		return false, err
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// net/smtp has no context support; abandon the call when ctx ends.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, e.cfg.From, recipients, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("smtp %s: %w", addr, err)
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *EmailChannel) message(to []string, p domain.Payload) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct {
		ctype string
		text  string
	}{
		{"text/plain; charset=utf-8", p.Text},
		{"text/html; charset=utf-8", p.HTML},
	}
	for _, part := range parts {
		if part.text == "" {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", part.ctype)
		h.Set("Content-Transfer-Encoding", "8bit")
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.text)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", p.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
