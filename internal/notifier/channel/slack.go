package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"govwatch/internal/domain"
)

type SlackConfig struct {
	WebhookURL string
	Username   string
	IconEmoji  string
	Timeout    time.Duration
}

// SlackChannel posts to an incoming webhook. Recipients, when given, are
// channel overrides ("#gov-alerts"); otherwise the webhook default is used.
type SlackChannel struct {
	cfg SlackConfig
	hc  *http.Client
}

func NewSlack(cfg SlackConfig) (*SlackChannel, error) {
	if err := validateHTTPURL(cfg.WebhookURL); err != nil {
		return nil, fmt.Errorf("slack webhook: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SlackChannel{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (s *SlackChannel) Name() string { return Slack }

func (s *SlackChannel) Send(ctx context.Context, recipients []string, p domain.Payload) (bool, error) {
	text := p.Markdown
	if text == "" {
		text = p.Text
	}
	if len(recipients) == 0 {
		if err := s.post(ctx, "", text); err != nil {
			return false, err
		}
		return true, nil
	}

	var (
		delivered []string
		errs      []error
	)
	for _, ch := range recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.post(ctx, ch, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		delivered = append(delivered, ch)
	}
	return sendResult(delivered, errs)
}

func (s *SlackChannel) post(ctx context.Context, ch, text string) error {
	msg := &slack.WebhookMessage{
		Username:  s.cfg.Username,
		IconEmoji: s.cfg.IconEmoji,
		Channel:   ch,
		Text:      text,
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.hc, msg); err != nil {
		return fmt.Errorf("slack webhook %s: %w", RedactURL(s.cfg.WebhookURL), err)
	}
	return nil
}
