package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"govwatch/internal/domain"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// TelegramChannel sends plain text messages to chat ids through the bot API.
// Recipients are chat ids in decimal form.
type TelegramChannel struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramChannel{bot: b}, nil
}

func (t *TelegramChannel) Name() string { return Telegram }

func (t *TelegramChannel) Send(ctx context.Context, recipients []string, p domain.Payload) (bool, error) {
	if len(recipients) == 0 {
		return false, ErrNoRecipients
	}
	text := p.Text
	if p.Subject != "" {
		text = p.Subject + "\n\n" + text
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true}

	var (
		delivered []string
		errs      []error
	)
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, err := strconv.ParseInt(strings.TrimSpace(r), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat id %q: %w", r, err))
			continue
		}
		if _, err := t.bot.Send(&tele.Chat{ID: id}, text, opt); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
			continue
		}
		delivered = append(delivered, r)
	}
	return sendResult(delivered, errs)
}
