package channel

import (
	"context"

	"github.com/gen2brain/beeep"

	"govwatch/internal/domain"
)

// DesktopChannel raises an OS notification popup on the host running govwatch.
type DesktopChannel struct {
	notify func(title, message string) error
}

func NewDesktop() *DesktopChannel {
	return &DesktopChannel{notify: func(title, message string) error {
		return beeep.Notify(title, message, "")
	}}
}

func (d *DesktopChannel) Name() string { return Desktop }

func (d *DesktopChannel) Send(ctx context.Context, _ []string, p domain.Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := d.notify(p.Subject, p.Text); err != nil {
		return false, err
	}
	return true, nil
}
