package notifier

import (
	"errors"
	"time"

	"govwatch/internal/domain"
	"govwatch/internal/notifier/channel"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the delivery pipeline.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	// RatePerSec limits sends per channel.
	RatePerSec    int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor int
	BackoffMax    time.Duration
	SendTimeout   time.Duration
	HistoryWindow time.Duration
	HistoryMax    int
	// Location decides the dedup day. Defaults to UTC.
	Location  *time.Location
	Protocols map[string]ProtocolInfo
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 4
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 32 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 48 * time.Hour
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = 1000
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Route binds a channel to its recipients and severity gate.
type Route struct {
	Channel     channel.Channel
	Recipients  []string
	MinSeverity domain.Severity
}

// NotificationEvent is the bus payload for notifier lifecycle events.
type NotificationEvent struct {
	JobID      string    `json:"job_id,omitempty"`
	Channel    string    `json:"channel"`
	DedupKey   string    `json:"dedup_key"`
	Protocol   string    `json:"protocol"`
	ProposalID string    `json:"proposal_id"`
	Attempt    int       `json:"attempt,omitempty"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

// backoff returns the delay before the attempt after the given one.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= time.Duration(c.BackoffFactor)
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}
