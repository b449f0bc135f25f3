package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable: every provider for a unit failed and no cached value exists.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceDegraded: a stale cached value was served.
	ErrSourceDegraded = errors.New("source degraded")
	// ErrClassificationUnavailable: the analyzer failed; a placeholder verdict was used.
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrDeliveryFailed: a channel did not deliver a job.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrConfigurationInvalid is fatal at startup.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

// SourceUnavailableError carries the providers that were tried for a unit.
type SourceUnavailableError struct {
	Protocol string
	Class    MetricClass
	Attempts []string
}

func (e *SourceUnavailableError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrSourceUnavailable, UnitKey(e.Protocol, e.Class))
	if len(e.Attempts) > 0 {
		msg += " (tried " + strings.Join(e.Attempts, ", ") + ")"
	}
	return msg
}

func (e *SourceUnavailableError) Unwrap() error { return ErrSourceUnavailable }

// DeliveryError wraps a channel failure for a job.
type DeliveryError struct {
	Channel string
	JobID   string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: channel %s job %s: not delivered", ErrDeliveryFailed, e.Channel, e.JobID)
	}
	return fmt.Sprintf("%s: channel %s job %s: %v", ErrDeliveryFailed, e.Channel, e.JobID, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeliveryFailed}
	}
	return []error{ErrDeliveryFailed, e.Err}
}

// ConfigError reports one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfigurationInvalid, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfigurationInvalid }

// InvalidConfig is a shorthand for building a *ConfigError.
func InvalidConfig(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
