package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"govwatch/internal/domain"
)

var errFakeFailure = errors.New("fake send failure")

type Delivery struct {
	Recipients []string
	Payload    domain.Payload
}

// Fake records deliveries and can be told to fail. Safe for concurrent use.
type Fake struct {
	name string

	mu       sync.Mutex
	failNext int
	failFor  map[string]int
	always   error
	attempts int
	sent     []Delivery
}

func NewFake(name string) *Fake { return &Fake{name: name} }

func (f *Fake) Name() string { return f.name }

// FailNext makes the next n sends fail.
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

// FailRecipient makes the next n sends to recipient r fail while the other
// recipients of the same send are delivered.
func (f *Fake) FailRecipient(r string, n int) {
	f.mu.Lock()
	if f.failFor == nil {
		f.failFor = map[string]int{}
	}
	f.failFor[r] = n
	f.mu.Unlock()
}

// FailAlways makes every send fail with err; nil restores success.
func (f *Fake) FailAlways(err error) {
	f.mu.Lock()
	f.always = err
	f.mu.Unlock()
}

func (f *Fake) Send(ctx context.Context, recipients []string, p domain.Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.always != nil {
		return false, f.always
	}
	if f.failNext > 0 {
		f.failNext--
		return false, errFakeFailure
	}
	var (
		delivered []string
		errs      []error
	)
	for _, r := range recipients {
		if f.failFor[r] > 0 {
			f.failFor[r]--
			errs = append(errs, fmt.Errorf("%s: %w", r, errFakeFailure))
			continue
		}
		delivered = append(delivered, r)
	}
	if len(delivered) > 0 || len(recipients) == 0 {
		f.sent = append(f.sent, Delivery{Recipients: delivered, Payload: p})
	}
	return sendResult(delivered, errs)
}

func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *Fake) Sent() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.sent...)
}
