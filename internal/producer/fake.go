package producer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"govwatch/internal/domain"
)

// Fake is an in-memory Producer for tests.
type Fake struct {
	ID string

	mu        sync.Mutex
	proposals map[string][]domain.ProposalRecord
	metrics   map[string]json.RawMessage
	err       error
	delay     time.Duration
	calls     int
}

func NewFake(name string) *Fake {
	return &Fake{ID: name, proposals: map[string][]domain.ProposalRecord{}, metrics: map[string]json.RawMessage{}}
}

func (f *Fake) Name() string { return f.ID }

func (f *Fake) SetProposals(protocol string, recs []domain.ProposalRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals[protocol] = recs
}

func (f *Fake) SetMetric(protocol string, class domain.MetricClass, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[domain.UnitKey(protocol, class)] = json.RawMessage(payload)
}

// SetError makes every call fail with err (nil restores success).
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay makes every call wait d or until ctx is done.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) begin(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	d, err := f.delay, f.err
	f.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (f *Fake) FetchProposals(ctx context.Context, protocol string) ([]domain.ProposalRecord, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, ok := f.proposals[protocol]
	if !ok {
		return nil, ErrUnsupported
	}
	out := make([]domain.ProposalRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Normalize(protocol)
	}
	return out, nil
}

func (f *Fake) FetchMetric(ctx context.Context, protocol string, class domain.MetricClass) (json.RawMessage, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.metrics[domain.UnitKey(protocol, class)]
	if !ok {
		return nil, ErrUnsupported
	}
	return p, nil
}
