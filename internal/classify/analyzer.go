// Package classify assigns an ImpactAssessment to each ChangeEvent. Analyzer
// backends produce verdicts; Client adds the timeout, the per-cycle budget,
// the deferred queue and the placeholder fallback.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"govwatch/internal/domain"
)

var ErrMalformedVerdict = errors.New("malformed verdict")

// Request is the input of one analysis.
type Request struct {
	Event    domain.ChangeEvent
	Proposal domain.ProposalRecord
	// ProtocolName is the display name, e.g. "Ethereum".
	ProtocolName string
}

// Verdict is what an analyzer returns. It doubles as the structured output
// schema for LLM backends.
type Verdict struct {
	Severity       string `json:"severity" jsonschema:"enum=Critical,enum=High,enum=Medium,enum=Low" jsonschema_description:"Impact on node operators, wallets and dapps"`
	BreakingChange bool   `json:"breaking_change" jsonschema_description:"True when existing clients or contracts stop working unchanged"`
	Summary        string `json:"summary" jsonschema_description:"One or two sentences for an operator"`
}

type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Verdict, error)
}

// Assessment validates v and converts it.
func (v Verdict) Assessment(ev domain.ChangeEvent, now time.Time) (domain.ImpactAssessment, error) {
	sev, ok := domain.ParseSeverity(v.Severity)
	if !ok {
		return domain.ImpactAssessment{}, fmt.Errorf("%w: severity %q", ErrMalformedVerdict, v.Severity)
	}
	return domain.ImpactAssessment{
		EventKey:       ev.Key(),
		Severity:       sev,
		BreakingChange: v.BreakingChange,
		Summary:        strings.TrimSpace(v.Summary),
		ClassifiedAt:   now,
	}, nil
}

type chain []Analyzer

// Chain tries each analyzer in order and returns the first verdict.
func Chain(as ...Analyzer) Analyzer {
	out := make(chain, 0, len(as))
	for _, a := range as {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (c chain) Name() string {
	names := make([]string, len(c))
	for i, a := range c {
		names[i] = a.Name()
	}
	return strings.Join(names, ">")
}

func (c chain) Analyze(ctx context.Context, req Request) (Verdict, error) {
	var errs []error
	for _, a := range c {
		v, err := a.Analyze(ctx, req)
		if err == nil {
			if _, ok := domain.ParseSeverity(v.Severity); ok {
				return v, nil
			}
			err = fmt.Errorf("%w: severity %q", ErrMalformedVerdict, v.Severity)
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Verdict{}, errors.New("no analyzer configured")
	}
	return Verdict{}, errors.Join(errs...)
}
