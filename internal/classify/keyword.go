package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"govwatch/internal/domain"
)

var (
	criticalIndicators = []string{
		"breaking change", "hard fork", "critical", "urgent", "security",
		"vulnerability", "exploit", "emergency",
	}
	majorIndicators = []string{
		"significant", "major", "important", "substantial", "enhancement",
		"improvement", "optimization", "upgrade",
	}
	minorIndicators = []string{
		"minor", "small", "fix", "patch", "cleanup", "documentation",
		"clarification", "typo",
	}
	breakingIndicators = []string{"breaking", "incompatible", "hard fork"}
)

// Keyword scores proposals from indicator words in the title and body.
// It needs no network and never fails.
type Keyword struct{}

func NewKeyword() Keyword { return Keyword{} }

func (Keyword) Name() string { return "keyword" }

func (Keyword) Analyze(_ context.Context, req Request) (Verdict, error) {
	text := strings.ToLower(req.Proposal.Title + "\n" + req.Proposal.Body)
	if req.Proposal.Title == "" {
		text = strings.ToLower(req.Event.Title)
	}
	words := tokenize(text)

	sev := domain.SeverityLow
	switch {
	case matchAny(text, words, criticalIndicators):
		sev = domain.SeverityCritical
	case matchAny(text, words, majorIndicators):
		sev = domain.SeverityHigh
	case req.Event.Kind == domain.ChangeStatusChanged &&
		(req.Event.NewStatus == domain.StatusLastCall || req.Event.NewStatus == domain.StatusFinal):
		sev = domain.SeverityMedium
	case matchAny(text, words, minorIndicators):
		sev = domain.SeverityLow
	}

	return Verdict{
		Severity:       string(sev),
		BreakingChange: matchAny(text, words, breakingIndicators),
		Summary:        summarize(req),
	}, nil
}

func summarize(req Request) string {
	ev := req.Event
	name := req.ProtocolName
	if name == "" {
		name = ev.Protocol
	}
	title := ev.Title
	if title == "" {
		title = req.Proposal.Title
	}
	switch ev.Kind {
	case domain.ChangeNew:
		return fmt.Sprintf("New %s proposal %s (%s): %s", name, ev.ProposalID, ev.NewStatus, title)
	case domain.ChangeStatusChanged:
		return fmt.Sprintf("%s proposal %s moved from %s to %s: %s", name, ev.ProposalID, ev.PreviousStatus, ev.NewStatus, title)
	default:
		return fmt.Sprintf("%s proposal %s was edited (%s): %s", name, ev.ProposalID, ev.NewStatus, title)
	}
}

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		out[w] = struct{}{}
	}
	return out
}

// matchAny matches phrases as substrings and single words as whole tokens,
// so "fix" does not fire on "prefix".
func matchAny(text string, words map[string]struct{}, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(n, " ") {
			if strings.Contains(text, n) {
				return true
			}
			continue
		}
		if _, ok := words[n]; ok {
			return true
		}
	}
	return false
}
