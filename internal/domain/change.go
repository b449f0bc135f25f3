package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ChangeKind classifies a detected transition.
type ChangeKind string

const (
	ChangeNew            ChangeKind = "New"
	ChangeStatusChanged  ChangeKind = "StatusChanged"
	ChangeContentChanged ChangeKind = "ContentChanged"
)

// ChangeEvent is produced once per distinct transition of a proposal.
type ChangeEvent struct {
	Protocol       string     `json:"protocol"`
	ProposalID     string     `json:"proposalId"`
	Kind           ChangeKind `json:"changeKind"`
	PreviousStatus Status     `json:"previousStatus,omitempty"`
	NewStatus      Status     `json:"newStatus"`
	DetectedAt     time.Time  `json:"detectedAt"`

	// Carried for rendering only.
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Key identifies the transition independent of when it was detected.
func (e ChangeEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s>%s", e.Protocol, e.ProposalID, e.Kind, e.PreviousStatus, e.NewStatus)
}

// DedupKey hashes (protocol, proposalId, changeKind, day).
func (e ChangeEvent) DedupKey(day string) string {
	h := sha256.Sum256([]byte(e.Protocol + "|" + e.ProposalID + "|" + string(e.Kind) + "|" + day))
	return hex.EncodeToString(h[:])
}

// Severity is the impact verdict attached to a change.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Rank orders severities; higher is more severe. Unknown values rank below Low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity is case-insensitive and also accepts the major/minor wording.
func ParseSeverity(raw string) (Severity, bool) {
	switch normalizeWord(raw) {
	case "critical":
		return SeverityCritical, true
	case "high", "major":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low", "minor":
		return SeverityLow, true
	}
	return "", false
}

// AtLeast reports whether s is as severe as min. An empty min admits everything.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

// ImpactAssessment is the classifier verdict for one ChangeEvent.
type ImpactAssessment struct {
	EventKey       string    `json:"eventKey"`
	Severity       Severity  `json:"severity"`
	BreakingChange bool      `json:"breakingChange"`
	Summary        string    `json:"summary"`
	ClassifiedAt   time.Time `json:"classifiedAt"`
	// Placeholder marks the default verdict used when classification was unavailable.
	Placeholder bool `json:"placeholder,omitempty"`
}

// PlaceholderAssessment is the Low/non-breaking verdict used whenever classification fails.
func PlaceholderAssessment(ev ChangeEvent, now time.Time) ImpactAssessment {
	return ImpactAssessment{
		EventKey:     ev.Key(),
		Severity:     SeverityLow,
		Summary:      "classification unavailable",
		ClassifiedAt: now,
		Placeholder:  true,
	}
}
