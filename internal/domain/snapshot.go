package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricClass names a category of data fetched per protocol.
type MetricClass string

const (
	ClassMarket      MetricClass = "market"
	ClassNetwork     MetricClass = "network"
	ClassProposals   MetricClass = "proposals"
	ClassDeFi        MetricClass = "defi"
	ClassDevelopment MetricClass = "development"
	ClassSocial      MetricClass = "social"
)

// KnownClasses lists every class the engine understands, in display order.
func KnownClasses() []MetricClass {
	return []MetricClass{ClassMarket, ClassNetwork, ClassProposals, ClassDeFi, ClassDevelopment, ClassSocial}
}

func (c MetricClass) Valid() bool {
	for _, k := range KnownClasses() {
		if c == k {
			return true
		}
	}
	return false
}

// Tier ranks providers. Lower Rank is tried first.
type Tier string

const (
	TierPremium Tier = "premium"
	TierFree    Tier = "free"
)

func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 0
	case TierFree:
		return 1
	default:
		return 2
	}
}

func (t Tier) Valid() bool { return t == TierPremium || t == TierFree }

// MetricSnapshot is an immutable fetched value for one (protocol, class) pair.
type MetricSnapshot struct {
	Protocol   string          `json:"protocol"`
	Class      MetricClass     `json:"class"`
	Payload    json.RawMessage `json:"payload"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	SourceTier Tier            `json:"sourceTier"`
	SourceName string          `json:"sourceName"`
}

// Key is the cache and lock key for the snapshot.
func (s MetricSnapshot) Key() string { return UnitKey(s.Protocol, s.Class) }

// Proposals decodes the payload of a proposals snapshot.
func (s MetricSnapshot) Proposals() ([]ProposalRecord, error) {
	if s.Class != ClassProposals {
		return nil, fmt.Errorf("snapshot %s is not a proposals snapshot", s.Key())
	}
	var out []ProposalRecord
	if len(s.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode proposals payload: %w", err)
	}
	for i := range out {
		out[i] = out[i].Normalize(s.Protocol)
	}
	return out, nil
}

// UnitKey joins protocol and class into the canonical "protocol/class" key.
func UnitKey(protocol string, class MetricClass) string {
	return protocol + "/" + string(class)
}

// DataSource is the runtime view of a configured provider.
type DataSource struct {
	Name                string        `json:"name"`
	Tier                Tier          `json:"tier"`
	RateBudget          int           `json:"rateBudget"`
	Window              time.Duration `json:"window"`
	BaseURL             string        `json:"baseUrl"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt,omitzero"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Disabled            bool          `json:"disabled"`
	DisabledUntil       time.Time     `json:"disabledUntil,omitzero"`
}
