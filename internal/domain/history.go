package domain

import "time"

// UnitState is the outcome of one (protocol, class) unit inside a cycle.
type UnitState string

const (
	UnitOK        UnitState = "ok"
	UnitDegraded  UnitState = "degraded"
	UnitSkipped   UnitState = "skipped"
	UnitFailed    UnitState = "failed"
	UnitCancelled UnitState = "cancelled"
)

// UnitStatus is recorded per unit in the fetch history.
type UnitStatus struct {
	State      UnitState     `json:"status"`
	SourceName string        `json:"sourceName,omitempty"`
	SourceTier Tier          `json:"sourceTier,omitempty"`
	Changes    int           `json:"changes"`
	Attempts   []string      `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
	Took       time.Duration `json:"took"`
}

// CycleRecord is one entry of the fetch-history document.
type CycleRecord struct {
	CycleID       string                `json:"cycleId"`
	Trigger       string                `json:"trigger"`
	StartedAt     time.Time             `json:"startedAt"`
	FinishedAt    time.Time             `json:"finishedAt,omitzero"`
	State         string                `json:"state"`
	PerUnitStatus map[string]UnitStatus `json:"perUnitStatus"`
}

// Counts tallies unit outcomes.
func (r CycleRecord) Counts() map[UnitState]int {
	out := make(map[UnitState]int, 5)
	for _, st := range r.PerUnitStatus {
		out[st.State]++
	}
	return out
}
