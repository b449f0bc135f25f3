package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Status is the normalized lifecycle state of a governance proposal.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusReview    Status = "Review"
	StatusLastCall  Status = "LastCall"
	StatusFinal     Status = "Final"
	StatusStagnant  Status = "Stagnant"
	StatusWithdrawn Status = "Withdrawn"
	StatusOther     Status = "Other"
)

// ParseStatus maps provider spellings onto Status. Unknown values become StatusOther.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
	switch s {
	case "draft", "idea", "proposed", "pending":
		return StatusDraft
	case "review", "inreview", "underreview", "discussion":
		return StatusReview
	case "lastcall":
		return StatusLastCall
	case "final", "accepted", "implemented", "active", "deployed":
		return StatusFinal
	case "stagnant", "dormant", "deferred":
		return StatusStagnant
	case "withdrawn", "rejected", "obsolete", "replaced", "abandoned":
		return StatusWithdrawn
	default:
		return StatusOther
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusLastCall, StatusFinal, StatusStagnant, StatusWithdrawn, StatusOther:
		return true
	}
	return false
}

// UnmarshalJSON accepts any provider spelling.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// ProposalRecord is a normalized proposal as returned by a data producer.
type ProposalRecord struct {
	Protocol    string    `json:"protocol"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	URL         string    `json:"url,omitempty"`
	Body        string    `json:"body,omitempty"`
	ContentHash string    `json:"contentHash"`
}

// ComputeContentHash hashes title, status and body. Producers call this once at the boundary.
func ComputeContentHash(title string, status Status, body string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(title)))
	h.Write([]byte{0})
	h.Write([]byte(status))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(body)))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize fills derived fields: protocol, status fallback and content hash.
func (r ProposalRecord) Normalize(protocol string) ProposalRecord {
	if r.Protocol == "" {
		r.Protocol = protocol
	}
	r.ID = strings.TrimSpace(r.ID)
	if !r.Status.Valid() {
		r.Status = StatusOther
	}
	if r.ContentHash == "" {
		r.ContentHash = ComputeContentHash(r.Title, r.Status, r.Body)
	}
	return r
}

// ProtocolDocument is the persisted per-protocol state: last-known records plus metadata.
type ProtocolDocument struct {
	Protocol    string           `json:"protocol"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Count       int              `json:"count"`
	Items       []ProposalRecord `json:"items"`
}
