package domain

import "time"

// JobStatus is the delivery state of a NotificationJob.
type JobStatus string

const (
	JobPending      JobStatus = "Pending"
	JobSent         JobStatus = "Sent"
	JobFailed       JobStatus = "Failed"
	JobDeadLettered JobStatus = "DeadLettered"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool { return s == JobSent || s == JobDeadLettered }

// Payload is a rendered digest. Channels pick the body flavour they support.
type Payload struct {
	Subject  string `json:"subject"`
	Text     string `json:"text"`
	HTML     string `json:"html,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

// NotificationJob is one delivery of one change to one channel.
type NotificationJob struct {
	ID         string   `json:"id"`
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	// Delivered holds the recipients already reached; retries skip them.
	Delivered  []string   `json:"delivered,omitempty"`
	Payload    Payload    `json:"payload"`
	DedupKey   string     `json:"dedupKey"`
	Day        string     `json:"day"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	Severity   Severity   `json:"severity"`
	Protocol   string     `json:"protocol"`
	ProposalID string     `json:"proposalId"`
	Kind       ChangeKind `json:"changeKind"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ChangeRecord is the audit entry written for every classified change,
// whether or not any channel was routed.
type ChangeRecord struct {
	At         time.Time        `json:"at"`
	Event      ChangeEvent      `json:"event"`
	Assessment ImpactAssessment `json:"assessment"`
	Channels   []string         `json:"channels"`
	Skipped    []string         `json:"skipped,omitempty"`
}
