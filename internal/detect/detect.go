// Package detect compares fresh proposal records against the last-known set
// per protocol and reports New, StatusChanged and ContentChanged events.
//
// Records missing from a fresh batch are kept: absence never means withdrawal.
package detect

import (
	"sort"
	"sync"
	"time"

	"govwatch/internal/domain"
	"govwatch/pkg/keylock"
)

type Detector struct {
	locks keylock.Map

	mu    sync.RWMutex
	known map[string]map[string]domain.ProposalRecord

	now func() time.Time
}

func New() *Detector {
	return &Detector{known: map[string]map[string]domain.ProposalRecord{}, now: time.Now}
}

// Plan is a computed diff that has not been applied yet.
type Plan struct {
	d        *Detector
	protocol string
	next     map[string]domain.ProposalRecord
	at       time.Time

	Events []domain.ChangeEvent

	once sync.Once
}

// Plan computes the events for fresh without touching the last-known set.
func (d *Detector) Plan(protocol string, fresh []domain.ProposalRecord) *Plan {
	unlock := d.locks.RLock(protocol)
	prev := d.snapshot(protocol)
	unlock()

	at := d.now()
	batch := dedupLastWins(protocol, fresh)

	next := make(map[string]domain.ProposalRecord, len(prev)+len(batch))
	for id, r := range prev {
		next[id] = r
	}

	var events []domain.ChangeEvent
	for _, r := range batch {
		next[r.ID] = r
		old, seen := prev[r.ID]
		ev := domain.ChangeEvent{
			Protocol:   protocol,
			ProposalID: r.ID,
			NewStatus:  r.Status,
			DetectedAt: at,
			Title:      r.Title,
			URL:        r.URL,
		}
		switch {
		case !seen:
			ev.Kind = domain.ChangeNew
		case old.Status != r.Status:
			ev.Kind = domain.ChangeStatusChanged
			ev.PreviousStatus = old.Status
		case old.ContentHash != r.ContentHash:
			ev.Kind = domain.ChangeContentChanged
			ev.PreviousStatus = old.Status
		default:
			continue
		}
		events = append(events, ev)
	}
	return &Plan{d: d, protocol: protocol, next: next, at: at, Events: events}
}

// Commit replaces the last-known set. Only the first call has an effect.
func (p *Plan) Commit() {
	p.once.Do(func() {
		unlock := p.d.locks.Lock(p.protocol)
		defer unlock()
		p.d.mu.Lock()
		p.d.known[p.protocol] = p.next
		p.d.mu.Unlock()
	})
}

func (p *Plan) Protocol() string { return p.protocol }

// Document renders the planned last-known set for persistence.
func (p *Plan) Document() domain.ProtocolDocument {
	return document(p.protocol, p.next, p.at)
}

// Diff plans and commits in one step.
func (d *Detector) Diff(protocol string, fresh []domain.ProposalRecord) []domain.ChangeEvent {
	p := d.Plan(protocol, fresh)
	p.Commit()
	return p.Events
}

// Restore loads a persisted document as the last-known set of its protocol.
func (d *Detector) Restore(doc domain.ProtocolDocument) {
	set := make(map[string]domain.ProposalRecord, len(doc.Items))
	for _, r := range dedupLastWins(doc.Protocol, doc.Items) {
		set[r.ID] = r
	}
	unlock := d.locks.Lock(doc.Protocol)
	defer unlock()
	d.mu.Lock()
	d.known[doc.Protocol] = set
	d.mu.Unlock()
}

// Known returns the last-known records of protocol sorted by id.
func (d *Detector) Known(protocol string) []domain.ProposalRecord {
	unlock := d.locks.RLock(protocol)
	defer unlock()
	return sortedRecords(d.snapshot(protocol))
}

// KnownDocument is Known wrapped as a ProtocolDocument.
func (d *Detector) KnownDocument(protocol string) domain.ProtocolDocument {
	unlock := d.locks.RLock(protocol)
	defer unlock()
	return document(protocol, d.snapshot(protocol), d.now())
}

func (d *Detector) Protocols() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.known))
	for p := range d.known {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (d *Detector) snapshot(protocol string) map[string]domain.ProposalRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.known[protocol]
}

func dedupLastWins(protocol string, in []domain.ProposalRecord) []domain.ProposalRecord {
	out := make([]domain.ProposalRecord, 0, len(in))
	idx := make(map[string]int, len(in))
	for _, r := range in {
		r = r.Normalize(protocol)
		if r.ID == "" {
			continue
		}
		if i, ok := idx[r.ID]; ok {
			out[i] = r
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

func sortedRecords(set map[string]domain.ProposalRecord) []domain.ProposalRecord {
	out := make([]domain.ProposalRecord, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func document(protocol string, set map[string]domain.ProposalRecord, at time.Time) domain.ProtocolDocument {
	items := sortedRecords(set)
	return domain.ProtocolDocument{Protocol: protocol, GeneratedAt: at, Count: len(items), Items: items}
}
