package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
)

func rec(id, title string, st domain.Status) domain.ProposalRecord {
	return domain.ProposalRecord{ID: id, Title: title, Status: st, Body: "body " + id}
}

func kinds(evs []domain.ChangeEvent) map[string]domain.ChangeKind {
	out := map[string]domain.ChangeKind{}
	for _, e := range evs {
		out[e.ProposalID] = e.Kind
	}
	return out
}

func TestDiffNewThenIdempotent(t *testing.T) {
	t.Parallel()
	d := New()
	batch := []domain.ProposalRecord{rec("1", "a", domain.StatusDraft), rec("2", "b", domain.StatusReview)}

	evs := d.Diff("ethereum", batch)
	assert.Equal(t, map[string]domain.ChangeKind{"1": domain.ChangeNew, "2": domain.ChangeNew}, kinds(evs))

	assert.Empty(t, d.Diff("ethereum", batch), "same batch twice yields nothing")
}

func TestDiffDraftToFinal7702(t *testing.T) {
	t.Parallel()
	d := New()
	d.Diff("ethereum", []domain.ProposalRecord{rec("7702", "Set EOA account code", domain.StatusDraft)})

	evs := d.Diff("ethereum", []domain.ProposalRecord{rec("7702", "Set EOA account code", domain.StatusFinal)})
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, domain.ChangeStatusChanged, ev.Kind)
	assert.Equal(t, domain.StatusDraft, ev.PreviousStatus)
	assert.Equal(t, domain.StatusFinal, ev.NewStatus)
	assert.Equal(t, "Set EOA account code", ev.Title)
}

func TestStatusOnlyChangeIsStatusChanged(t *testing.T) {
	t.Parallel()
	d := New()
	r := rec("1", "a", domain.StatusDraft)
	r.ContentHash = "fixed"
	d.Diff("bitcoin", []domain.ProposalRecord{r})

	r.Status = domain.StatusLastCall
	evs := d.Diff("bitcoin", []domain.ProposalRecord{r})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ChangeStatusChanged, evs[0].Kind)
}

func TestContentChanged(t *testing.T) {
	t.Parallel()
	d := New()
	d.Diff("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusReview)})

	evs := d.Diff("ethereum", []domain.ProposalRecord{rec("1", "a (revised)", domain.StatusReview)})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ChangeContentChanged, evs[0].Kind)
	assert.Equal(t, domain.StatusReview, evs[0].PreviousStatus)
}

func TestAbsentRecordsAreKept(t *testing.T) {
	t.Parallel()
	d := New()
	d.Diff("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft), rec("2", "b", domain.StatusDraft)})

	assert.Empty(t, d.Diff("ethereum", []domain.ProposalRecord{rec("2", "b", domain.StatusDraft)}))
	known := d.Known("ethereum")
	require.Len(t, known, 2)
	assert.Equal(t, "1", known[0].ID)

	// Reappearing unchanged is not New.
	assert.Empty(t, d.Diff("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft)}))
}

func TestDuplicateIDsLastWins(t *testing.T) {
	t.Parallel()
	d := New()
	evs := d.Diff("tron", []domain.ProposalRecord{
		rec("5", "first", domain.StatusDraft),
		rec("5", "second", domain.StatusFinal),
	})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusFinal, evs[0].NewStatus)
	assert.Equal(t, "second", d.Known("tron")[0].Title)
}

func TestPlanWithoutCommitLeavesState(t *testing.T) {
	t.Parallel()
	d := New()
	p := d.Plan("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft)})
	require.Len(t, p.Events, 1)
	assert.Empty(t, d.Known("ethereum"))

	// Planning again still sees the record as new.
	again := d.Plan("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft)})
	assert.Len(t, again.Events, 1)

	p.Commit()
	p.Commit()
	assert.Len(t, d.Known("ethereum"), 1)
	doc := p.Document()
	assert.Equal(t, 1, doc.Count)
	assert.Equal(t, "ethereum", doc.Protocol)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	d := New()
	d.Restore(domain.ProtocolDocument{Protocol: "bsc", Items: []domain.ProposalRecord{rec("BEP-20", "token", domain.StatusFinal)}})
	assert.Equal(t, []string{"bsc"}, d.Protocols())
	assert.Empty(t, d.Diff("bsc", []domain.ProposalRecord{rec("BEP-20", "token", domain.StatusFinal)}))

	doc := d.KnownDocument("bsc")
	assert.Equal(t, 1, doc.Count)
}

func TestProtocolsAreIsolated(t *testing.T) {
	t.Parallel()
	d := New()
	d.Diff("ethereum", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft)})
	evs := d.Diff("bitcoin", []domain.ProposalRecord{rec("1", "a", domain.StatusDraft)})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ChangeNew, evs[0].Kind)
}
