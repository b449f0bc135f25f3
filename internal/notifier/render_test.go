package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"govwatch/internal/domain"
)

func TestRenderStatusChange(t *testing.T) {
	t.Parallel()
	ev, a := change7702()
	ev.URL = "https://eips.ethereum.org/EIPS/eip-7702"
	a.BreakingChange = true
	now := ev.DetectedAt
	rec := domain.ProposalRecord{Author: "Vitalik Buterin", CreatedAt: now.Add(-72 * time.Hour)}

	p := Render(ev, a, rec, ProtocolInfo{DisplayName: "Ethereum", ProposalKind: "EIP"}, time.UTC, now)
	assert.Equal(t, "[High] Ethereum EIP-7702: Draft → Final", p.Subject)
	assert.Contains(t, p.Text, "Title: Set EOA account code")
	assert.Contains(t, p.Text, "breaking change")
	assert.Contains(t, p.Text, "3 days ago by Vitalik Buterin")
	assert.Contains(t, p.Text, "Link: https://eips.ethereum.org/EIPS/eip-7702")
	assert.Contains(t, p.HTML, `<a href="https://eips.ethereum.org/EIPS/eip-7702">`)
	assert.Contains(t, p.Markdown, "<https://eips.ethereum.org/EIPS/eip-7702|Set EOA account code>")
}

func TestRenderEscapesHTML(t *testing.T) {
	t.Parallel()
	ev, a := change7702()
	ev.Title = "<script>alert(1)</script>"
	p := Render(ev, a, domain.ProposalRecord{}, ProtocolInfo{}, nil, ev.DetectedAt)
	assert.NotContains(t, p.HTML, "<script>")
	assert.True(t, strings.HasPrefix(p.Subject, "[High] ethereum 7702"))
}

func TestRenderPlaceholderIsProvisional(t *testing.T) {
	t.Parallel()
	ev := domain.ChangeEvent{Protocol: "bitcoin", ProposalID: "341", Kind: domain.ChangeNew, NewStatus: domain.StatusDraft}
	a := domain.PlaceholderAssessment(ev, time.Now())
	p := Render(ev, a, domain.ProposalRecord{}, ProtocolInfo{DisplayName: "Bitcoin", ProposalKind: "BIP"}, nil, time.Now())
	assert.Equal(t, "[Low] New Bitcoin proposal BIP-341 (Draft)", p.Subject)
	assert.Contains(t, p.Text, "(provisional)")
}

func TestLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "EIP-1559", Label("EIP", "1559"))
	assert.Equal(t, "BEP-20", Label("BEP", "BEP-20"))
	assert.Equal(t, "1559", Label("", "1559"))
}
