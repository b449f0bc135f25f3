package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

type fakeAnalyzer struct {
	verdict Verdict
	err     error
	block   bool
	calls   atomic.Int32
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ Request) (Verdict, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}
	return f.verdict, f.err
}

func event(id string) domain.ChangeEvent {
	return domain.ChangeEvent{Protocol: "ethereum", ProposalID: id, Kind: domain.ChangeStatusChanged,
		PreviousStatus: domain.StatusDraft, NewStatus: domain.StatusFinal, Title: "Set EOA account code"}
}

func TestClassifyUsesVerdict(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{verdict: Verdict{Severity: "High", BreakingChange: true, Summary: " s "}}
	c := New(Config{}, a, logx.Nop())

	got := c.Classify(context.Background(), NewRun(0), Request{Event: event("7702")})
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.True(t, got.BreakingChange)
	assert.Equal(t, "s", got.Summary)
	assert.False(t, got.Placeholder)
	assert.Equal(t, event("7702").Key(), got.EventKey)
}

func TestClassifyTimeoutGivesPlaceholder(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{block: true}
	c := New(Config{Timeout: 20 * time.Millisecond}, a, logx.Nop())

	start := time.Now()
	got := c.Classify(context.Background(), nil, Request{Event: event("1")})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, got.Placeholder)
	assert.Equal(t, domain.SeverityLow, got.Severity)
	assert.False(t, got.BreakingChange)
}

func TestClassifyErrorAndMalformedGivePlaceholder(t *testing.T) {
	t.Parallel()
	for name, a := range map[string]*fakeAnalyzer{
		"error":     {err: errors.New("quota exceeded")},
		"malformed": {verdict: Verdict{Severity: "apocalyptic"}},
	} {
		c := New(Config{}, a, logx.Nop())
		got := c.Classify(context.Background(), nil, Request{Event: event("1")})
		assert.True(t, got.Placeholder, name)
		assert.Equal(t, domain.SeverityLow, got.Severity, name)
	}
}

func TestBudgetDefersAndDrains(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{verdict: Verdict{Severity: "Medium"}}
	c := New(Config{DeferredMax: 2}, a, logx.Nop())
	run := NewRun(1)

	first := c.Classify(context.Background(), run, Request{Event: event("1")})
	assert.False(t, first.Placeholder)

	for _, id := range []string{"2", "2", "3", "4"} {
		got := c.Classify(context.Background(), run, Request{Event: event(id)})
		assert.True(t, got.Placeholder)
	}
	assert.EqualValues(t, 1, a.calls.Load())
	assert.Equal(t, 0, run.Remaining())
	// "2" deduped by key, "4" dropped at the bound.
	assert.Equal(t, 2, c.Pending())

	got := c.DrainDeferred(1)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Event.ProposalID)
	assert.Equal(t, "2", got[0].Request().Event.ProposalID)

	rest := c.DrainDeferred(0)
	require.Len(t, rest, 1)
	assert.Equal(t, "3", rest[0].Event.ProposalID)
	assert.Zero(t, c.Pending())

	// Drained keys can be queued again.
	c.Classify(context.Background(), run, Request{Event: event("2")})
	assert.Equal(t, 1, c.Pending())
}

func TestUnlimitedRun(t *testing.T) {
	t.Parallel()
	r := NewRun(0)
	for i := 0; i < 100; i++ {
		require.True(t, r.take())
	}
	assert.Equal(t, -1, r.Remaining())
}

func TestKeywordSeverity(t *testing.T) {
	t.Parallel()
	k := NewKeyword()
	tests := []struct {
		name     string
		title    string
		body     string
		kind     domain.ChangeKind
		status   domain.Status
		want     domain.Severity
		breaking bool
	}{
		{"security", "Fix reentrancy vulnerability", "", domain.ChangeNew, domain.StatusDraft, domain.SeverityCritical, false},
		{"hard fork", "Prague hard fork meta", "", domain.ChangeNew, domain.StatusDraft, domain.SeverityCritical, true},
		{"major", "Gas optimization for calldata", "", domain.ChangeNew, domain.StatusDraft, domain.SeverityHigh, false},
		{"final default", "Set EOA account code", "", domain.ChangeStatusChanged, domain.StatusFinal, domain.SeverityMedium, false},
		{"minor", "Typo in section 3", "", domain.ChangeContentChanged, domain.StatusReview, domain.SeverityLow, false},
		{"prefix is not fix", "Address prefix registry", "", domain.ChangeNew, domain.StatusDraft, domain.SeverityLow, false},
		{"breaking body", "Transaction format", "This is incompatible with legacy wallets", domain.ChangeNew, domain.StatusDraft, domain.SeverityLow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := domain.ChangeEvent{Protocol: "ethereum", ProposalID: "1", Kind: tt.kind, NewStatus: tt.status, PreviousStatus: domain.StatusReview}
			v, err := k.Analyze(context.Background(), Request{Event: ev, Proposal: domain.ProposalRecord{Title: tt.title, Body: tt.body}})
			require.NoError(t, err)
			assert.Equal(t, string(tt.want), v.Severity)
			assert.Equal(t, tt.breaking, v.BreakingChange)
			assert.NotEmpty(t, v.Summary)
		})
	}
}

func TestChainFallsBack(t *testing.T) {
	t.Parallel()
	broken := &fakeAnalyzer{err: errors.New("down")}
	a := Chain(broken, NewKeyword())
	assert.Equal(t, "fake>keyword", a.Name())

	v, err := a.Analyze(context.Background(), Request{Event: event("1"), Proposal: domain.ProposalRecord{Title: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "Medium", v.Severity)

	_, err = Chain(broken).Analyze(context.Background(), Request{Event: event("1")})
	assert.ErrorContains(t, err, "down")
}

func TestOpenAIStructuredVerdict(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)

		content, _ := json.Marshal(Verdict{Severity: "Critical", BreakingChange: true, Summary: "Consensus change"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": string(content)},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", MaxRetries: 0})
	v, err := o.Analyze(context.Background(), Request{Event: event("7702"), ProtocolName: "Ethereum"})
	require.NoError(t, err)
	assert.Equal(t, "Critical", v.Severity)
	assert.True(t, v.BreakingChange)

	rf, ok := gotBody["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing: %v", gotBody)
	assert.Equal(t, "json_schema", rf["type"])
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := parseVerdict("not json")
	assert.ErrorIs(t, err, ErrMalformedVerdict)

	v, err := parseVerdict("```json\n{\"severity\":\"Low\",\"breaking_change\":false,\"summary\":\"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Low", v.Severity)
}

func TestVerdictSchemaIsStrict(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(verdictSchema())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, false, m["additionalProperties"])
	assert.ElementsMatch(t, []any{"severity", "breaking_change", "summary"}, m["required"])
}

func TestUserPromptKeepsBodyValidUTF8(t *testing.T) {
	t.Parallel()
	// 3-byte runes put the 4000 byte mark mid rune.
	body := strings.Repeat("提", 2000)
	req := Request{
		Event:    domain.ChangeEvent{Protocol: "ethereum", ProposalID: "7702", Kind: domain.ChangeNew, NewStatus: domain.StatusDraft},
		Proposal: domain.ProposalRecord{Body: body},
	}
	prompt := userPrompt(req)
	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, strings.Repeat("提", 1333)+"\n")
	assert.NotContains(t, prompt, strings.Repeat("提", 1334))

	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "a", truncateUTF8("aé", 2))
	assert.Equal(t, "", truncateUTF8("é", 1))
}
