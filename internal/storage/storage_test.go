package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, _ string) Store { return NewMemory(3) }},
		{"file", func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "file", Path: dir, HistorySize: 3}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "govwatch.db"), HistorySize: 3, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
}

func sampleDoc() domain.ProtocolDocument {
	rec := domain.ProposalRecord{ID: "7702", Title: "Set EOA account code", Status: domain.StatusDraft}.Normalize("ethereum")
	return domain.ProtocolDocument{
		Protocol:    "ethereum",
		GeneratedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Items:       []domain.ProposalRecord{rec},
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := b.open(t, t.TempDir())
			defer st.Close()

			t.Run("protocol state", func(t *testing.T) {
				_, ok, err := st.LoadProtocolState(ctx, "ethereum")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, st.SaveProtocolState(ctx, sampleDoc()))
				doc, ok, err := st.LoadProtocolState(ctx, "ethereum")
				require.NoError(t, err)
				require.True(t, ok)
				require.Len(t, doc.Items, 1)
				assert.Equal(t, "7702", doc.Items[0].ID)
				assert.Equal(t, sampleDoc().Items[0].ContentHash, doc.Items[0].ContentHash)

				all, err := st.ListProtocolStates(ctx)
				require.NoError(t, err)
				require.Len(t, all, 1)
				assert.Equal(t, "ethereum", all[0].Protocol)
			})

			t.Run("cycle history is capped and newest first", func(t *testing.T) {
				base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
				for i := 0; i < 5; i++ {
					require.NoError(t, st.AppendCycle(ctx, domain.CycleRecord{
						CycleID:   fmt.Sprintf("c%d", i),
						StartedAt: base.Add(time.Duration(i) * time.Minute),
						State:     "completed",
						PerUnitStatus: map[string]domain.UnitStatus{
							"ethereum/market": {State: domain.UnitOK},
						},
					}))
				}
				recent, err := st.RecentCycles(ctx, 10)
				require.NoError(t, err)
				require.Len(t, recent, 3)
				assert.Equal(t, "c4", recent[0].CycleID)
				assert.Equal(t, "c2", recent[2].CycleID)
				assert.Equal(t, domain.UnitOK, recent[0].PerUnitStatus["ethereum/market"].State)

				one, err := st.RecentCycles(ctx, 1)
				require.NoError(t, err)
				require.Len(t, one, 1)
				assert.Equal(t, "c4", one[0].CycleID)
			})

			t.Run("dedup", func(t *testing.T) {
				until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
				require.NoError(t, st.PutDedup(ctx, "k1", until))
				got, ok, err := st.GetDedup(ctx, "k1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.True(t, got.Equal(until))

				require.NoError(t, st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)))
				_, ok, err = st.GetDedup(ctx, "expired")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("dead letters and changes", func(t *testing.T) {
				for i := 0; i < 2; i++ {
					require.NoError(t, st.PutDeadLetter(ctx, domain.NotificationJob{
						ID:        fmt.Sprintf("job-%d", i),
						Channel:   "slack",
						Status:    domain.JobDeadLettered,
						UpdatedAt: time.Now().Add(time.Duration(i) * time.Second),
					}))
				}
				dl, err := st.DeadLetters(ctx, 0)
				require.NoError(t, err)
				require.Len(t, dl, 2)
				assert.Equal(t, "job-1", dl[0].ID)

				require.NoError(t, st.AppendChange(ctx, domain.ChangeRecord{
					At:    time.Now(),
					Event: domain.ChangeEvent{Protocol: "ethereum", ProposalID: "7702", Kind: domain.ChangeStatusChanged},
					Assessment: domain.ImpactAssessment{
						Severity: domain.SeverityMedium,
					},
				}))
				require.NoError(t, st.AppendChange(ctx, domain.ChangeRecord{
					At:    time.Now().Add(time.Second),
					Event: domain.ChangeEvent{Protocol: "bitcoin", ProposalID: "341", Kind: domain.ChangeNew},
				}))
				ch, err := st.RecentChanges(ctx, 1)
				require.NoError(t, err)
				require.Len(t, ch, 1)
				assert.Equal(t, "341", ch[0].Event.ProposalID)
			})
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SaveProtocolState(ctx, sampleDoc()))
	require.NoError(t, st.AppendCycle(ctx, domain.CycleRecord{CycleID: "c1", StartedAt: time.Now()}))
	until := time.Now().Add(time.Hour)
	require.NoError(t, st.PutDedup(ctx, "k", until))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, ok, err := st.LoadProtocolState(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	recent, err := st.RecentCycles(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	_, ok, err = st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "dedup marks replay from the journal")
}

func TestFileStoreRejectsPathLikeProtocol(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	err = st.SaveProtocolState(context.Background(), domain.ProtocolDocument{Protocol: "../etc"})
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "tape"}, logx.Nop())
	assert.Error(t, err)
}
