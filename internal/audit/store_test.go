package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/store"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db.SQL()), db
}

func batch(evalID string, at time.Time, decision string, verdicts ...Verdict) Batch {
	b := Batch{Summary: Summary{
		EvaluationID: evalID,
		Kind:         KindEvaluation,
		SessionID:    "sess-1",
		Timestamp:    at,
		Tool:         "edit",
		Target:       "main.go",
		Decision:     decision,
		RuleCount:    len(verdicts),
	}}
	for i, v := range verdicts {
		if v == VerdictViolated {
			b.Summary.ViolationCount++
		}
		b.Events = append(b.Events, Event{
			ID:           fmt.Sprintf("%s-e%d", evalID, i),
			EvaluationID: evalID,
			RuleID:       fmt.Sprintf("R-%04d", i+1),
			AlertLevel:   "CRITICAL",
			SessionID:    "sess-1",
			Timestamp:    at,
			Tool:         "edit",
			Verdict:      v,
			Score:        0.75,
		})
	}
	return b
}

func TestStore_AppendAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	written, err := s.AppendBatch(ctx, batch("ev-1", t0, "BLOCK", VerdictViolated, VerdictFollowed))
	require.NoError(t, err)
	assert.Empty(t, written.Summary.PrevHash)
	assert.NotEmpty(t, written.Summary.Hash)
	assert.Empty(t, written.Events[0].PrevHash)
	assert.Equal(t, written.Events[0].Hash, written.Events[1].PrevHash)

	rec, err := s.Lookup(ctx, "ev-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Evaluation)
	assert.Nil(t, rec.Override)
	assert.Equal(t, "BLOCK", rec.Evaluation.Decision)
	assert.Equal(t, 1, rec.Evaluation.ViolationCount)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, VerdictViolated, rec.Events[0].Verdict)
	assert.Equal(t, t0, rec.Events[0].Timestamp)
	assert.Equal(t, written.Events[1].Hash, rec.Events[1].Hash)

	_, err = s.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DuplicateSummary(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AppendBatch(ctx, batch("ev-1", t0, "ALLOW"))
	require.NoError(t, err)

	_, err = s.AppendBatch(ctx, batch("ev-1", t0, "ALLOW"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// An override for the same evaluation is a different kind.
	ov := Batch{Summary: Summary{EvaluationID: "ev-1", Kind: KindOverride, Timestamp: t0, Decision: "ALLOW"}}
	_, err = s.AppendBatch(ctx, ov)
	require.NoError(t, err)

	rec, err := s.Lookup(ctx, "ev-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Override)
}

func TestStore_RejectsInvalidBatch(t *testing.T) {
	s, _ := newTestStore(t)
	b := batch("ev-1", t0, "ALLOW", VerdictFollowed)
	b.Events[0].EvaluationID = "other"
	_, err := s.AppendBatch(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalid)

	b = batch("ev-2", t0, "ALLOW", Verdict("MAYBE"))
	_, err = s.AppendBatch(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_AppendOnly(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, err := s.AppendBatch(ctx, batch("ev-1", t0, "ALLOW", VerdictFollowed))
	require.NoError(t, err)

	_, err = db.SQL().ExecContext(ctx, `UPDATE compliance_events SET verdict = 'VIOLATED'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = db.SQL().ExecContext(ctx, `DELETE FROM evaluations`)
	assert.ErrorContains(t, err, "append-only")
}

func TestStore_VerifyChain(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.AppendBatch(ctx, batch(fmt.Sprintf("ev-%d", i), t0.Add(time.Duration(i)*time.Minute), "ALLOW", VerdictFollowed, VerdictSkipped))
		require.NoError(t, err)
	}

	report, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Problems)
	assert.Equal(t, 6, report.Events)
	assert.Equal(t, 3, report.Summaries)

	// Tamper behind the triggers' back.
	_, err = db.SQL().ExecContext(ctx, `DROP TRIGGER compliance_events_no_update`)
	require.NoError(t, err)
	_, err = db.SQL().ExecContext(ctx, `UPDATE compliance_events SET verdict = 'FOLLOWED' WHERE event_id = 'ev-1-e1'`)
	require.NoError(t, err)

	report, err = s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "ev-1-e1")
}

func TestStore_EventFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AppendBatch(ctx, batch("ev-a", t0, "BLOCK", VerdictViolated, VerdictFollowed))
	require.NoError(t, err)
	_, err = s.AppendBatch(ctx, batch("ev-b", t0.Add(time.Hour), "ALLOW", VerdictFollowed, VerdictSkipped))
	require.NoError(t, err)

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{name: "all", f: Filter{}, want: []string{"ev-a-e0", "ev-a-e1", "ev-b-e0", "ev-b-e1"}},
		{name: "by rule", f: Filter{RuleID: "R-0001"}, want: []string{"ev-a-e0", "ev-b-e0"}},
		{name: "by verdict", f: Filter{Verdict: VerdictFollowed}, want: []string{"ev-a-e1", "ev-b-e0"}},
		{name: "since", f: Filter{Since: t0.Add(30 * time.Minute)}, want: []string{"ev-b-e0", "ev-b-e1"}},
		{name: "until", f: Filter{Until: t0.Add(30 * time.Minute)}, want: []string{"ev-a-e0", "ev-a-e1"}},
		{name: "by evaluation", f: Filter{EvaluationID: "ev-b"}, want: []string{"ev-b-e0", "ev-b-e1"}},
		{name: "latest two", f: Filter{Limit: 2}, want: []string{"ev-b-e0", "ev-b-e1"}},
		{name: "nothing", f: Filter{SessionID: "other"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Events(ctx, tt.f)
			require.NoError(t, err)
			var ids []string
			for _, e := range events {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	sums, err := s.Summaries(ctx, Filter{Kind: KindEvaluation, Limit: 1})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "ev-b", sums[0].EvaluationID)
}
