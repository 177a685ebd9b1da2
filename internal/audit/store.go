package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/josephgoksu/rulegate/internal/store"
)

// Store is the sqlite-backed audit log. It only ever inserts.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store on the shared rulegate database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendBatch writes a summary and its events in one transaction, extending
// both hash chains. It returns the batch with Seq and hashes filled in.
func (s *Store) AppendBatch(ctx context.Context, b Batch) (_ *Batch, err error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	out := Batch{Summary: b.Summary, Events: make([]Event, len(b.Events))}

	sum := &out.Summary
	sum.Timestamp = sum.Timestamp.UTC()
	if sum.PrevHash, err = lastHash(ctx, tx, "evaluations"); err != nil {
		return nil, err
	}
	if sum.Hash, err = SummaryHash(*sum); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO evaluations (
			evaluation_id, kind, session_id, tool, target, decision,
			rule_count, violation_count, note, recorded_at, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.EvaluationID, string(sum.Kind), sum.SessionID, sum.Tool, sum.Target, sum.Decision,
		sum.RuleCount, sum.ViolationCount, sum.Note, formatTime(sum.Timestamp), sum.PrevHash, sum.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicate, sum.Kind, sum.EvaluationID)
		}
		return nil, fmt.Errorf("insert summary: %w", err)
	}
	if sum.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("summary seq: %w", err)
	}

	prev, err := lastHash(ctx, tx, "compliance_events")
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO compliance_events (
			event_id, evaluation_id, rule_id, alert_level, session_id, tool,
			verdict, score, note, recorded_at, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, e := range b.Events {
		e.Timestamp = e.Timestamp.UTC()
		e.PrevHash = prev
		if e.Hash, err = EventHash(e); err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx,
			e.ID, e.EvaluationID, e.RuleID, e.AlertLevel, e.SessionID, e.Tool,
			string(e.Verdict), e.Score, e.Note, formatTime(e.Timestamp), e.PrevHash, e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("insert event %s: %w", e.ID, err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("event seq: %w", err)
		}
		out.Events[i] = e
		prev = e.Hash
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit batch: %w", err)
	}
	return &out, nil
}

func lastHash(ctx context.Context, tx *sql.Tx, table string) (string, error) {
	var h string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM `+table+` ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head of %s: %w", table, err)
	}
	return h, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const eventColumns = `seq, event_id, evaluation_id, rule_id, alert_level, session_id, tool,
	verdict, score, note, recorded_at, prev_hash, hash`

const summaryColumns = `seq, evaluation_id, kind, session_id, tool, target, decision,
	rule_count, violation_count, note, recorded_at, prev_hash, hash`

// Events returns events matching f in append order. With a Limit, the most
// recent matches are returned.
func (s *Store) Events(ctx context.Context, f Filter) ([]Event, error) {
	where, args := f.eventClause()
	query := `SELECT ` + eventColumns + ` FROM compliance_events` + where
	query = limitLatest(query, eventColumns, f.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, store.CheckRowsErr(rows)
}

// Summaries returns summaries matching f in append order.
func (s *Store) Summaries(ctx context.Context, f Filter) ([]Summary, error) {
	where, args := f.summaryClause()
	query := `SELECT ` + summaryColumns + ` FROM evaluations` + where
	query = limitLatest(query, summaryColumns, f.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, store.CheckRowsErr(rows)
}

// Lookup returns the evaluation summary, its override (if any) and its events.
func (s *Store) Lookup(ctx context.Context, evaluationID string) (*Record, error) {
	sums, err := s.Summaries(ctx, Filter{EvaluationID: evaluationID})
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	for i := range sums {
		switch sums[i].Kind {
		case KindEvaluation:
			rec.Evaluation = &sums[i]
		case KindOverride:
			rec.Override = &sums[i]
		}
	}
	if rec.Evaluation == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, evaluationID)
	}
	if rec.Events, err = s.Events(ctx, Filter{EvaluationID: evaluationID}); err != nil {
		return nil, err
	}
	return rec, nil
}

// VerifyChain recomputes both hash chains from the first record.
func (s *Store) VerifyChain(ctx context.Context) (*ChainReport, error) {
	events, err := s.Events(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	sums, err := s.Summaries(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Events: len(events), Summaries: len(sums)}
	prev := ""
	for _, e := range events {
		if e.PrevHash != prev {
			report.Problems = append(report.Problems, fmt.Sprintf("event %d (%s): chain link broken", e.Seq, e.ID))
		}
		if h, err := EventHash(e); err != nil || h != e.Hash {
			report.Problems = append(report.Problems, fmt.Sprintf("event %d (%s): hash mismatch", e.Seq, e.ID))
		}
		prev = e.Hash
	}
	prev = ""
	for _, sm := range sums {
		if sm.PrevHash != prev {
			report.Problems = append(report.Problems, fmt.Sprintf("summary %d (%s/%s): chain link broken", sm.Seq, sm.EvaluationID, sm.Kind))
		}
		if h, err := SummaryHash(sm); err != nil || h != sm.Hash {
			report.Problems = append(report.Problems, fmt.Sprintf("summary %d (%s/%s): hash mismatch", sm.Seq, sm.EvaluationID, sm.Kind))
		}
		prev = sm.Hash
	}
	report.Valid = len(report.Problems) == 0
	return report, nil
}

func (f Filter) common() ([]string, []any) {
	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "recorded_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.EvaluationID != "" {
		conds = append(conds, "evaluation_id = ?")
		args = append(args, f.EvaluationID)
	}
	return conds, args
}

func (f Filter) eventClause() (string, []any) {
	conds, args := f.common()
	if f.RuleID != "" {
		conds = append(conds, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Verdict != "" {
		conds = append(conds, "verdict = ?")
		args = append(args, string(f.Verdict))
	}
	return whereClause(conds), args
}

func (f Filter) summaryClause() (string, []any) {
	conds, args := f.common()
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	return whereClause(conds), args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// limitLatest orders by seq and, with a limit, keeps the newest rows while
// still returning them oldest first.
func limitLatest(query, columns string, limit int, args *[]any) string {
	if limit <= 0 {
		return query + " ORDER BY seq ASC"
	}
	*args = append(*args, limit)
	return `SELECT ` + columns + ` FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var verdict, recordedAt string
	if err := rows.Scan(
		&e.Seq, &e.ID, &e.EvaluationID, &e.RuleID, &e.AlertLevel, &e.SessionID, &e.Tool,
		&verdict, &e.Score, &e.Note, &recordedAt, &e.PrevHash, &e.Hash,
	); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Verdict = Verdict(verdict)
	ts, err := parseTime(recordedAt)
	if err != nil {
		return Event{}, fmt.Errorf("event %s timestamp: %w", e.ID, err)
	}
	e.Timestamp = ts
	return e, nil
}

func scanSummary(rows *sql.Rows) (Summary, error) {
	var s Summary
	var kind, recordedAt string
	if err := rows.Scan(
		&s.Seq, &s.EvaluationID, &kind, &s.SessionID, &s.Tool, &s.Target, &s.Decision,
		&s.RuleCount, &s.ViolationCount, &s.Note, &recordedAt, &s.PrevHash, &s.Hash,
	); err != nil {
		return Summary{}, fmt.Errorf("scan summary: %w", err)
	}
	s.Kind = Kind(kind)
	ts, err := parseTime(recordedAt)
	if err != nil {
		return Summary{}, fmt.Errorf("summary %s timestamp: %w", s.EvaluationID, err)
	}
	s.Timestamp = ts
	return s, nil
}

// timeLayout is fixed width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
