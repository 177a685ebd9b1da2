package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/josephgoksu/rulegate/internal/store"
)

// MetadataStore persists registry snapshots. Save must replace the whole
// registry atomically.
type MetadataStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

const (
	metaNextSeq    = "next_seq"
	metaDocument   = "document"
	metaDocumentFP = "document_fingerprint"
	metaParsedAt   = "parsed_at"
)

// SQLiteStore implements MetadataStore on the shared rulegate database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a metadata store using an existing database connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load reads the persisted registry. An empty store yields an empty snapshot
// with NextSeq 1.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{NextSeq: 1}

	meta, err := s.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := meta[metaNextSeq]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", metaNextSeq, err)
		}
		snap.NextSeq = n
	}
	snap.Document = meta[metaDocument]
	snap.DocumentFP = meta[metaDocumentFP]
	if v := meta[metaParsedAt]; v != "" {
		snap.ParsedAt, err = parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", metaParsedAt, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, section, position, alert_level, tags, phases, check_category, check_args,
		       status, flags, fingerprint, created_at, last_updated, last_used, usage_count, compliance_score
		FROM rules
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		snap.Rules = append(snap.Rules, r)
	}
	if err := store.CheckRowsErr(rows); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM registry_meta`)
	if err != nil {
		return nil, fmt.Errorf("query registry meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan registry meta: %w", err)
		}
		meta[k] = v
	}
	return meta, store.CheckRowsErr(rows)
}

// Save overwrites the persisted registry in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rules (
			id, content, section, position, alert_level, tags, phases, check_category, check_args,
			status, flags, fingerprint, created_at, last_updated, last_used, usage_count, compliance_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare rule insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range snap.Rules {
		if _, err = stmt.ExecContext(ctx,
			r.ID,
			r.Content,
			r.Section,
			r.Position,
			string(r.AlertLevel),
			jsonList(r.Tags),
			jsonList(r.Phases),
			r.Check,
			jsonList(r.CheckArgs),
			string(r.Status),
			jsonList(r.Flags),
			r.Fingerprint,
			formatTime(r.CreatedAt),
			formatTime(r.LastUpdated),
			formatTime(r.LastUsed),
			r.UsageCount,
			r.ComplianceScore,
		); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}

	meta := map[string]string{
		metaNextSeq:    strconv.Itoa(snap.NextSeq),
		metaDocument:   snap.Document,
		metaDocumentFP: snap.DocumentFP,
		metaParsedAt:   formatTime(snap.ParsedAt),
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO registry_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write registry meta %s: %w", k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}

func scanRule(rows *sql.Rows) (*Rule, error) {
	var r Rule
	var level, status string
	var tags, phases, checkArgs, flags string
	var createdAt, lastUpdated, lastUsed string
	if err := rows.Scan(
		&r.ID,
		&r.Content,
		&r.Section,
		&r.Position,
		&level,
		&tags,
		&phases,
		&r.Check,
		&checkArgs,
		&status,
		&flags,
		&r.Fingerprint,
		&createdAt,
		&lastUpdated,
		&lastUsed,
		&r.UsageCount,
		&r.ComplianceScore,
	); err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}

	r.AlertLevel = AlertLevel(level)
	r.Status = Status(status)

	var err error
	if r.Tags, err = parseList(tags); err != nil {
		return nil, fmt.Errorf("rule %s tags: %w", r.ID, err)
	}
	if r.Phases, err = parseList(phases); err != nil {
		return nil, fmt.Errorf("rule %s phases: %w", r.ID, err)
	}
	if r.CheckArgs, err = parseOptionalList(checkArgs); err != nil {
		return nil, fmt.Errorf("rule %s check args: %w", r.ID, err)
	}
	if r.Flags, err = parseOptionalList(flags); err != nil {
		return nil, fmt.Errorf("rule %s flags: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("rule %s created_at: %w", r.ID, err)
	}
	if r.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, fmt.Errorf("rule %s last_updated: %w", r.ID, err)
	}
	if r.LastUsed, err = parseTime(lastUsed); err != nil {
		return nil, fmt.Errorf("rule %s last_used: %w", r.ID, err)
	}
	return &r, nil
}

// jsonList encodes a string slice; nil and empty both encode as "[]".
func jsonList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// parseList decodes a JSON list into a non-nil slice (tags and phases are
// always present).
func parseList(s string) ([]string, error) {
	out := []string{}
	if s == "" || s == "[]" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseOptionalList decodes a JSON list, mapping empty to nil.
func parseOptionalList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
