package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/store"
)

// FlagRemoved marks a rule archived because it vanished from the document.
// Such a rule is restored if the same text reappears.
const FlagRemoved = "removed"

// Common registry errors.
var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrDocumentNotFound = errors.New("policy document not found")
	ErrRuleArchived     = errors.New("rule is archived")
)

// ConcurrentModificationError is returned when the registry changed between
// computing a reparse diff and applying it. Reparse retries on it.
type ConcurrentModificationError struct {
	Expected, Actual uint64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("registry modified concurrently (version %d, now %d)", e.Expected, e.Actual)
}

// Config configures a Registry.
type Config struct {
	Store        MetadataStore
	Backups      *BackupWriter
	Classifier   Classifier
	Fs           afero.Fs
	DocumentPath string
	Clock        func() time.Time
	Logger       *slog.Logger
	// MaxRetries bounds reparse retries on concurrent modification.
	MaxRetries uint64
}

// Registry maps rule id to Rule. Reads take the read lock; writers mutate
// under the write lock and persist a copied snapshot outside it.
type Registry struct {
	mu         sync.RWMutex
	rules      map[string]*Rule
	nextSeq    int
	document   string
	documentFP string
	parsedAt   time.Time
	version    uint64

	persistMu        sync.Mutex
	persistedVersion uint64
	dirty            bool

	store        MetadataStore
	backups      *BackupWriter
	classifier   Classifier
	fs           afero.Fs
	documentPath string
	now          func() time.Time
	logger       *slog.Logger
	maxRetries   uint64
}

// NewRegistry creates an empty registry. Call Load to populate it.
func NewRegistry(cfg Config) *Registry {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Registry{
		rules:        make(map[string]*Rule),
		nextSeq:      1,
		store:        cfg.Store,
		backups:      cfg.Backups,
		classifier:   cfg.Classifier,
		fs:           cfg.Fs,
		documentPath: cfg.DocumentPath,
		now:          func() time.Time { return cfg.Clock().UTC() },
		logger:       cfg.Logger,
		maxRetries:   cfg.MaxRetries,
	}
}

// Load reads the persisted metadata store and reparses the policy document
// when it no longer matches the stored fingerprint. If the store is empty or
// unreadable, the rules are built from the document alone; an unreadable
// store is still reported as *store.StorageError.
func (r *Registry) Load(ctx context.Context) error {
	var loadErr error
	if r.store != nil {
		snap, err := r.store.Load(ctx)
		switch {
		case err != nil:
			loadErr = store.NewStorageError("registry", "load", err)
			r.logger.Warn("rule metadata unreadable, rebuilding from the policy document", "error", err)
		case len(snap.Rules) > 0 || snap.Document != "":
			r.install(snap)
			r.logger.Debug("registry loaded", "rules", len(snap.Rules))
			return r.syncDocument(ctx)
		}
	}

	_, err := r.ReparseFromDisk(ctx)
	if loadErr == nil {
		return err
	}
	if err != nil && !store.IsStorageError(err) {
		return errors.Join(loadErr, err)
	}
	return loadErr
}

func (r *Registry) install(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]*Rule, len(snap.Rules))
	for _, rule := range snap.Rules {
		r.rules[rule.ID] = rule
	}
	r.nextSeq = snap.NextSeq
	r.document = snap.Document
	r.documentFP = snap.DocumentFP
	r.parsedAt = snap.ParsedAt
	r.version++
	r.persistedVersion = r.version
}

// syncDocument reparses the document on disk if it differs from the one the
// loaded rules came from. An unreadable document keeps the stored rules.
func (r *Registry) syncDocument(ctx context.Context) error {
	if r.documentPath == "" {
		return nil
	}
	doc, err := afero.ReadFile(r.fs, r.documentPath)
	if err != nil {
		r.logger.Warn("policy document unreadable, keeping stored rules", "path", r.documentPath, "error", err)
		return nil
	}
	r.mu.RLock()
	fp := r.documentFP
	r.mu.RUnlock()
	if DocumentFingerprint(doc) == fp {
		return nil
	}
	r.logger.Debug("policy document changed since last parse", "path", r.documentPath)
	_, err = r.Reparse(ctx, doc)
	return err
}

// ReparseFromDisk reads the configured policy document and reparses it.
func (r *Registry) ReparseFromDisk(ctx context.Context) (*ReparseResult, error) {
	if r.documentPath == "" {
		return nil, ErrDocumentNotFound
	}
	doc, err := afero.ReadFile(r.fs, r.documentPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, r.documentPath)
		}
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	return r.Reparse(ctx, doc)
}

// ReparseResult describes what a reparse changed.
type ReparseResult struct {
	NoChange   bool     `json:"noChange"`
	Added      []string `json:"added,omitempty"`
	Updated    []string `json:"updated,omitempty"`
	Archived   []string `json:"archived,omitempty"`
	Restored   []string `json:"restored,omitempty"`
	Unchanged  int      `json:"unchanged"`
	BackupPath string   `json:"backupPath,omitempty"`
}

// Changed reports whether any rule was added, edited, archived or restored.
func (res *ReparseResult) Changed() bool {
	return len(res.Added)+len(res.Updated)+len(res.Archived)+len(res.Restored) > 0
}

// Reparse re-extracts rules from doc and diffs them against the registry.
// A malformed document returns *ParseError and leaves the registry untouched.
// A storage failure after the swap returns *store.StorageError together with
// the result; the new rules are active in memory.
func (r *Registry) Reparse(ctx context.Context, doc []byte) (*ReparseResult, error) {
	parsed, err := ParseDocument(doc)
	if err != nil {
		return nil, err
	}

	var (
		result     *ReparseResult
		backupPath string
		persistErr error
	)
	op := func() error {
		res, snap, version, err := r.applyReparse(doc, parsed, &backupPath)
		if err != nil {
			var cme *ConcurrentModificationError
			if errors.As(err, &cme) {
				r.logger.Debug("reparse retry", "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		if snap != nil {
			persistErr = r.persist(ctx, snap, version)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)); err != nil {
		return nil, err
	}
	return result, persistErr
}

// applyReparse computes the diff against a copy of the current state and
// swaps it in if nothing changed meanwhile.
func (r *Registry) applyReparse(doc []byte, parsed []ParsedRule, backupPath *string) (*ReparseResult, *Snapshot, uint64, error) {
	r.mu.RLock()
	base := make(map[string]*Rule, len(r.rules))
	for id, rule := range r.rules {
		base[id] = rule.Clone()
	}
	baseVersion := r.version
	nextSeq := r.nextSeq
	prevDoc := r.document
	prevFP := r.documentFP
	r.mu.RUnlock()

	docFP := DocumentFingerprint(doc)
	if docFP == prevFP && len(base) > 0 {
		return &ReparseResult{NoChange: true, Unchanged: len(base)}, nil, 0, nil
	}

	now := r.now()
	next, nextSeq, res := diffRules(base, parsed, nextSeq, now, r.classifier)

	if res.Changed() && prevDoc != "" && r.backups != nil {
		if *backupPath == "" {
			path, err := r.backups.Write(prevDoc, now)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("backup previous policy document: %w", err)
			}
			*backupPath = path
		}
		res.BackupPath = *backupPath
	}

	r.mu.Lock()
	if r.version != baseVersion {
		actual := r.version
		r.mu.Unlock()
		return nil, nil, 0, &ConcurrentModificationError{Expected: baseVersion, Actual: actual}
	}
	r.rules = next
	r.nextSeq = nextSeq
	r.document = string(doc)
	r.documentFP = docFP
	r.parsedAt = now
	r.version++
	version := r.version
	snap := r.snapshotLocked()
	r.mu.Unlock()

	res.NoChange = !res.Changed()
	r.logger.Info("policy document reparsed",
		"added", len(res.Added), "updated", len(res.Updated),
		"archived", len(res.Archived), "unchanged", res.Unchanged)
	return res, snap, version, nil
}

// diffRules pairs parsed rules with existing ones. base is owned by the caller.
func diffRules(base map[string]*Rule, parsed []ParsedRule, nextSeq int, now time.Time, cls Classifier) (map[string]*Rule, int, *ReparseResult) {
	res := &ReparseResult{}
	next := make(map[string]*Rule, len(base)+len(parsed))
	used := make(map[string]bool, len(base))

	byFP := make(map[string]*Rule, len(base))
	for _, id := range sortedIDs(base) {
		rule := base[id]
		if _, taken := byFP[rule.Fingerprint]; !taken {
			byFP[rule.Fingerprint] = rule
		}
	}

	// 1. Exact (section, content) matches keep id and stats.
	pending := make([]ParsedRule, 0, len(parsed))
	for _, p := range parsed {
		old, ok := byFP[p.Fingerprint()]
		if !ok || used[old.ID] {
			pending = append(pending, p)
			continue
		}
		used[old.ID] = true
		old.Position = p.Position
		if old.IsArchived() && old.HasFlag(FlagRemoved) {
			old.Status = StatusActive
			old.Flags = removeFlag(old.Flags, FlagRemoved)
			old.LastUpdated = now
			res.Restored = append(res.Restored, old.ID)
		} else {
			res.Unchanged++
		}
		next[old.ID] = old
	}

	// 2. Edited rules: same section, same position first, then closest text.
	var fresh []ParsedRule
	for _, p := range pending {
		old := pairEdited(base, used, p)
		if old == nil {
			fresh = append(fresh, p)
			continue
		}
		used[old.ID] = true
		c := cls.Classify(p.Section, p.Content)
		old.Content = p.Content
		old.Position = p.Position
		old.Fingerprint = p.Fingerprint()
		old.AlertLevel = c.AlertLevel
		old.Tags = c.Tags
		old.Phases = c.Phases
		old.Check = c.Check
		old.CheckArgs = c.CheckArgs
		old.LastUpdated = now
		next[old.ID] = old
		res.Updated = append(res.Updated, old.ID)
	}

	// 3. Genuinely new rules.
	for _, p := range fresh {
		id := fmt.Sprintf("R-%04d", nextSeq)
		nextSeq++
		next[id] = newRule(id, p, now, cls)
		res.Added = append(res.Added, id)
	}

	// 4. Rules no longer present are archived, never deleted.
	for _, id := range sortedIDs(base) {
		old := base[id]
		if used[id] {
			continue
		}
		if !old.IsArchived() {
			old.Status = StatusArchived
			old.Flags = addFlag(old.Flags, FlagRemoved)
			old.LastUpdated = now
			res.Archived = append(res.Archived, id)
		}
		next[id] = old
	}
	return next, nextSeq, res
}

func newRule(id string, p ParsedRule, now time.Time, cls Classifier) *Rule {
	c := cls.Classify(p.Section, p.Content)
	return &Rule{
		ID:          id,
		Content:     p.Content,
		Section:     p.Section,
		Position:    p.Position,
		AlertLevel:  c.AlertLevel,
		Tags:        c.Tags,
		Phases:      c.Phases,
		Check:       c.Check,
		CheckArgs:   c.CheckArgs,
		Status:      StatusActive,
		Fingerprint: p.Fingerprint(),
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// pairEdited finds the unused live rule p most plausibly edits.
func pairEdited(base map[string]*Rule, used map[string]bool, p ParsedRule) *Rule {
	var best *Rule
	bestSim := 0.0
	for _, id := range sortedIDs(base) {
		old := base[id]
		if used[id] || old.IsArchived() || old.Section != p.Section {
			continue
		}
		if old.Position == p.Position {
			return old
		}
		if sim := jaccard(wordSet(old.Content), wordSet(p.Content)); sim >= 0.5 && sim > bestSim {
			best, bestSim = old, sim
		}
	}
	return best
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,;:!?()[]`\"'")] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// RecordUsage increments UsageCount and sets LastUsed for each rule. A stale
// rule becomes active again.
func (r *Registry) RecordUsage(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	at = at.UTC()
	return r.mutate(ctx, func(rules map[string]*Rule) error {
		for _, id := range ids {
			rule, ok := rules[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
			}
			rule.UsageCount++
			if at.After(rule.LastUsed) {
				rule.LastUsed = at
			}
			if rule.Status == StatusStale {
				rule.Status = StatusActive
				rule.Flags = removeFlag(rule.Flags, FlagStale)
			}
		}
		return nil
	})
}

// Outcome is a compliance outcome for one rule: 1 followed, 0 violated.
type Outcome struct {
	RuleID string
	Value  int
}

// UpdateComplianceScore applies new = old*0.8 + outcome*0.2.
func (r *Registry) UpdateComplianceScore(ctx context.Context, id string, outcome int) error {
	return r.UpdateComplianceScores(ctx, []Outcome{{RuleID: id, Value: outcome}})
}

// UpdateComplianceScores applies several outcomes under one write lock and one persist.
func (r *Registry) UpdateComplianceScores(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	return r.mutate(ctx, func(rules map[string]*Rule) error {
		for _, o := range outcomes {
			if o.Value != 0 && o.Value != 1 {
				return fmt.Errorf("invalid outcome %d for %s", o.Value, o.RuleID)
			}
		}
		for _, o := range outcomes {
			rule, ok := rules[o.RuleID]
			if !ok {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, o.RuleID)
			}
			rule.ComplianceScore = clamp01(rule.ComplianceScore*0.8 + float64(o.Value)*0.2)
		}
		return nil
	})
}

// FlagUpdate sets or clears review flags on one rule.
type FlagUpdate struct {
	RuleID string
	Set    []string
	Clear  []string
}

// ApplyFlags writes review flags in one batch. Setting FlagStale moves an
// active rule to stale; clearing it moves it back. Nothing else changes.
func (r *Registry) ApplyFlags(ctx context.Context, updates []FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return r.mutate(ctx, func(rules map[string]*Rule) error {
		for _, u := range updates {
			if _, ok := rules[u.RuleID]; !ok {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, u.RuleID)
			}
		}
		for _, u := range updates {
			rule := rules[u.RuleID]
			for _, f := range u.Clear {
				rule.Flags = removeFlag(rule.Flags, f)
				if f == FlagStale && rule.Status == StatusStale {
					rule.Status = StatusActive
				}
			}
			for _, f := range u.Set {
				rule.Flags = addFlag(rule.Flags, f)
				if f == FlagStale && rule.Status == StatusActive {
					rule.Status = StatusStale
				}
			}
		}
		return nil
	})
}

// Archive retires a rule after human confirmation. The rule is kept for
// audit continuity and excluded from scoring.
func (r *Registry) Archive(ctx context.Context, id string) error {
	return r.mutate(ctx, func(rules map[string]*Rule) error {
		rule, ok := rules[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		if rule.IsArchived() {
			return fmt.Errorf("%w: %s", ErrRuleArchived, id)
		}
		rule.Status = StatusArchived
		rule.LastUpdated = r.now()
		return nil
	})
}

// SetAlertLevel changes a rule's level. This is an explicit maintenance action.
func (r *Registry) SetAlertLevel(ctx context.Context, id string, level AlertLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid alert level %q", level)
	}
	return r.mutate(ctx, func(rules map[string]*Rule) error {
		rule, ok := rules[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		if rule.AlertLevel != level {
			rule.AlertLevel = level
			rule.LastUpdated = r.now()
		}
		return nil
	})
}

// mutate applies fn under the write lock and persists the result outside it.
// If fn fails nothing changes.
func (r *Registry) mutate(ctx context.Context, fn func(rules map[string]*Rule) error) error {
	r.mu.Lock()
	work := make(map[string]*Rule, len(r.rules))
	for id, rule := range r.rules {
		work[id] = rule.Clone()
	}
	if err := fn(work); err != nil {
		r.mu.Unlock()
		return err
	}
	r.rules = work
	r.version++
	version := r.version
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return r.persist(ctx, snap, version)
}

// persist saves snap unless a newer version has already been saved.
func (r *Registry) persist(ctx context.Context, snap *Snapshot, version uint64) error {
	if r.store == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if version <= r.persistedVersion {
		return nil
	}
	if err := r.store.Save(ctx, snap); err != nil {
		r.dirty = true
		r.logger.Warn("registry not persisted", "version", version, "error", err)
		return store.NewStorageError("registry", "save", err)
	}
	r.persistedVersion = version
	r.dirty = false
	return nil
}

// Flush persists the current state if an earlier save failed.
func (r *Registry) Flush(ctx context.Context) error {
	r.persistMu.Lock()
	dirty := r.dirty
	r.persistMu.Unlock()
	if !dirty {
		return nil
	}
	r.mu.RLock()
	snap := r.snapshotLocked()
	version := r.version
	r.mu.RUnlock()
	return r.persist(ctx, snap, version)
}

// Dirty reports whether in-memory state is ahead of the store.
func (r *Registry) Dirty() bool {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return r.dirty
}

// snapshotLocked copies the state. Caller holds r.mu.
func (r *Registry) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Rules:      make([]*Rule, 0, len(r.rules)),
		NextSeq:    r.nextSeq,
		Document:   r.document,
		DocumentFP: r.documentFP,
		ParsedAt:   r.parsedAt,
	}
	for _, id := range sortedIDs(r.rules) {
		snap.Rules = append(snap.Rules, r.rules[id].Clone())
	}
	return snap
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get returns a copy of one rule.
func (r *Registry) Get(id string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, false
	}
	return rule.Clone(), true
}

// List returns copies of all rules ordered by id, archived included.
func (r *Registry) List() []*Rule {
	return r.Snapshot().Rules
}

// Live returns copies of non-archived rules ordered by id.
func (r *Registry) Live() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rule, 0, len(r.rules))
	for _, id := range sortedIDs(r.rules) {
		if rule := r.rules[id]; !rule.IsArchived() {
			out = append(out, rule.Clone())
		}
	}
	return out
}

// Len returns the number of rules, archived included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Version returns the in-memory version counter.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func sortedIDs(m map[string]*Rule) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func addFlag(flags []string, f string) []string {
	if slices.Contains(flags, f) {
		return flags
	}
	out := append(slices.Clone(flags), f)
	slices.Sort(out)
	return out
}

func removeFlag(flags []string, f string) []string {
	out := slices.DeleteFunc(slices.Clone(flags), func(s string) bool { return s == f })
	if len(out) == 0 {
		return nil
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
