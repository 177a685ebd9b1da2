package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/rules"
)

// SignalSource supplies history signals. *git.Client implements it.
type SignalSource interface {
	RecentSubjects(ctx context.Context, n int) ([]string, error)
	ChangedPaths(ctx context.Context, n int) ([]string, error)
}

// Vocabulary holds the fixed keyword tables used to derive tags, phase and
// task type. Keywords are lower case and matched at word starts.
type Vocabulary struct {
	Tags      []rules.KeywordRule
	Phases    []rules.KeywordRule
	TaskTypes []rules.KeywordRule
	// Commands maps the first word of a shell command to a tag.
	Commands map[string]string
}

// DefaultVocabulary shares tag and phase tables with the rule classifier so
// intent tags and rule tags come from the same space.
func DefaultVocabulary() Vocabulary {
	cls := rules.DefaultClassifier()
	return Vocabulary{
		Tags:   cls.TagVocabulary,
		Phases: cls.PhaseVocabulary,
		TaskTypes: []rules.KeywordRule{
			{Keyword: "hotfix", Value: "bugfix"},
			{Keyword: "fix", Value: "bugfix"},
			{Keyword: "bug", Value: "bugfix"},
			{Keyword: "feat", Value: "feature"},
			{Keyword: "refactor", Value: "refactor"},
			{Keyword: "test", Value: "testing"},
			{Keyword: "docs", Value: "docs"},
			{Keyword: "documentation", Value: "docs"},
		},
		Commands: map[string]string{
			"rm":       "destructive",
			"rmdir":    "destructive",
			"mv":       "destructive",
			"truncate": "destructive",
			"shred":    "destructive",
			"dd":       "destructive",
			"git":      "git",
			"docker":   "deployment",
			"kubectl":  "deployment",
		},
	}
}

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Fs           afero.Fs
	PhaseFile    string
	DefaultPhase string
	// Git is optional; nil disables history signals.
	Git          SignalSource
	HistoryDepth int
	GitTimeout   time.Duration
	Vocabulary   *Vocabulary
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Extractor builds a Context from Signals. It never fails: missing or broken
// signal sources degrade to empty signals.
type Extractor struct {
	fs           afero.Fs
	phaseFile    string
	defaultPhase string
	git          SignalSource
	historyDepth int
	gitTimeout   time.Duration
	vocab        Vocabulary
	now          func() time.Time
	logger       *slog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	e := &Extractor{
		fs:           cfg.Fs,
		phaseFile:    cfg.PhaseFile,
		defaultPhase: cfg.DefaultPhase,
		git:          cfg.Git,
		historyDepth: cfg.HistoryDepth,
		gitTimeout:   cfg.GitTimeout,
		now:          cfg.Clock,
		logger:       cfg.Logger,
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.defaultPhase == "" {
		e.defaultPhase = "foundation"
	}
	if e.historyDepth <= 0 {
		e.historyDepth = 10
	}
	if e.gitTimeout <= 0 {
		e.gitTimeout = 500 * time.Millisecond
	}
	if cfg.Vocabulary != nil {
		e.vocab = *cfg.Vocabulary
	} else {
		e.vocab = DefaultVocabulary()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Extract derives the session context for one pending action.
func (e *Extractor) Extract(ctx context.Context, sig Signals) Context {
	out := Context{
		SessionID: sig.SessionID,
		Tool:      NormalizeTool(sig.ToolName),
		Command:   strings.TrimSpace(sig.Command),
		WorkDir:   sig.WorkDir,
		Timestamp: sig.Now.UTC(),
	}
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if sig.Now.IsZero() {
		out.Timestamp = e.now().UTC()
	}
	out.Target = strings.TrimSpace(sig.TargetPath)
	if out.Target == "" {
		out.Target = out.Command
	}

	messages := append([]string(nil), sig.Messages...)
	paths := append([]string(nil), sig.TouchedPaths...)
	if p := strings.TrimSpace(sig.TargetPath); p != "" {
		paths = append([]string{p}, paths...)
	}
	if e.git != nil {
		subjects, changed := e.history(ctx)
		messages = append(messages, subjects...)
		paths = append(paths, changed...)
	}

	var tags []string
	for _, m := range messages {
		tags = append(tags, matchAll(e.vocab.Tags, strings.ToLower(m))...)
	}
	for _, p := range paths {
		tags = append(tags, matchAll(e.vocab.Tags, strings.ToLower(p))...)
		tags = append(tags, matchAll(e.vocab.Tags, pathWords(p))...)
	}
	if out.Command != "" {
		tags = append(tags, matchAll(e.vocab.Tags, strings.ToLower(out.Command))...)
		tags = append(tags, e.commandTags(out.Command)...)
	}
	out.IntentTags = rules.NormalizeTokens(tags)

	out.Phase = e.phase(sig.PhaseHint, messages)
	out.TaskType = rules.NormalizeToken(sig.TaskHint)
	if out.TaskType == "" {
		out.TaskType = firstMatch(e.vocab.TaskTypes, messages)
	}
	return out
}

// history reads git signals under a bounded timeout. Failures yield nothing.
func (e *Extractor) history(ctx context.Context) (subjects, changed []string) {
	ctx, cancel := context.WithTimeout(ctx, e.gitTimeout)
	defer cancel()

	subjects, err := e.git.RecentSubjects(ctx, e.historyDepth)
	if err != nil {
		e.logger.Debug("git subjects unavailable", "error", err)
		subjects = nil
	}
	changed, err = e.git.ChangedPaths(ctx, e.historyDepth)
	if err != nil {
		e.logger.Debug("git changed paths unavailable", "error", err)
	}
	return subjects, changed
}

// phase resolves the lifecycle phase: hint, then phase file, then message
// vocabulary, then the default.
func (e *Extractor) phase(hint string, messages []string) string {
	if p := rules.NormalizeToken(hint); p != "" {
		return p
	}
	if e.phaseFile != "" {
		if data, err := afero.ReadFile(e.fs, e.phaseFile); err == nil {
			if p := rules.NormalizeToken(firstLine(string(data))); p != "" {
				return p
			}
		}
	}
	if p := firstMatch(e.vocab.Phases, messages); p != "" {
		return p
	}
	return rules.NormalizeToken(e.defaultPhase)
}

// commandTags tags each command in a pipeline or && chain by its first word.
func (e *Extractor) commandTags(command string) []string {
	var tags []string
	fields := strings.FieldsFunc(command, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n'
	})
	for _, segment := range fields {
		words := strings.Fields(segment)
		for len(words) > 0 && (words[0] == "sudo" || strings.Contains(words[0], "=")) {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		if tag, ok := e.vocab.Commands[filepath.Base(words[0])]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

func matchAll(table []rules.KeywordRule, text string) []string {
	var out []string
	for _, kw := range table {
		if rules.HasWordPrefix(text, kw.Keyword) {
			out = append(out, kw.Value)
		}
	}
	return out
}

// firstMatch returns the value of the first keyword found, scanning messages
// in order (newest first) and the table in order within a message.
func firstMatch(table []rules.KeywordRule, messages []string) string {
	for _, m := range messages {
		lower := strings.ToLower(m)
		for _, kw := range table {
			if rules.HasWordPrefix(lower, kw.Keyword) {
				return kw.Value
			}
		}
	}
	return ""
}

// pathWords turns "internal/store/store_test.go" into "internal store store test go".
func pathWords(p string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', '_', '-':
			return ' '
		}
		return r
	}, filepath.ToSlash(p)))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
