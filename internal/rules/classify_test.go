package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableClassifier_Classify(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		name      string
		section   string
		content   string
		level     AlertLevel
		check     string
		checkArgs []string
		hasTags   []string
		phases    []string
	}{
		{
			name:    "critical section wins over content",
			section: "Critical Rules",
			content: "Tests should exist before implementation.",
			level:   LevelCritical,
			check:   CheckTestsExist,
			hasTags: []string{"testing"},
		},
		{
			name:    "content keyword",
			section: "Workflow",
			content: "Never delete files without a backup.",
			level:   LevelCritical,
			check:   CheckBackupExists,
			hasTags: []string{"backup", "destructive"},
		},
		{
			name:    "advisory content",
			section: "Workflow",
			content: "Prefer small commits.",
			level:   LevelAdvisory,
			hasTags: []string{"git"},
		},
		{
			name:    "no keyword is info",
			section: "Context",
			content: "The service is written in Go.",
			level:   LevelInfo,
		},
		{
			name:    "explicit annotation",
			section: "Guidelines",
			content: "Use the formatter. [level: critical] [phase: Review] #Style",
			level:   LevelCritical,
			hasTags: []string{"style"},
			phases:  []string{"review"},
		},
		{
			name:      "tool availability",
			section:   "Setup Phase",
			content:   "The `golangci-lint` binary must be installed.",
			level:     LevelCritical,
			check:     CheckToolAvailable,
			checkArgs: []string{"golangci-lint"},
			phases:    []string{"foundation"},
		},
		{
			name:      "protected path",
			section:   "Security",
			content:   "Never edit `migrations/**` by hand.",
			level:     LevelCritical,
			check:     CheckPathProtected,
			checkArgs: []string{"migrations/**"},
		},
		{
			name:      "expression check",
			section:   "Release",
			content:   "Only deploy from main. [check: expr] `phase != \"release\" || \"git\" in tags`",
			level:     LevelInfo,
			check:     CheckExpr,
			checkArgs: []string{`phase != "release" || "git" in tags`},
		},
		{
			name:    "policy check",
			section: "Security",
			content: "Secrets stay out of the repo. [check: policy:secrets]",
			level:   LevelCritical,
			check:   "policy:secrets",
			hasTags: []string{"security"},
		},
		{
			name:    "word prefix only",
			section: "Notes",
			content: "Use the latest toolchain.",
			level:   LevelInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.section, tt.content)
			assert.Equal(t, tt.level, got.AlertLevel)
			assert.Equal(t, tt.check, got.Check)
			assert.Equal(t, tt.checkArgs, got.CheckArgs)
			for _, tag := range tt.hasTags {
				assert.Contains(t, got.Tags, tag)
			}
			if tt.phases != nil {
				assert.Equal(t, tt.phases, got.Phases)
			}
			assert.NotNil(t, got.Tags)
			assert.NotNil(t, got.Phases)
		})
	}

	assert.NotContains(t, c.Classify("Notes", "Use the latest toolchain.").Tags, "testing")
}

func TestClassify_Deterministic(t *testing.T) {
	c := DefaultClassifier()
	a := c.Classify("Critical Rules", "Never remove `config/` without a backup. #ops")
	b := c.Classify("Critical Rules", "Never remove `config/` without a backup. #ops")
	assert.Equal(t, a, b)
}

func TestNormalizeTokens(t *testing.T) {
	assert.Equal(t, []string{"code-review", "testing"}, NormalizeTokens([]string{"Testing", "#testing", " Code  Review ", ""}))
	assert.Equal(t, []string{}, NormalizeTokens(nil))
	assert.Equal(t, "test", NormalizeToken("ｔｅｓｔ"))
}
