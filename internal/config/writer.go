package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned by WriteProjectConfig when the file exists and
// force is not set.
var ErrConfigExists = errors.New("config file already exists")

// quoteYAMLValue quotes a string value for safe YAML serialization.
func quoteYAMLValue(value string) string {
	needsQuoting := strings.ContainsAny(value, ":{}[]&*#?|-<>=!%@`\"'\n\r\t ")
	if !needsQuoting {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}

// ProjectConfigTemplate renders the commented config.yaml written by init.
func ProjectConfigTemplate(document string) string {
	if document == "" {
		document = DefaultDocument
	}
	d := Defaults()
	return fmt.Sprintf(`# rulegate project configuration
registry:
  document: %s
  backup_dir: %s

scoring:
  # Rules scoring below the floor are not evaluated.
  floor: %g
  staleness_window: %s

session:
  default_phase: %s
  git_signals: true
  history_depth: %d

checks:
  timeout: %s
  parallelism: %d
  # Extra test locations; {name}, {dir} and {ext} refer to the edited file.
  test_globs: []
  # Named CEL expressions for [check: expr] rules.
  expressions: {}

maintenance:
  stale_window: %s
  effectiveness_window: %s
  effectiveness_floor: %g
  min_events: %d
  interval: %s

server:
  port: %d

log:
  level: %s
`,
		quoteYAMLValue(document), d.Registry.BackupDir,
		d.Scoring.Floor, d.Scoring.StalenessWindow,
		d.Session.DefaultPhase, d.Session.HistoryDepth,
		d.Checks.Timeout, d.Checks.Parallelism,
		d.Maintenance.StaleWindow, d.Maintenance.EffectivenessWindow,
		d.Maintenance.EffectivenessFloor, d.Maintenance.MinEvents, d.Maintenance.Interval,
		d.Server.Port, d.Log.Level)
}

// WriteProjectConfig writes the template to path.
func WriteProjectConfig(fs afero.Fs, path, document string, force bool) error {
	if ok, _ := afero.Exists(fs, path); ok && !force {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return afero.WriteFile(fs, path, []byte(ProjectConfigTemplate(document)), 0o644)
}

// SetValue sets a dotted key (scoring.floor) in the YAML file at path,
// creating the file and intermediate mappings as needed. Comments elsewhere
// in the file are preserved.
func SetValue(fs afero.Fs, path, key, value string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}

	var doc yaml.Node
	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	node := doc.Content[0]
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}

	for i, p := range parts {
		last := i == len(parts)-1
		child := lookup(node, p)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: p}, child)
		}
		if last {
			var scalar yaml.Node
			if err := yaml.Unmarshal([]byte(value), &scalar); err != nil || len(scalar.Content) == 0 || scalar.Content[0].Kind != yaml.ScalarNode {
				child.Kind, child.Tag, child.Value, child.Style = yaml.ScalarNode, "!!str", value, 0
			} else {
				v := scalar.Content[0]
				child.Kind, child.Tag, child.Value, child.Style, child.Content = v.Kind, v.Tag, v.Value, v.Style, nil
			}
			break
		}
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("config key %s is not a mapping", strings.Join(parts[:i+1], "."))
		}
		node = child
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0o644)
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
