package rules

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// ParseError reports a malformed policy document. The registry is left
// untouched when Reparse returns one.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse policy document: line %d: %s", e.Line, e.Reason)
	}
	return "parse policy document: " + e.Reason
}

// ParsedRule is one rule statement as found in the document.
type ParsedRule struct {
	Section  string
	Content  string
	Position int // ordinal inside the section, starting at 0
	Line     int
}

// Fingerprint returns the content fingerprint of the parsed rule.
func (p ParsedRule) Fingerprint() string {
	return Fingerprint(p.Section, p.Content)
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	bulletRe  = regexp.MustCompile(`^\s{0,3}(?:[-*+]|\d+[.)])\s+(.*)$`)
	hruleRe   = regexp.MustCompile(`^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)
)

// ParseDocument splits a policy document into sections and rule statements.
//
// Headings open sections. Bullet and numbered items are rules; indented lines
// continue the current item. Other non-blank lines are one rule each. Fenced
// code blocks, HTML comments and horizontal rules are ignored.
func ParseDocument(doc []byte) ([]ParsedRule, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, &ParseError{Reason: "document is empty"}
	}

	var (
		out       []ParsedRule
		section   string
		position  int
		current   *ParsedRule
		inFence   bool
		fenceLine int
		inComment bool
		seen      = map[string]int{} // fingerprint -> line
	)

	flush := func() error {
		if current == nil {
			return nil
		}
		current.Content = strings.TrimSpace(current.Content)
		if current.Content != "" {
			fp := current.Fingerprint()
			if prev, dup := seen[fp]; dup {
				return &ParseError{Line: current.Line, Reason: fmt.Sprintf("duplicate rule in section %q (first at line %d)", current.Section, prev)}
			}
			seen[fp] = current.Line
			current.Position = position
			position++
			out = append(out, *current)
		}
		current = nil
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(doc))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(raw)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			if err := flush(); err != nil {
				return nil, err
			}
			inFence = !inFence
			fenceLine = lineNo
			continue
		}
		if inFence {
			continue
		}
		if inComment {
			if strings.Contains(trimmed, "-->") {
				inComment = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, "<!--") {
			if !strings.Contains(trimmed, "-->") {
				inComment = true
			}
			continue
		}

		if m := headingRe.FindStringSubmatch(trimmed); m != nil && !strings.HasPrefix(raw, " ") {
			if err := flush(); err != nil {
				return nil, err
			}
			section = strings.TrimSpace(m[2])
			position = 0
			continue
		}

		if trimmed == "" || hruleRe.MatchString(trimmed) {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		if section == "" {
			return nil, &ParseError{Line: lineNo, Reason: "rule text before the first section heading"}
		}

		if m := bulletRe.FindStringSubmatch(raw); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			current = &ParsedRule{Section: section, Content: m[1], Line: lineNo}
			continue
		}

		// Indented continuation of a bullet item.
		if current != nil && (strings.HasPrefix(raw, "  ") || strings.HasPrefix(raw, "\t")) {
			current.Content += " " + trimmed
			continue
		}

		// Plain line: one rule per line.
		if err := flush(); err != nil {
			return nil, err
		}
		current = &ParsedRule{Section: section, Content: trimmed, Line: lineNo}
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo, Reason: err.Error()}
	}
	if inFence {
		return nil, &ParseError{Line: fenceLine, Reason: "unterminated code fence"}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if section == "" {
		return nil, &ParseError{Reason: "no section headings found"}
	}
	return out, nil
}
