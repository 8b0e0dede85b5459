package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ValueExpression reports whether s consists of a single "$(...)"
// expression, whose result is used as a raw value rather than a string.
func ValueExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "$(") || !strings.HasSuffix(trimmed, ")") {
		return "", false
	}
	code := trimmed[2 : len(trimmed)-1]
	// Reject "$(a) + $(b)", which is two expressions
	depth := 0
	for _, r := range code {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", false
			}
		}
	}
	if depth != 0 || strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

// IsTemplate reports whether s contains "${...}" expressions.
func IsTemplate(s string) bool {
	return strings.Contains(s, "${")
}

type segment struct {
	literal string
	code    Script
}

// Template is a string with embedded "${...}" expressions.
type Template struct {
	raw      string
	segments []segment
}

func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	matches := templatePattern.FindAllStringSubmatchIndex(raw, -1)
	if strings.Count(raw, "${") > len(matches) {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.segments = append(t.segments, segment{literal: raw[lastEnd:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		code, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{code: code})
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.segments = append(t.segments, segment{literal: raw[lastEnd:]})
	}
	return t, nil
}

func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.segments) == 0 {
		return t.raw, nil
	}
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.code == nil {
			b.WriteString(seg.literal)
			continue
		}
		result, err := seg.code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		b.WriteString(result.String())
	}
	return b.String(), nil
}
