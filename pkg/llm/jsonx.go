package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kailiangenn/another-me/pkg/core"
)

// ExtractJSON decodes the first JSON object or array found in a model
// response, tolerating markdown code fences and surrounding prose. Every
// caller must keep a rule-layer fallback for when this fails.
func ExtractJSON(raw string, v any) error {
	candidate := stripFences(raw)

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return fmt.Errorf("%w: no JSON in response", core.ErrParse)
	}

	open := candidate[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(candidate); i++ {
		ch := candidate[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(candidate[start:i+1]), v); err != nil {
					return fmt.Errorf("%w: %v", core.ErrParse, err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: unterminated JSON in response", core.ErrParse)
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line.
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
