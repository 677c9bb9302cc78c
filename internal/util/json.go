// Package util holds text helpers for model responses: JSON extraction,
// reasoning tag stripping and prompt template rendering.
package util

import (
	"regexp"
	"strings"
)

// Precompiled regex patterns (compiled once at package init)
var (
	jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

// ExtractJSON extracts JSON content from a response that may contain markdown
// code blocks or surrounding prose. The first top-level array or object wins;
// a truncated array is closed when it already holds content.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	objectStart := strings.Index(s, "{")

	if objectStart != -1 && (arrayStart == -1 || objectStart < arrayStart) {
		if end := findMatchingBracket(s, objectStart, '{', '}'); end != -1 {
			return s[objectStart : end+1]
		}
		return s[objectStart:]
	}

	if arrayStart != -1 {
		if end := findMatchingBracket(s, arrayStart, '[', ']'); end != -1 {
			return s[arrayStart : end+1]
		}
		// Truncated array - try to close it
		if strings.LastIndex(s, "\"") > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			return trimmed + "]"
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for an opening bracket,
// skipping brackets inside strings. Returns -1 if there is none.
func findMatchingBracket(s string, startPos int, openChar, closeChar byte) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// SanitizeJSON fixes common JSON issues from LLM responses
// Specifically handles unescaped newlines in string values
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		// Replace literal newlines in strings with \n
		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			// Skip \r if followed by \n
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}
