package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// MalformedOutputError reports that generative output could not be turned
// into the expected structured record. It carries the raw text for
// diagnostics.
type MalformedOutputError struct {
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed output: %s", e.Reason)
}

// Malformed wraps a reason and the raw text into a MalformedOutputError.
func Malformed(raw, format string, args ...any) *MalformedOutputError {
	return &MalformedOutputError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// Pre-compiled patterns. Compiling on every extraction is measurably slower
// and extraction runs on every structured backend response.
var (
	// ```json ... ``` fences, language tag optional
	fencedBlockRegex = regexp.MustCompile("(?s)```(?:json|javascript|js)?[ \t]*\n?(.*?)\n?```")

	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
)

// maxExtractInput bounds parser input to keep a runaway response from
// exhausting memory.
const maxExtractInput = 10 * 1024 * 1024

// Extract locates and parses a structured record of type T in free-form
// generative output. Strategies are tried in order, first success wins:
//
//  1. the contents of a fenced code block tagged as structured data
//  2. the first balanced brace- or bracket-delimited span in the text
//  3. the entire text verbatim
//
// Each candidate gets a second chance after trailing-comma cleanup, the
// one malformation models produce routinely. Failure returns a
// *MalformedOutputError carrying the raw text.
func Extract[T any](text string) (T, error) {
	var zero T

	if len(text) > maxExtractInput {
		return zero, Malformed(text[:1024], "input exceeds %d byte limit", maxExtractInput)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, Malformed(text, "empty input")
	}

	var lastErr error
	for _, candidate := range candidates(trimmed) {
		result, err := tryParse[T](candidate)
		if err == nil {
			return result, nil
		}
		lastErr = err

		cleaned := trailingCommaRegex.ReplaceAllString(candidate, "$1")
		if cleaned != candidate {
			if result, err := tryParse[T](cleaned); err == nil {
				return result, nil
			}
		}
	}

	slog.Debug("all extraction strategies failed",
		"error", lastErr,
		"preview", preview(text, 120))
	return zero, Malformed(text, "no parseable structured content: %v", lastErr)
}

// candidates returns the parse candidates for the ordered strategies,
// skipping strategies that find nothing.
func candidates(trimmed string) []string {
	var out []string
	if fenced := fencedBlockRegex.FindStringSubmatch(trimmed); fenced != nil {
		out = append(out, strings.TrimSpace(fenced[1]))
	}
	if span := balancedSpan(trimmed); span != "" {
		out = append(out, span)
	}
	out = append(out, trimmed)
	return out
}

// balancedSpan returns the first balanced {...} or [...] span in the text,
// or "" if none exists. String literals and escapes are respected so braces
// inside JSON strings do not confuse the scan.
func balancedSpan(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// Braces inside strings are content, not structure
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// tryParse attempts a strict JSON parse of the candidate.
func tryParse[T any](candidate string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(candidate), &result)
	return result, err
}

// preview truncates s for log output.
func preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
