// Package toolcall extracts structured tool calls from raw model output.
// Models wrap calls in <tool_call> or <tool> tags, but sloppy emissions are
// common: missing closing tags, prose around the payload, stringified
// argument objects. The parser degrades gracefully through three recognition
// passes instead of rejecting malformed output.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

var (
	closedTagRe = regexp.MustCompile(`(?is)<tool_call(?:\s[^>]*)?>(.*?)</\s*tool_call\s*>|<tool(?:\s[^>]*)?>(.*?)</\s*tool\s*>`)
	openTagRe   = regexp.MustCompile(`(?i)<tool_call(?:\s[^>]*)?>|<tool(?:\s[^>]*)?>`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// Parse extracts every recognizable tool call from text.
//
// Recognition order:
//  1. Closed <tool_call>/<tool> tags (case-insensitive, attributes ignored).
//  2. Open tags only: the payload runs to the next opening tag or EOF.
//  3. Bare payload: the whole text as JSON, or the first balanced JSON
//     object/array found by a string-aware brace scan.
//
// Each candidate payload may hold one call object or an array of them.
// Calls without a name are dropped; string arguments are JSON-parsed when
// possible and wrapped as {"raw": s} otherwise.
func Parse(text string) []models.ToolCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if matches := closedTagRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		var calls []models.ToolCall
		for _, m := range matches {
			payload := m[1]
			if payload == "" {
				payload = m[2]
			}
			calls = append(calls, decodePayload(payload)...)
		}
		return calls
	}

	if locs := openTagRe.FindAllStringIndex(text, -1); len(locs) > 0 {
		var calls []models.ToolCall
		for i, loc := range locs {
			end := len(text)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			calls = append(calls, decodePayload(text[loc[1]:end])...)
		}
		return calls
	}

	return decodePayload(text)
}

// Strip removes tool-call tag blocks from assistant output so persisted and
// displayed content carries only prose. Closed blocks are spliced with a
// paragraph break; an unterminated opening tag cuts the text at the tag.
func Strip(text string) string {
	if text == "" {
		return ""
	}
	out := closedTagRe.ReplaceAllString(text, "\n\n")
	if loc := openTagRe.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// decodePayload turns one payload slice into zero or more normalized calls.
// Invalid JSON falls back to the first balanced object/array in the slice.
func decodePayload(payload string) []models.ToolCall {
	s := strings.TrimSpace(payload)
	if s == "" {
		return nil
	}
	if calls, ok := decodeJSON(s); ok {
		return calls
	}
	if frag, ok := firstBalanced(s); ok {
		if calls, ok := decodeJSON(frag); ok {
			return calls
		}
	}
	return nil
}

// decodeJSON reports ok when s is valid JSON, regardless of whether any
// calls were recognized inside it.
func decodeJSON(s string) ([]models.ToolCall, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		if call, ok := normalize(t); ok {
			return []models.ToolCall{call}, true
		}
		return nil, true
	case []any:
		var calls []models.ToolCall
		for _, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if call, ok := normalize(obj); ok {
				calls = append(calls, call)
			}
		}
		return calls, true
	}
	return nil, true
}

// normalize validates a raw call object. Name is mandatory; arguments are
// coerced into a JSON object.
func normalize(raw map[string]any) (models.ToolCall, bool) {
	name, _ := raw["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ToolCall{}, false
	}

	var args map[string]any
	switch v := raw["arguments"].(type) {
	case nil:
		args = map[string]any{}
	case map[string]any:
		args = v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			args = parsed
		} else {
			args = map[string]any{"raw": v}
		}
	default:
		args = map[string]any{"raw": v}
	}
	return models.ToolCall{Name: name, Arguments: args}, true
}

// firstBalanced locates the first balanced JSON object or array in s,
// honoring string literals and backslash escapes so braces inside strings
// do not confuse the bracket stack.
func firstBalanced(s string) (string, bool) {
	start := -1
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start == -1 {
			if c == '{' || c == '[' {
				start = i
				stack = append(stack, c)
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (c == '}' && open != '{') || (c == ']' && open != '[') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
