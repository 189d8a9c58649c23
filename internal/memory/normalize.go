package memory

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var (
	summaryTagRe = regexp.MustCompile(`(?is)<memory_summary>(.*?)</\s*memory_summary\s*>`)
	bulletRe     = regexp.MustCompile(`^(?:[-*•–]\s+|\d+[.)]\s+)`)
)

// normalizeSummary reduces raw model output to the stored digest form.
//
// Recognition order:
//  1. A <memory_summary> block: its trimmed body wins.
//  2. A JSON object: keys sorted, rendered as "key: value" segments joined
//     by "；".
//  3. Anything else: lines collapsed into "；"-joined segments with bullet
//     markers stripped.
func normalizeSummary(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	if m := summaryTagRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if seg, ok := jsonSegments(s); ok {
		return seg
	}
	return collapseLines(s)
}

func jsonSegments(s string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || len(obj) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+renderValue(obj[k]))
	}
	return strings.Join(parts, "；"), true
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func collapseLines(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts = append(parts, bulletRe.ReplaceAllString(line, ""))
	}
	return strings.Join(parts, "；")
}
