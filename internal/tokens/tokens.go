// Package tokens provides heuristic token accounting for LLM context
// budgeting. Estimates are deterministic and intentionally cheap: roughly
// four UTF-8 bytes per token, with embedded base64 images counted at a
// fixed rate instead of their encoded length.
package tokens

import (
	"regexp"
	"unicode/utf8"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const (
	// CharsPerToken is the bytes-per-token heuristic divisor.
	CharsPerToken = 4

	// MessageOverhead is the fixed per-message framing cost.
	MessageOverhead = 4

	// ImageTokenEstimate is charged per embedded or attached image.
	ImageTokenEstimate = 256
)

const imagePlaceholder = "[image]"

var imageDataURLRe = regexp.MustCompile(`data:image/[A-Za-z0-9.+-]+;base64,[A-Za-z0-9+/=\r\n]+`)

// Approx estimates the token count of a string: ceil(bytes / CharsPerToken).
// Each embedded base64 image data URL is replaced by a placeholder and
// charged ImageTokenEstimate instead of its encoded length.
func Approx(text string) int {
	if text == "" {
		return 0
	}
	images := 0
	if imageDataURLRe.MatchString(text) {
		text = imageDataURLRe.ReplaceAllStringFunc(text, func(string) string {
			images++
			return imagePlaceholder
		})
	}
	return (len(text)+CharsPerToken-1)/CharsPerToken + images*ImageTokenEstimate
}

// EstimateMessage estimates one message: content plus reasoning trace plus
// MessageOverhead. Multi-part bodies count text parts by length and image
// parts at ImageTokenEstimate each.
func EstimateMessage(m models.ChatMessage) int {
	total := MessageOverhead
	if len(m.Parts) > 0 {
		for _, part := range m.Parts {
			if part.Type == "image_url" {
				total += ImageTokenEstimate
				continue
			}
			total += Approx(part.Text)
		}
	} else {
		total += Approx(m.Content)
	}
	if m.Reasoning != "" {
		total += Approx(m.Reasoning)
	}
	return total
}

// EstimateMessages sums EstimateMessage over the list.
func EstimateMessages(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// TrimTextToTokens truncates text to roughly the given token budget,
// preserving the prefix and appending suffix as the truncation marker.
// When the budget cannot even hold the suffix, a character-truncated
// suffix is returned.
func TrimTextToTokens(text string, budget int, suffix string) string {
	if budget <= 0 {
		return ""
	}
	if Approx(text) <= budget {
		return text
	}
	suffixTokens := Approx(suffix)
	if budget <= suffixTokens {
		return truncateBytes(suffix, budget*CharsPerToken)
	}
	keep := (budget - suffixTokens) * CharsPerToken
	return truncateBytes(text, keep) + suffix
}

// TrimMessagesToBudget drops the oldest messages until the list fits the
// budget. The last message is always retained.
func TrimMessagesToBudget(msgs []models.ChatMessage, budget int) []models.ChatMessage {
	out := msgs
	for len(out) > 1 && EstimateMessages(out) > budget {
		out = out[1:]
	}
	return out
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
