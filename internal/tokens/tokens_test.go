package tokens

import (
	"strings"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

func TestApprox(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty", "", 0},
		{"short", "Hello", 2},      // 5 bytes / 4 = 1.25 -> 2
		{"exact", "12345678", 2},   // 8 bytes / 4 = 2
		{"one byte", "a", 1},       // 1 byte -> 1
		{"multibyte", "你好", 2},     // 6 bytes / 4 = 1.5 -> 2
		{"spaces", "    ", 1},      // 4 bytes -> 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Approx(tt.text); got != tt.expected {
				t.Errorf("Approx(%q) = %d, want %d", tt.text, got, tt.expected)
			}
		})
	}
}

func TestApproxImageDataURL(t *testing.T) {
	payload := strings.Repeat("QUJDRA==", 1000)
	text := "look at data:image/png;base64," + payload + " please"

	got := Approx(text)

	// The base64 body must be charged at the fixed image rate, not its
	// encoded length.
	plain := "look at " + imagePlaceholder + " please"
	want := (len(plain)+CharsPerToken-1)/CharsPerToken + ImageTokenEstimate
	if got != want {
		t.Errorf("Approx with image = %d, want %d", got, want)
	}
	if got >= len(payload)/CharsPerToken {
		t.Errorf("Approx with image = %d, should be far below raw estimate %d", got, len(payload)/CharsPerToken)
	}

	two := "data:image/jpeg;base64,AAAA data:image/png;base64,BBBB"
	if got := Approx(two); got < 2*ImageTokenEstimate {
		t.Errorf("Approx with two images = %d, want at least %d", got, 2*ImageTokenEstimate)
	}
}

func TestEstimateMessage(t *testing.T) {
	tests := []struct {
		name     string
		msg      models.ChatMessage
		expected int
	}{
		{"empty", models.ChatMessage{}, MessageOverhead},
		{"content only", models.ChatMessage{Role: "user", Content: "12345678"}, MessageOverhead + 2},
		{"with reasoning", models.ChatMessage{Role: "assistant", Content: "1234", Reasoning: "12345678"}, MessageOverhead + 1 + 2},
		{
			"multipart",
			models.ChatMessage{Role: "user", Parts: []models.ContentPart{
				{Type: "text", Text: "12345678"},
				{Type: "image_url", ImageURL: "https://example.com/x.png"},
			}},
			MessageOverhead + 2 + ImageTokenEstimate,
		},
		{
			"parts win over content",
			models.ChatMessage{Role: "user", Content: strings.Repeat("x", 400), Parts: []models.ContentPart{
				{Type: "text", Text: "1234"},
			}},
			MessageOverhead + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateMessage(tt.msg); got != tt.expected {
				t.Errorf("EstimateMessage() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestEstimateMessages(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: "user", Content: "12345678"},
		{Role: "assistant", Content: "1234"},
	}
	want := (MessageOverhead + 2) + (MessageOverhead + 1)
	if got := EstimateMessages(msgs); got != want {
		t.Errorf("EstimateMessages() = %d, want %d", got, want)
	}
	if EstimateMessages(nil) != 0 {
		t.Error("EstimateMessages(nil) should be 0")
	}
}

func TestTrimTextToTokens(t *testing.T) {
	suffix := "...[truncated]"

	t.Run("fits untouched", func(t *testing.T) {
		if got := TrimTextToTokens("short", 100, suffix); got != "short" {
			t.Errorf("got %q, want unchanged input", got)
		}
	})

	t.Run("truncates with suffix", func(t *testing.T) {
		text := strings.Repeat("a", 4000) // 1000 tokens
		got := TrimTextToTokens(text, 100, suffix)
		if !strings.HasSuffix(got, suffix) {
			t.Fatalf("result missing suffix: %q", got[:40])
		}
		if Approx(got) > 100 {
			t.Errorf("trimmed text estimates %d tokens, budget 100", Approx(got))
		}
	})

	t.Run("budget below suffix", func(t *testing.T) {
		text := strings.Repeat("a", 400)
		got := TrimTextToTokens(text, 2, suffix)
		if len(got) > 2*CharsPerToken {
			t.Errorf("got %d bytes, want at most %d", len(got), 2*CharsPerToken)
		}
		if !strings.HasPrefix(suffix, got) {
			t.Errorf("got %q, want a prefix of the suffix", got)
		}
	})

	t.Run("rune boundary", func(t *testing.T) {
		text := strings.Repeat("好", 200) // 600 bytes
		got := TrimTextToTokens(text, 20, suffix)
		trimmed := strings.TrimSuffix(got, suffix)
		for _, r := range trimmed {
			if r == '�' {
				t.Fatal("truncation split a rune")
			}
		}
	})

	t.Run("zero budget", func(t *testing.T) {
		if got := TrimTextToTokens("anything", 0, suffix); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestTrimMessagesToBudget(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: "user", Content: strings.Repeat("a", 400)},      // 104
		{Role: "assistant", Content: strings.Repeat("b", 400)}, // 104
		{Role: "user", Content: strings.Repeat("c", 400)},      // 104
	}

	t.Run("drops oldest first", func(t *testing.T) {
		got := TrimMessagesToBudget(msgs, 220)
		if len(got) != 2 {
			t.Fatalf("got %d messages, want 2", len(got))
		}
		if got[0].Content[0] != 'b' {
			t.Errorf("oldest message was not dropped first")
		}
	})

	t.Run("keeps last even over budget", func(t *testing.T) {
		got := TrimMessagesToBudget(msgs, 1)
		if len(got) != 1 {
			t.Fatalf("got %d messages, want 1", len(got))
		}
		if got[0].Content[0] != 'c' {
			t.Errorf("retained message is not the last one")
		}
	})

	t.Run("fits untouched", func(t *testing.T) {
		got := TrimMessagesToBudget(msgs, 10000)
		if len(got) != 3 {
			t.Errorf("got %d messages, want all 3", len(got))
		}
	})
}
