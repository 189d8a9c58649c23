package toolcall

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

func TestParseClosedTags(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []models.ToolCall
	}{
		{
			name: "single object",
			text: `before <tool_call>{"name":"read","arguments":{"path":"a.txt"}}</tool_call> after`,
			want: []models.ToolCall{{Name: "read", Arguments: map[string]any{"path": "a.txt"}}},
		},
		{
			name: "tool alias tag",
			text: `<tool>{"name":"execute","arguments":{"command":"ls"}}</tool>`,
			want: []models.ToolCall{{Name: "execute", Arguments: map[string]any{"command": "ls"}}},
		},
		{
			name: "case insensitive with attributes",
			text: `<TOOL_CALL id="1">{"name":"write","arguments":{"path":"b","content":"c"}}</TOOL_CALL>`,
			want: []models.ToolCall{{Name: "write", Arguments: map[string]any{"path": "b", "content": "c"}}},
		},
		{
			name: "array payload emits each element",
			text: `<tool_call>[{"name":"a","arguments":{}},{"name":"b","arguments":{"x":1}}]</tool_call>`,
			want: []models.ToolCall{
				{Name: "a", Arguments: map[string]any{}},
				{Name: "b", Arguments: map[string]any{"x": float64(1)}},
			},
		},
		{
			name: "two blocks in order",
			text: `<tool_call>{"name":"first"}</tool_call> text <tool>{"name":"second"}</tool>`,
			want: []models.ToolCall{
				{Name: "first", Arguments: map[string]any{}},
				{Name: "second", Arguments: map[string]any{}},
			},
		},
		{
			name: "garbage payload falls back to embedded object",
			text: `<tool_call>sure, calling: {"name":"read","arguments":{"path":"x"}} now</tool_call>`,
			want: []models.ToolCall{{Name: "read", Arguments: map[string]any{"path": "x"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseOpenTags(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []models.ToolCall
	}{
		{
			name: "open tag to end of input",
			text: `thinking... <tool_call>{"name":"read","arguments":{"path":"a"}}`,
			want: []models.ToolCall{{Name: "read", Arguments: map[string]any{"path": "a"}}},
		},
		{
			name: "two open tags slice at next tag",
			text: `<tool_call>{"name":"a","arguments":{}} <tool_call>{"name":"b","arguments":{}}`,
			want: []models.ToolCall{
				{Name: "a", Arguments: map[string]any{}},
				{Name: "b", Arguments: map[string]any{}},
			},
		},
		{
			name: "trailing prose after payload",
			text: `<tool>{"name":"execute","arguments":{"command":"pwd"}} and then we wait`,
			want: []models.ToolCall{{Name: "execute", Arguments: map[string]any{"command": "pwd"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseBarePayload(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []models.ToolCall
	}{
		{
			name: "whole text is a call object",
			text: `{"name":"read","arguments":{"path":"a"}}`,
			want: []models.ToolCall{{Name: "read", Arguments: map[string]any{"path": "a"}}},
		},
		{
			name: "object embedded in prose",
			text: `I will call {"name":"read","arguments":{"path":"a"}} right away`,
			want: []models.ToolCall{{Name: "read", Arguments: map[string]any{"path": "a"}}},
		},
		{
			name: "braces inside string literals",
			text: `{"name":"write","arguments":{"content":"fn() { return \"}\" }"}}`,
			want: []models.ToolCall{{Name: "write", Arguments: map[string]any{"content": `fn() { return "}" }`}}},
		},
		{
			name: "plain prose yields nothing",
			text: "no calls here, just an answer",
			want: nil,
		},
		{
			name: "object without name is dropped",
			text: `{"arguments":{"path":"a"}}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestNormalizeArguments(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "missing arguments becomes empty object",
			text: `<tool_call>{"name":"ls"}</tool_call>`,
			want: map[string]any{},
		},
		{
			name: "string arguments parsed as JSON",
			text: `<tool_call>{"name":"read","arguments":"{\"path\":\"a\"}"}</tool_call>`,
			want: map[string]any{"path": "a"},
		},
		{
			name: "unparseable string wrapped as raw",
			text: `<tool_call>{"name":"read","arguments":"just do it"}</tool_call>`,
			want: map[string]any{"raw": "just do it"},
		},
		{
			name: "non-object arguments wrapped as raw",
			text: `<tool_call>{"name":"read","arguments":[1,2]}</tool_call>`,
			want: map[string]any{"raw": []any{float64(1), float64(2)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if len(got) != 1 {
				t.Fatalf("Parse() returned %d calls, want 1", len(got))
			}
			if !reflect.DeepEqual(got[0].Arguments, tt.want) {
				t.Errorf("arguments = %#v, want %#v", got[0].Arguments, tt.want)
			}
		})
	}
}

// Re-serializing any recognized call inside a closed tag must parse back to
// exactly that call.
func TestParseRoundTrip(t *testing.T) {
	inputs := []string{
		`<tool_call>{"name":"read","arguments":{"path":"a.txt"}}</tool_call>`,
		`prose {"name":"execute","arguments":{"command":"ls -la"}} prose`,
		`<tool>{"name":"ptc","arguments":{"script":"print(1)","timeout":30}}</tool>`,
	}
	for i, in := range inputs {
		calls := Parse(in)
		if len(calls) != 1 {
			t.Fatalf("input %d: got %d calls, want 1", i, len(calls))
		}
		raw, err := json.Marshal(calls[0])
		if err != nil {
			t.Fatalf("input %d: marshal: %v", i, err)
		}
		again := Parse(fmt.Sprintf("<tool_call>%s</tool_call>", raw))
		if !reflect.DeepEqual(again, calls) {
			t.Errorf("input %d: round trip = %#v, want %#v", i, again, calls)
		}
	}
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "closed block spliced",
			text: "first paragraph\n<tool_call>{\"name\":\"a\"}</tool_call>\nsecond paragraph",
			want: "first paragraph\n\nsecond paragraph",
		},
		{
			name: "open tag cuts the tail",
			text: `the answer so far <tool_call>{"name":"a","arguments":{}}`,
			want: "the answer so far",
		},
		{
			name: "blank runs collapse",
			text: "a\n\n\n<tool>{\"name\":\"x\"}</tool>\n\n\nb",
			want: "a\n\nb",
		},
		{
			name: "no tags untouched",
			text: "plain answer",
			want: "plain answer",
		},
		{
			name: "empty input",
			text: "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.text); got != tt.want {
				t.Errorf("Strip() = %q, want %q", got, tt.want)
			}
		})
	}
}
