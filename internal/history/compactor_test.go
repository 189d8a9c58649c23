package history

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

func fakeFactory(fake *llm.Fake) llm.Factory {
	return func(config.ModelConfig) (llm.Client, error) { return fake, nil }
}

func longText(seed string, chars int) string {
	return strings.Repeat(seed, chars/len(seed)+1)[:chars]
}

// compactWindow builds a window whose pre-tail part is heavy enough that the
// tail cannot grow past the three-turn walk.
func compactWindow() []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: "You are Wunder.", Timestamp: 0},
		{Role: models.RoleUser, Content: longText("analyze the repository please ", 9000), Timestamp: 1},
		{Role: models.RoleAssistant, Content: longText("I inspected many files and found things. ", 9000), Timestamp: 2},
		{Role: models.RoleUser, Content: models.ObservationPrefix + `{"tool":"read","ok":true,"data":"short"}`, Timestamp: 3},
		{Role: models.RoleAssistant, Content: "Now I will summarize the findings.", Timestamp: 4},
		{Role: models.RoleUser, Content: "go on", Timestamp: 5},
	}
}

func TestCompactSummarizesAndRebuilds(t *testing.T) {
	store := &fakeStore{}
	fake := llm.NewFake("Task: analyze repo. Progress: scanned files.")
	compactor := NewCompactor(NewManager(store, nil), fakeFactory(fake), nil, nil)

	msgs := compactWindow()
	in := CompactInput{
		UserID:    "u1",
		SessionID: "s1",
		Messages:  msgs,
		Model:     config.ModelConfig{Provider: "fake", MaxContext: 16000},
		Limit:     ContextLimit(16000),
		Reason:    CompactionReasonEstimate,
	}
	result, err := compactor.Compact(context.Background(), in)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if result.Status != CompactionStatusDone {
		t.Fatalf("Status = %q, want done", result.Status)
	}

	// Rebuilt window: original system, summary, then the verbatim tail.
	if result.Messages[0].Content != "You are Wunder." {
		t.Errorf("original system prompt lost: %+v", result.Messages[0])
	}
	if result.Messages[1].Role != models.RoleSystem || !strings.HasPrefix(result.Messages[1].Content, summaryMarker) {
		t.Errorf("summary block missing: %+v", result.Messages[1])
	}
	if !strings.Contains(result.Messages[1].Content, "Task: analyze repo.") {
		t.Errorf("summary content missing: %q", result.Messages[1].Content)
	}
	tail := result.Messages[len(result.Messages)-3:]
	if !tail[0].IsObservation() || tail[1].Content != "Now I will summarize the findings." || tail[2].Content != "go on" {
		t.Errorf("tail not retained verbatim: %+v", tail)
	}

	// Summary row persisted with the boundary timestamp of the last
	// pre-tail message.
	if len(store.appended) != 1 {
		t.Fatalf("persisted rows = %d, want 1", len(store.appended))
	}
	row := store.appended[0]
	if row.MetaType() != models.MetaTypeCompaction {
		t.Errorf("meta type = %q", row.MetaType())
	}
	if row.CompactedUntil() != 2 {
		t.Errorf("compacted_until_ts = %v, want 2", row.CompactedUntil())
	}

	// The summarize request replaced the final user turn with the fixed
	// instruction and trimmed oversized messages.
	req := fake.LastRequest()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleUser || last.Content != compactionInstruction {
		t.Errorf("final user turn not replaced: %+v", last)
	}
	for i, m := range req.Messages {
		if got := tokens.Approx(m.Content); got > CompactionSummaryMessageMaxTokens {
			t.Errorf("summarize message %d over trim budget: %d tokens", i, got)
		}
	}
}

func TestCompactFallsBackOnLLMFailure(t *testing.T) {
	store := &fakeStore{}
	fake := llm.NewFake()
	fake.Err = errors.New("provider down")
	compactor := NewCompactor(NewManager(store, nil), fakeFactory(fake), nil, nil)

	in := CompactInput{
		UserID:    "u1",
		SessionID: "s1",
		Messages:  compactWindow(),
		Model:     config.ModelConfig{Provider: "fake", MaxContext: 16000},
		Limit:     ContextLimit(16000),
		Reason:    CompactionReasonHistoryUsage,
	}
	result, err := compactor.Compact(context.Background(), in)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if result.Status != CompactionStatusFallback {
		t.Errorf("Status = %q, want fallback", result.Status)
	}
	if !strings.Contains(result.Summary, fallbackSummary) {
		t.Errorf("fallback text missing: %q", result.Summary)
	}
	if len(store.appended) != 1 {
		t.Errorf("fallback summary not persisted")
	}
}

func TestCompactSkipsWhenOnlyTail(t *testing.T) {
	store := &fakeStore{}
	fake := llm.NewFake()
	compactor := NewCompactor(NewManager(store, nil), fakeFactory(fake), nil, nil)

	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hello", Timestamp: 1},
	}
	result, err := compactor.Compact(context.Background(), CompactInput{
		UserID: "u1", SessionID: "s1", Messages: msgs,
		Model: config.ModelConfig{Provider: "fake", MaxContext: 16000},
		Limit: ContextLimit(16000),
	})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if result.Status != CompactionStatusSkipped {
		t.Errorf("Status = %q, want skipped", result.Status)
	}
	if fake.Calls() != 0 {
		t.Errorf("LLM called on skip")
	}
	if len(store.appended) != 0 {
		t.Errorf("summary persisted on skip")
	}
}

func TestShrinkObservationsTrimsTowardFloor(t *testing.T) {
	huge := models.ObservationPrefix + longText(`{"data":"xxxxxxxx"}`, 20000)
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: huge},
		{Role: models.RoleUser, Content: "keep me"},
	}
	out := shrinkObservations(msgs, 400)

	if msgs[2].Content != "keep me" {
		t.Errorf("non-observation trimmed")
	}
	body := strings.TrimPrefix(out[1].Content, models.ObservationPrefix)
	if got := tokens.Approx(body); got > 2*CompactionMinObservationTokens {
		t.Errorf("observation tokens = %d, want near %d", got, CompactionMinObservationTokens)
	}
	if !strings.Contains(out[1].Content, "[truncated]") {
		t.Errorf("truncation marker missing")
	}
}

func TestContextLimit(t *testing.T) {
	// Small windows are capped by reserve+margin, large ones by the ratio.
	if got := ContextLimit(10000); got != 10000-CompactionOutputReserve-CompactionSafetyMargin {
		t.Errorf("ContextLimit(10000) = %d", got)
	}
	if got := ContextLimit(100000); got != 90000 {
		t.Errorf("ContextLimit(100000) = %d", got)
	}
}

func TestHistoryThreshold(t *testing.T) {
	if got := HistoryThreshold(config.ModelConfig{MaxContext: 1000}); got != 800 {
		t.Errorf("default threshold = %d, want 800", got)
	}
	if got := HistoryThreshold(config.ModelConfig{MaxContext: 1000, HistoryCompactionRatio: 0.5}); got != 500 {
		t.Errorf("override threshold = %d, want 500", got)
	}
}
