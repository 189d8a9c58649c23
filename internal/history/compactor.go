package history

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Compaction constants. These fix the context-budget contract; changing them
// changes when sessions compact and how much survives.
const (
	// CompactionRatio is the absolute-overflow factor over max_context.
	CompactionRatio = 0.9

	// CompactionHistoryRatio triggers compaction from the cumulative
	// session token counter when the model config does not override it.
	CompactionHistoryRatio = 0.8

	// CompactionOutputReserve and CompactionSafetyMargin cap the context
	// limit so a full response still fits after compaction.
	CompactionOutputReserve = 1024
	CompactionSafetyMargin  = 512

	// CompactionKeepRecentTokens is the budget for the verbatim tail.
	CompactionKeepRecentTokens = 2000

	// CompactionMinObservationTokens is the floor observation messages are
	// shrunk toward when the rebuilt window is still over the limit.
	CompactionMinObservationTokens = 128

	// CompactionSummaryMaxOutput is the reserved output budget of the
	// summarization call.
	CompactionSummaryMaxOutput = 1024

	// CompactionSummaryMessageMaxTokens trims any single message copied
	// into the summarize prompt.
	CompactionSummaryMessageMaxTokens = 2048
)

// Compaction statuses reported in the compaction event.
const (
	CompactionStatusDone     = "done"
	CompactionStatusFallback = "fallback"
	CompactionStatusSkipped  = "skipped"
)

// Compaction trigger reasons reported in the compaction event.
const (
	CompactionReasonHistoryUsage = "history_usage"
	CompactionReasonEstimate     = "estimate"
)

// summaryMarker prefixes every persisted compaction summary so it is
// recognizable in history and in the rebuilt context.
const summaryMarker = "[Conversation summary]"

// compactionInstruction replaces the final user turn in the summarize call.
const compactionInstruction = `Summarize the conversation so far for your own future reference. Structure the summary as:
1. Task: what the user asked for, including constraints.
2. Progress: what has been done, decisions made, and why.
3. Artifacts: files read or changed, commands run, key outputs.
4. Open items: what remains, known blockers, next step.
Be concise and factual. Keep exact names, paths, values and error messages.`

// fallbackSummary stands in when the summarization call fails.
const fallbackSummary = "Earlier turns were compacted to free context. Details may be missing; re-read files or ask the user when something important is unclear."

// ContextLimit computes the usable context budget for a model: the overflow
// ratio capped so reserved output and the safety margin still fit.
func ContextLimit(maxContext int) int {
	limit := int(float64(maxContext) * CompactionRatio)
	if ceil := maxContext - CompactionOutputReserve - CompactionSafetyMargin; ceil < limit {
		limit = ceil
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}

// HistoryThreshold computes the cumulative-usage trigger for a model.
func HistoryThreshold(mc config.ModelConfig) int {
	ratio := mc.HistoryCompactionRatio
	if ratio <= 0 {
		ratio = CompactionHistoryRatio
	}
	return int(float64(mc.MaxContext) * ratio)
}

// Compactor folds an oversized conversation into a persisted summary plus a
// verbatim recent tail.
type Compactor struct {
	mgr     *Manager
	factory llm.Factory
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() float64
}

// NewCompactor wires a compactor over the history manager and LLM factory.
func NewCompactor(mgr *Manager, factory llm.Factory, logger *observability.Logger, metrics *observability.Metrics) *Compactor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if factory == nil {
		factory = llm.New
	}
	return &Compactor{
		mgr:     mgr,
		factory: factory,
		logger:  logger,
		metrics: metrics,
		now:     func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// CompactInput is one compaction request.
type CompactInput struct {
	UserID    string
	SessionID string
	// Messages is the full current window including the composed system
	// prompt at index 0.
	Messages []models.ChatMessage
	// Model is the resolved model config of the running request.
	Model config.ModelConfig
	// Limit is the context budget from ContextLimit.
	Limit int
	// Reason is the trigger, history_usage or estimate.
	Reason string
}

// CompactResult carries the rebuilt window and what happened.
type CompactResult struct {
	Messages    []models.ChatMessage
	Status      string
	Summary     string
	TokensAfter int
}

// Compact summarizes everything before the recent tail and rebuilds the
// window as [system?, summary, artifact index?, tail...]. The summary row is
// persisted before the rebuilt window is returned, so a crash never loses
// the boundary. Summarization failure falls back to a fixed notice; the
// caller keeps going either way.
func (c *Compactor) Compact(ctx context.Context, in CompactInput) (*CompactResult, error) {
	msgs := in.Messages
	bodyStart := 0
	var origSystem *models.ChatMessage
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		origSystem = &msgs[0]
		bodyStart = 1
	}

	tailIdx := tailStart(msgs, bodyStart)
	if tailIdx <= bodyStart {
		// Nothing older than the tail: compaction would only re-add blocks.
		c.metrics.RecordCompaction(CompactionStatusSkipped)
		return &CompactResult{
			Messages:    msgs,
			Status:      CompactionStatusSkipped,
			TokensAfter: tokens.EstimateMessages(msgs),
		}, nil
	}
	// Grow the tail backward while it stays within the recent-token budget.
	for tailIdx > bodyStart &&
		msgs[tailIdx-1].Role != models.RoleSystem &&
		tokens.EstimateMessages(msgs[tailIdx-1:]) <= CompactionKeepRecentTokens {
		tailIdx--
	}
	if tailIdx <= bodyStart {
		c.metrics.RecordCompaction(CompactionStatusSkipped)
		return &CompactResult{
			Messages:    msgs,
			Status:      CompactionStatusSkipped,
			TokensAfter: tokens.EstimateMessages(msgs),
		}, nil
	}
	tail := msgs[tailIdx:]

	status := CompactionStatusDone
	summaryText, err := c.summarize(ctx, in.Model, msgs)
	if err != nil {
		c.logger.Warn(ctx, "compaction summary failed, using fallback",
			"session_id", in.SessionID, "error", err)
		summaryText = fallbackSummary
		status = CompactionStatusFallback
	}
	summary := summaryMarker + "\n" + strings.TrimSpace(summaryText)

	until := lastTimestamp(msgs[:tailIdx])
	row := &models.ChatRecord{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Role:      models.RoleSystem,
		Content:   summary,
		Meta: map[string]any{
			models.MetaTypeKey:           models.MetaTypeCompaction,
			models.MetaCompactedUntilKey: until,
		},
		Timestamp: c.now(),
	}
	if err := c.mgr.store.AppendChat(ctx, row); err != nil {
		return nil, fmt.Errorf("persist compaction summary: %w", err)
	}

	rebuilt := make([]models.ChatMessage, 0, len(tail)+3)
	if origSystem != nil {
		rebuilt = append(rebuilt, *origSystem)
	}
	rebuilt = append(rebuilt, models.ChatMessage{Role: models.RoleSystem, Content: summary})
	if index, err := c.mgr.ArtifactIndex(ctx, in.UserID, in.SessionID); err == nil && index != "" {
		rebuilt = append(rebuilt, models.ChatMessage{Role: models.RoleSystem, Content: index})
	}
	rebuilt = append(rebuilt, tail...)

	rebuilt = shrinkObservations(rebuilt, in.Limit)

	c.metrics.RecordCompaction(status)
	c.logger.Info(ctx, "history compacted",
		"session_id", in.SessionID,
		"reason", in.Reason,
		"status", status,
		"dropped", tailIdx-bodyStart,
		"tokens_after", tokens.EstimateMessages(rebuilt))

	return &CompactResult{
		Messages:    rebuilt,
		Status:      status,
		Summary:     summary,
		TokensAfter: tokens.EstimateMessages(rebuilt),
	}, nil
}

// summarize copies the window, swaps the final user turn for the compaction
// instruction, trims oversized messages and runs one unary completion with a
// reserved output budget.
func (c *Compactor) summarize(ctx context.Context, mc config.ModelConfig, msgs []models.ChatMessage) (string, error) {
	prompt := make([]models.ChatMessage, len(msgs))
	copy(prompt, msgs)

	lastUser := -1
	for i := len(prompt) - 1; i >= 0; i-- {
		if prompt[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 {
		prompt[lastUser] = models.ChatMessage{Role: models.RoleUser, Content: compactionInstruction}
	} else {
		prompt = append(prompt, models.ChatMessage{Role: models.RoleUser, Content: compactionInstruction})
	}
	for i := range prompt {
		if tokens.Approx(prompt[i].Content) > CompactionSummaryMessageMaxTokens {
			prompt[i].Content = tokens.TrimTextToTokens(prompt[i].Content, CompactionSummaryMessageMaxTokens, " …")
		}
		prompt[i].Reasoning = ""
		prompt[i].Parts = nil
	}

	mc.MaxOutput = CompactionSummaryMaxOutput
	stream := false
	mc.Stream = &stream

	client, err := c.factory(mc)
	if err != nil {
		return "", err
	}
	result, err := client.Complete(ctx, llm.Request{Messages: prompt})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Content)
	if text == "" {
		return "", fmt.Errorf("empty compaction summary")
	}
	return text, nil
}

// tailStart walks backward over the window: the last user turn, the
// assistant before it, the user before that. The returned index is the
// earliest user found; bodyStart when the walk cannot anchor.
func tailStart(msgs []models.ChatMessage, bodyStart int) int {
	lastUser := -1
	for i := len(msgs) - 1; i >= bodyStart; i-- {
		if msgs[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return len(msgs)
	}
	prevAssistant := -1
	for i := lastUser - 1; i >= bodyStart; i-- {
		if msgs[i].Role == models.RoleAssistant {
			prevAssistant = i
			break
		}
	}
	if prevAssistant < 0 {
		return lastUser
	}
	for i := prevAssistant - 1; i >= bodyStart; i-- {
		if msgs[i].Role == models.RoleUser {
			return i
		}
	}
	return lastUser
}

// lastTimestamp returns the newest non-zero timestamp in the slice, or 0.
func lastTimestamp(msgs []models.ChatMessage) float64 {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Timestamp > 0 {
			return msgs[i].Timestamp
		}
	}
	return 0
}

// shrinkObservations trims tool observations in halving passes down toward
// the minimum until the window fits the limit or nothing is left to trim.
func shrinkObservations(msgs []models.ChatMessage, limit int) []models.ChatMessage {
	if limit <= 0 || tokens.EstimateMessages(msgs) <= limit {
		return msgs
	}
	for budget := 512; budget >= CompactionMinObservationTokens; budget /= 2 {
		for i := range msgs {
			if !msgs[i].IsObservation() {
				continue
			}
			body := strings.TrimPrefix(msgs[i].Content, models.ObservationPrefix)
			if tokens.Approx(body) <= budget {
				continue
			}
			msgs[i].Content = models.ObservationPrefix + tokens.TrimTextToTokens(body, budget, " …[truncated]")
			if tokens.EstimateMessages(msgs) <= limit {
				return msgs
			}
		}
		if tokens.EstimateMessages(msgs) <= limit {
			return msgs
		}
	}
	return msgs
}
