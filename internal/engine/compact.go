package engine

import (
	"context"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/history"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// maybeCompact folds the window when either trigger fires: the session's
// cumulative token usage crossed the history threshold, or the estimated
// window size exceeds the context budget. A failed compaction is reported in
// the compaction event and the round proceeds on the original window; only
// cancellation stops the request here.
func (e *Engine) maybeCompact(ctx context.Context, s *session) error {
	limit := history.ContextLimit(s.mc.MaxContext)

	sessionUsage, err := e.workspace.LoadSessionTokenUsage(ctx, s.id)
	if err != nil {
		e.logger.Warn(ctx, "load session token usage failed", "session_id", s.id, "error", err)
	}
	historyUsage := sessionUsage.TotalTokens
	estimate := tokens.EstimateMessages(s.messages)

	var reason string
	switch {
	case historyUsage >= history.HistoryThreshold(s.mc):
		reason = history.CompactionReasonHistoryUsage
	case estimate > limit:
		reason = history.CompactionReasonEstimate
	default:
		return nil
	}

	if err := e.checkpoint(ctx, s.id); err != nil {
		return err
	}

	res, err := e.compactor.Compact(ctx, history.CompactInput{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Messages:  s.messages,
		Model:     s.mc,
		Limit:     limit,
		Reason:    reason,
	})
	if err != nil {
		// Summary persistence failed. Keep the original window: the next
		// round retriggers and the turns are not silently lost.
		e.logger.Warn(ctx, "compaction failed", "session_id", s.id, "reason", reason, "error", err)
		s.em.Emit(ctx, models.EventCompaction, map[string]any{
			"reason":             reason,
			"history_usage":      historyUsage,
			"limit":              limit,
			"total_tokens_after": estimate,
			"status":             history.CompactionStatusSkipped,
		})
		return nil
	}

	s.messages = res.Messages
	s.em.Emit(ctx, models.EventCompaction, map[string]any{
		"reason":             reason,
		"history_usage":      historyUsage,
		"limit":              limit,
		"total_tokens_after": res.TokensAfter,
		"status":             res.Status,
	})
	if res.Status == history.CompactionStatusSkipped {
		return nil
	}

	switch s.mc.HistoryCompactionReset {
	case "current":
		err = e.workspace.SaveSessionTokenUsage(ctx, s.id, models.Usage{TotalTokens: res.TokensAfter})
	case "keep":
		err = nil
	default: // zero
		err = e.workspace.SaveSessionTokenUsage(ctx, s.id, models.Usage{})
	}
	if err != nil {
		e.logger.Warn(ctx, "reset session token usage failed", "session_id", s.id, "error", err)
	}
	return nil
}
