package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/admission"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/dispatch"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/prompt"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/skills"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/toolcall"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// noFinalAnswer is returned when every round was spent on tool calls and the
// model never produced a final reply.
const noFinalAnswer = "I was unable to produce a final answer within the allowed number of rounds. Please retry or rephrase the request."

// a2uiDefaultNote stands in for the session answer when the a2ui payload
// carries no textual note.
const a2uiDefaultNote = "UI payload delivered."

// artifactTools maps the built-in tools whose invocations become artifact
// rows: kind, action, and the argument key carrying the artifact name.
var artifactTools = map[string]struct {
	kind    string
	action  string
	nameArg []string
}{
	"read":    {models.ArtifactKindFile, "read", []string{"path"}},
	"write":   {models.ArtifactKindFile, "write", []string{"path"}},
	"replace": {models.ArtifactKindFile, "replace", []string{"path"}},
	"edit":    {models.ArtifactKindFile, "edit", []string{"path"}},
	"execute": {models.ArtifactKindCommand, "execute", []string{"cmd", "command"}},
	"ptc":     {models.ArtifactKindScript, "run", []string{"name", "path"}},
}

// loop is the reason-act cycle: compose the window, then alternate LLM
// calls with tool dispatch until a final answer, a sentinel tool, or round
// exhaustion. It returns nil with s.answer set, or a coded error.
func (e *Engine) loop(ctx context.Context, s *session) error {
	s.em.Emit(ctx, models.EventReceived, map[string]any{
		"question": s.req.Question,
		"user_id":  s.req.UserID,
	})

	if err := e.buildWindow(ctx, s); err != nil {
		return err
	}
	if err := e.workspace.AppendChat(ctx, &models.ChatRecord{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Role:      models.RoleUser,
		Content:   s.userContent,
	}); err != nil {
		return Errorf(CodeInternalError, "persist user turn: %v", err)
	}

	maxRounds := s.mc.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

rounds:
	for s.round = 1; s.round <= maxRounds; s.round++ {
		if err := e.checkpoint(ctx, s.id); err != nil {
			return err
		}
		s.em.Emit(ctx, models.EventRoundStart, map[string]any{"round": s.round})

		if err := e.maybeCompact(ctx, s); err != nil {
			return err
		}

		s.em.Emit(ctx, models.EventProgress, map[string]any{"stage": "llm_call", "round": s.round})
		if err := e.checkpoint(ctx, s.id); err != nil {
			return err
		}
		res, err := e.callLLM(ctx, s)
		if err != nil {
			return err
		}
		if res.Usage.TotalTokens > 0 {
			if err := e.workspace.AddSessionTokenUsage(ctx, s.id, res.Usage); err != nil {
				e.logger.Warn(ctx, "persist token usage failed", "session_id", s.id, "error", err)
			}
		}
		s.usage.Add(res.Usage)
		s.em.Emit(ctx, models.EventLLMOutput, map[string]any{
			"content":   res.Content,
			"reasoning": res.Reasoning,
			"round":     s.round,
		})
		s.em.Emit(ctx, models.EventTokenUsage, usageData(res.Usage))

		calls := toolcall.Parse(res.Content)
		stripped := toolcall.Strip(res.Content)
		e.persistAssistant(ctx, s, stripped, res.Reasoning)
		// The raw output stays in the window so the model sees its own calls.
		s.messages = append(s.messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   res.Content,
			Reasoning: res.Reasoning,
		})

		if len(calls) == 0 {
			s.answer = stripped
			break
		}

		for _, call := range calls {
			if err := e.checkpoint(ctx, s.id); err != nil {
				return err
			}
			switch call.Name {
			case dispatch.ToolFinalResponse:
				s.answer = finalAnswer(call.Arguments, stripped)
				break rounds
			case dispatch.ToolA2UI:
				uid, payload, note := a2uiPayload(call.Arguments)
				s.uid, s.a2ui, s.answer = uid, payload, note
				s.em.Emit(ctx, models.EventA2UI, map[string]any{
					"uid":      uid,
					"messages": payload,
					"content":  note,
				})
				break rounds
			}

			obs := e.dispatchTool(ctx, s, call)
			if err := e.checkpoint(ctx, s.id); err != nil {
				return err
			}
			s.messages = append(s.messages, models.ChatMessage{
				Role:    models.RoleUser,
				Content: models.ObservationPrefix + obs.JSON(),
			})
			e.persistToolRow(ctx, s, call, obs)
			e.recordArtifacts(ctx, s, call, obs)
		}
	}

	if s.answer == "" {
		s.answer = noFinalAnswer
		e.persistAssistant(ctx, s, s.answer, "")
		s.messages = append(s.messages, models.ChatMessage{Role: models.RoleAssistant, Content: s.answer})
	}
	return nil
}

// buildWindow composes the system prompt, loads persisted history and
// appends the incoming user turn: [system] + history + [user].
func (e *Engine) buildWindow(ctx context.Context, s *session) error {
	var skillDocs []*skills.Skill
	if e.skills != nil {
		skillDocs = e.skills.List()
	}
	systemPrompt, err := e.composer.Compose(ctx, prompt.ComposeInput{
		UserID:            s.req.UserID,
		Overrides:         s.req.ConfigOverrides,
		Tools:             s.disp.Specs(),
		Skills:            skillDocs,
		UserToolVersion:   e.registry.UserVersion(s.req.UserID),
		SharedToolVersion: e.registry.SharedVersion(),
	})
	if err != nil {
		return Errorf(CodeInternalError, "compose system prompt: %v", err)
	}
	s.systemPrompt = systemPrompt
	e.saveSystemPrompt(ctx, s, systemPrompt)

	hist, err := e.history.LoadContext(ctx, s.req.UserID, s.id, s.cfg.Workspace.MaxHistoryItems)
	if err != nil {
		return Errorf(CodeInternalError, "load history: %v", err)
	}

	userMsg := buildUserMessage(s.req)
	s.userContent = userMsg.Content

	msgs := make([]models.ChatMessage, 0, len(hist)+2)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	msgs = append(msgs, hist...)
	msgs = append(msgs, userMsg)
	s.messages = msgs
	return nil
}

// saveSystemPrompt persists the composed prompt when it changed since the
// session's last request. Best-effort.
func (e *Engine) saveSystemPrompt(ctx context.Context, s *session, systemPrompt string) {
	prev, err := e.workspace.LoadSessionSystemPrompt(ctx, s.req.UserID, s.id)
	if err != nil {
		e.logger.Warn(ctx, "load session system prompt failed", "session_id", s.id, "error", err)
		return
	}
	if prev != nil && prev.Content == systemPrompt {
		return
	}
	if err := e.workspace.SaveSessionSystemPrompt(ctx, s.req.UserID, s.id, systemPrompt, s.cfg.Prompt.Language); err != nil {
		e.logger.Warn(ctx, "save session system prompt failed", "session_id", s.id, "error", err)
	}
}

// buildUserMessage folds attachments into the user turn: images become
// image_url parts with data URLs, files are appended to the text body.
func buildUserMessage(req *Request) models.ChatMessage {
	content := req.Question
	var images []models.ContentPart
	for _, att := range req.Attachments {
		switch att.Type {
		case "image":
			images = append(images, models.ContentPart{Type: "image_url", ImageURL: imageURL(att)})
		default:
			content += "\n\n[attachment: " + att.Name + "]\n" + att.Content
		}
	}
	msg := models.ChatMessage{Role: models.RoleUser, Content: content}
	if len(images) > 0 {
		parts := make([]models.ContentPart, 0, len(images)+1)
		parts = append(parts, models.ContentPart{Type: "text", Text: content})
		parts = append(parts, images...)
		msg.Parts = parts
	}
	return msg
}

func imageURL(att models.Attachment) string {
	if hasURLScheme(att.Content) {
		return att.Content
	}
	mime := att.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + att.Content
}

func hasURLScheme(s string) bool {
	for _, prefix := range []string{"data:", "http://", "https://"} {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// persistAssistant appends the assistant turn to chat history. Best-effort:
// a failed write loses history but not the in-flight answer.
func (e *Engine) persistAssistant(ctx context.Context, s *session, content, reasoning string) {
	if content == "" && reasoning == "" {
		return
	}
	if err := e.workspace.AppendChat(ctx, &models.ChatRecord{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Role:      models.RoleAssistant,
		Content:   content,
		Reasoning: reasoning,
	}); err != nil {
		e.logger.Warn(ctx, "persist assistant turn failed", "session_id", s.id, "error", err)
	}
}

// dispatchTool runs one call under a context that a sibling watcher cancels
// as soon as the monitor carries the session's cancel flag, so long-running
// executors stop mid-flight instead of at the next checkpoint.
func (e *Engine) dispatchTool(ctx context.Context, s *session, call models.ToolCall) models.Observation {
	toolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(admission.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-toolCtx.Done():
				return
			case <-ticker.C:
				if e.monitor.IsCancelled(s.id) {
					cancel()
					return
				}
			}
		}
	}()

	obs := s.disp.Dispatch(toolCtx, call)
	cancel()
	<-watchDone
	return obs
}

// persistToolRow writes the observation to chat history (the loader re-adds
// the observation prefix) and to the tool log table.
func (e *Engine) persistToolRow(ctx context.Context, s *session, call models.ToolCall, obs models.Observation) {
	if err := e.workspace.AppendChat(ctx, &models.ChatRecord{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Role:      models.RoleTool,
		Content:   obs.JSON(),
		Timestamp: obs.Timestamp,
	}); err != nil {
		e.logger.Warn(ctx, "persist tool turn failed", "session_id", s.id, "tool", call.Name, "error", err)
	}

	log := &models.ToolLog{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Tool:      obs.Tool,
		OK:        obs.OK,
		Error:     obs.Error,
		Args:      marshalCompact(call.Arguments),
		Sandbox:   obs.Sandbox,
		Timestamp: obs.Timestamp,
	}
	if obs.Data != nil {
		log.Data = marshalCompact(obs.Data)
	}
	if err := e.workspace.AppendToolLog(ctx, log); err != nil {
		e.logger.Warn(ctx, "persist tool log failed", "session_id", s.id, "tool", call.Name, "error", err)
	}
}

// recordArtifacts turns file, command and script tool calls into artifact
// rows feeding the post-compaction index. Mutating file tools also dirty the
// workspace tree cache.
func (e *Engine) recordArtifacts(ctx context.Context, s *session, call models.ToolCall, obs models.Observation) {
	shape, ok := artifactTools[call.Name]
	if !ok {
		return
	}
	name := ""
	for _, key := range shape.nameArg {
		if v, found := call.Arguments[key].(string); found && v != "" {
			name = v
			break
		}
	}
	rec := &models.ArtifactRecord{
		UserID:    s.req.UserID,
		SessionID: s.id,
		Kind:      shape.kind,
		Action:    shape.action,
		Name:      name,
		OK:        obs.OK,
		Tool:      call.Name,
		Timestamp: obs.Timestamp,
	}
	if !obs.OK && obs.Error != "" {
		rec.Meta = map[string]any{"error": obs.Error}
	}
	if err := e.workspace.AppendArtifactLog(ctx, rec); err != nil {
		e.logger.Warn(ctx, "persist artifact failed", "session_id", s.id, "tool", call.Name, "error", err)
		return
	}
	if obs.OK && shape.kind == models.ArtifactKindFile && shape.action != "read" {
		e.workspace.MarkDirty(s.req.UserID)
	}
}

// finalAnswer resolves the final_response sentinel's answer text.
func finalAnswer(args map[string]any, surrounding string) string {
	for _, key := range []string{"answer", "content", "text"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	if surrounding != "" {
		return surrounding
	}
	if len(args) > 0 {
		return marshalCompact(args)
	}
	return noFinalAnswer
}

// a2uiPayload resolves the a2ui sentinel's arguments: a correlation uid, the
// opaque message payload, and the textual note used as the session answer.
func a2uiPayload(args map[string]any) (uid string, payload []any, note string) {
	if v, ok := args["uid"].(string); ok && v != "" {
		uid = v
	} else {
		uid = NewSessionID()
	}
	switch v := args["messages"].(type) {
	case []any:
		payload = v
	case map[string]any:
		payload = []any{v}
	}
	if v, ok := args["content"].(string); ok && v != "" {
		note = v
	} else {
		note = a2uiDefaultNote
	}
	return uid, payload, note
}

func marshalCompact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
