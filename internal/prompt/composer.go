// Package prompt composes the per-request system prompt from a base
// template, the tool protocol, live environment facts, skill playbooks and
// operator extras. Composition is deterministic for a given input tuple, so
// results are cached under a key derived from every varying component.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/skills"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Template file names looked up in the template store. A missing file falls
// back to the built-in text below.
const (
	baseTemplateFile = "base.md"
)

const defaultBaseTemplate = `You are Wunder, an autonomous software engineering agent. You work inside the
user's workspace, follow the tool protocol exactly, and keep going until the
task is finished or genuinely blocked. Prefer acting over asking; state
assumptions when you make them. Reply in the user's language.`

const defaultBaseTemplateZH = `你是 Wunder，一名自主的软件工程智能体。你在用户的工作区内工作，严格遵循工具调用协议，
持续推进直到任务完成或确实受阻。优先行动而非追问；做出假设时要说明。使用用户的语言回复。`

// skillUsageProtocol is appended after the skill listing whenever at least
// one skill is enabled.
const skillUsageProtocol = `Skill usage protocol:
1. Before planning your own approach, check whether a listed skill covers the task.
2. Invoke the matching skill by name as a tool call; the observation returns its full SKILL.md body.
3. Read the entire returned document before acting on any step.
4. Execute its steps in order, using the host tools it names.
5. Resolve relative paths mentioned by the skill against the skill's own directory.
6. Fall back to your own judgement only when no skill applies.`

// WorkspaceView is the slice of the workspace manager the composer reads.
type WorkspaceView interface {
	UserRoot(userID string) string
	Tree(userID string) string
	TreeVersion(userID string) int64
}

// ComposeInput carries the per-request parts of the prompt.
type ComposeInput struct {
	UserID string
	// Workdir overrides the working directory shown to the model. Empty
	// means the user's workspace root.
	Workdir string
	// Overrides is the request's sparse config override object. It is part
	// of the cache key in canonical JSON form.
	Overrides map[string]any
	// Tools is the allowed tool set, already filtered by the request. An
	// empty set omits the tool protocol block entirely.
	Tools []models.ToolSpec
	// Skills are the enabled skill documents listed in the skill block.
	Skills []*skills.Skill
	// UserExtra is appended last when non-empty; empty falls back to the
	// configured prompt.user_extra.
	UserExtra string
	// UserToolVersion and SharedToolVersion are bumped by the dispatcher
	// whenever per-user bindings or the shared registry change.
	UserToolVersion   int64
	SharedToolVersion int64
}

// Composer builds system prompts and caches them.
type Composer struct {
	manager   *config.Manager
	workspace WorkspaceView
	templates *Templates
	logger    *observability.Logger
	cache     *promptCache

	now func() time.Time
}

// NewComposer wires a composer over the config manager, workspace view and
// template store.
func NewComposer(manager *config.Manager, ws WorkspaceView, templates *Templates, logger *observability.Logger) *Composer {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &Composer{
		manager:   manager,
		workspace: ws,
		templates: templates,
		logger:    logger,
		cache:     newPromptCache(cacheCapacity, cacheTTL),
		now:       time.Now,
	}
}

// Compose returns the system prompt for the input, from cache when the full
// key tuple is unchanged and fresh.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (string, error) {
	workdir := in.Workdir
	if workdir == "" {
		workdir = c.workspace.UserRoot(in.UserID)
	}

	key, err := c.cacheKey(in, workdir)
	if err != nil {
		return "", err
	}
	if cached, ok := c.cache.get(key); ok {
		return cached, nil
	}

	cfg := c.manager.Current()
	sections := []string{
		c.baseTemplate(cfg),
		toolProtocolBlock(in.Tools),
		c.engineerInfo(in.UserID, workdir),
		skillBlock(in.Skills),
		userExtra(cfg, in.UserExtra),
	}

	lines := make([]string, 0, len(sections))
	for _, section := range sections {
		if section = strings.TrimSpace(section); section != "" {
			lines = append(lines, section)
		}
	}
	prompt := strings.TrimSpace(strings.Join(lines, "\n"))

	c.cache.put(key, prompt)
	c.logger.Debug(ctx, "system prompt composed",
		"user_id", in.UserID,
		"tools", len(in.Tools),
		"skills", len(in.Skills),
		"chars", len(prompt))
	return prompt, nil
}

// cacheKey canonicalizes every component that can change the composed text.
func (c *Composer) cacheKey(in ComposeInput, workdir string) (string, error) {
	overrides := "{}"
	if len(in.Overrides) > 0 {
		raw, err := json.Marshal(in.Overrides)
		if err != nil {
			return "", fmt.Errorf("canonicalize overrides: %w", err)
		}
		overrides = string(raw)
	}

	names := make([]string, 0, len(in.Tools))
	for _, spec := range in.Tools {
		names = append(names, spec.Name)
	}
	sort.Strings(names)

	parts := []string{
		in.UserID,
		strconv.FormatUint(c.manager.Version(), 10),
		strconv.FormatInt(c.workspace.TreeVersion(in.UserID), 10),
		workdir,
		overrides,
		strings.Join(names, ","),
		strconv.FormatInt(in.UserToolVersion, 10),
		strconv.FormatInt(in.SharedToolVersion, 10),
	}
	return strings.Join(parts, "\x1f"), nil
}

func (c *Composer) baseTemplate(cfg *config.Config) string {
	language := strings.ToLower(strings.TrimSpace(cfg.Prompt.Language))
	if c.templates != nil {
		if language != "" {
			if text, ok := c.templates.Load("base_" + language + ".md"); ok {
				return text
			}
		}
		if text, ok := c.templates.Load(baseTemplateFile); ok {
			return text
		}
	}
	if strings.HasPrefix(language, "zh") {
		return defaultBaseTemplateZH
	}
	return defaultBaseTemplate
}

// engineerInfo reports the live environment: OS, date, workspace root and a
// two-level listing of the user's files.
func (c *Composer) engineerInfo(userID, workdir string) string {
	var b strings.Builder
	b.WriteString("## Environment\n")
	fmt.Fprintf(&b, "os: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "date: %s\n", c.now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "workdir: %s\n", workdir)
	tree := strings.TrimSpace(c.workspace.Tree(userID))
	if tree == "" {
		tree = "(empty)"
	}
	b.WriteString("workspace files:\n")
	b.WriteString(tree)
	return b.String()
}

// toolProtocolBlock lists the allowed tools with their argument schemas and
// the exact call syntax. Omitted when no tools are allowed.
func toolProtocolBlock(tools []models.ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Tool protocol\n")
	b.WriteString("Call a tool by emitting exactly one block of this form in your reply:\n")
	b.WriteString("<tool_call>{\"name\": \"<tool>\", \"arguments\": {...}}</tool_call>\n")
	b.WriteString("A JSON array inside the tag requests several calls in order. Each result returns\n")
	b.WriteString("as a user message prefixed with \"" + models.ObservationPrefix + "\". When the task is complete,\n")
	b.WriteString("call final_response with {\"content\": \"<your answer>\"}.\n")
	b.WriteString("\nAvailable tools:\n")
	for _, spec := range tools {
		fmt.Fprintf(&b, "### %s\n", spec.Name)
		if desc := strings.TrimSpace(spec.Description); desc != "" {
			b.WriteString(desc)
			b.WriteString("\n")
		}
		if len(spec.ArgsSchema) > 0 {
			if raw, err := json.Marshal(spec.ArgsSchema); err == nil {
				fmt.Fprintf(&b, "args_schema: %s\n", raw)
			}
		}
	}
	return b.String()
}

// skillBlock lists each enabled skill with its absolute SKILL.md path and the
// verbatim YAML frontmatter, followed by the usage protocol.
func skillBlock(list []*skills.Skill) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Skills\n")
	b.WriteString("Skill playbooks available on this host:\n")
	for _, sk := range list {
		fmt.Fprintf(&b, "- name: %s\n", sk.Name)
		fmt.Fprintf(&b, "  file: %s\n", sk.Path)
		if fm := strings.TrimSpace(sk.Frontmatter); fm != "" {
			b.WriteString("  frontmatter:\n")
			for _, line := range strings.Split(fm, "\n") {
				b.WriteString("    ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	b.WriteString("\n")
	b.WriteString(skillUsageProtocol)
	return b.String()
}

func userExtra(cfg *config.Config, requestExtra string) string {
	if extra := strings.TrimSpace(requestExtra); extra != "" {
		return extra
	}
	return strings.TrimSpace(cfg.Prompt.UserExtra)
}
