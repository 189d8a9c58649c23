package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// RequestOptions describes one request's tool surface.
type RequestOptions struct {
	UserID    string
	SessionID string

	// ToolNames filters the surface: nil allows every available tool,
	// empty allows none, otherwise exactly the listed names.
	ToolNames []string

	// Config is the request's resolved configuration.
	Config *config.Config

	// Emitter receives tool_call and tool_result events.
	Emitter Emitter
}

// Dispatcher is the per-request tool surface with every allowed name already
// resolved to a typed binding.
type Dispatcher struct {
	registry  *Registry
	userID    string
	sessionID string
	emitter   Emitter

	bindings map[string]*Binding
	order    []string

	sandboxIdleTTL int
	usedSandbox    bool
}

// ForRequest resolves the request's tool names into a dispatcher. Resolution
// order per name: user alias map, host skills, MCP ("server@tool"), A2A
// ("a2a@service"), then the built-in registry with optional sandbox
// delegation. Unresolvable names are simply absent and deny at dispatch.
func (r *Registry) ForRequest(opts RequestOptions) *Dispatcher {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	aliases := r.aliasesFor(opts.UserID, cfg)

	d := &Dispatcher{
		registry:       r,
		userID:         opts.UserID,
		sessionID:      opts.SessionID,
		emitter:        opts.Emitter,
		bindings:       make(map[string]*Binding),
		sandboxIdleTTL: cfg.Sandbox.IdleTTLS,
	}

	add := func(name string) {
		if _, exists := d.bindings[name]; exists || IsSentinel(name) {
			return
		}
		if binding := r.resolve(name, aliases, cfg, opts.SessionID); binding != nil {
			d.bindings[name] = binding
			d.order = append(d.order, name)
		}
	}

	if opts.ToolNames != nil {
		for _, name := range opts.ToolNames {
			add(name)
		}
		return d
	}

	// No filter: the full local surface. Remote MCP/A2A tools are reachable
	// only when requested or aliased explicitly; they cannot be enumerated.
	r.mu.RLock()
	builtinNames := append([]string(nil), r.builtinOrder...)
	r.mu.RUnlock()
	for _, name := range builtinNames {
		add(name)
	}
	if r.deps.Skills != nil {
		for _, sk := range r.deps.Skills.List() {
			add(sk.Name)
		}
	}
	aliasNames := make([]string, 0, len(aliases))
	for name := range aliases {
		aliasNames = append(aliasNames, name)
	}
	sort.Strings(aliasNames)
	for _, name := range aliasNames {
		add(name)
	}
	return d
}

// aliasesFor merges config-level aliases with the user's overlay.
func (r *Registry) aliasesFor(userID string, cfg *config.Config) map[string]config.ToolAlias {
	merged := make(map[string]config.ToolAlias, len(cfg.Tools.Aliases))
	for name, alias := range cfg.Tools.Aliases {
		merged[name] = alias
	}
	r.mu.RLock()
	for name, alias := range r.userAliases[userID] {
		merged[name] = alias
	}
	r.mu.RUnlock()
	return merged
}

// resolve maps one name to a typed binding, or nil.
func (r *Registry) resolve(name string, aliases map[string]config.ToolAlias, cfg *config.Config, sessionID string) *Binding {
	if alias, ok := aliases[name]; ok {
		return r.bindAlias(name, alias, cfg)
	}

	if r.deps.Skills != nil {
		if sk, ok := r.deps.Skills.Get(name); ok {
			return &Binding{
				Kind: KindSkill,
				Spec: models.ToolSpec{Name: sk.Name, Description: sk.Description, ArgsSchema: sk.InputSchema},
				Exec: func(ctx context.Context, args map[string]any) (any, error) {
					return r.deps.Skills.Invoke(ctx, name, args)
				},
			}
		}
	}

	if server, tool, ok := splitMCPName(name); ok {
		if _, configured := cfg.Tools.MCP.Servers[server]; configured && r.deps.MCP != nil {
			return &Binding{
				Kind: KindMCP,
				Spec: models.ToolSpec{Name: name, Description: fmt.Sprintf("MCP tool %s on server %s", tool, server)},
				Exec: func(ctx context.Context, args map[string]any) (any, error) {
					return r.deps.MCP.CallTool(ctx, server, tool, args)
				},
			}
		}
		if server == "a2a" {
			if _, configured := cfg.Tools.A2A.Services[tool]; configured && r.deps.A2A != nil {
				service := tool
				return &Binding{
					Kind: KindA2A,
					Spec: models.ToolSpec{Name: name, Description: fmt.Sprintf("Agent service %s", service)},
					Exec: func(ctx context.Context, args map[string]any) (any, error) {
						return r.deps.A2A.Call(ctx, service, args)
					},
				}
			}
		}
		return nil
	}

	r.mu.RLock()
	builtin := r.builtins[name]
	r.mu.RUnlock()
	if builtin == nil || !builtinEnabled(name, cfg) {
		return nil
	}
	if cfg.Sandbox.Mode == "sandbox" && r.deps.Sandbox != nil && containsName(cfg.Sandbox.AllowTools, name) {
		sandbox := r.deps.Sandbox
		return &Binding{
			Kind:    KindBuiltin,
			Spec:    builtin.Spec,
			Sandbox: true,
			schema:  builtin.schema,
			Exec: func(ctx context.Context, args map[string]any) (any, error) {
				return sandbox.Execute(ctx, sessionID, name, args)
			},
		}
	}
	return builtin
}

// bindAlias resolves a user alias to its target. A broken alias claims the
// name and yields nil, so the name denies at dispatch instead of silently
// falling through to another tool.
func (r *Registry) bindAlias(name string, alias config.ToolAlias, cfg *config.Config) *Binding {
	switch alias.Kind {
	case "skill":
		if r.deps.Skills == nil {
			return nil
		}
		sk, ok := r.deps.Skills.Get(alias.Target)
		if !ok {
			return nil
		}
		target := alias.Target
		return &Binding{
			Kind:  KindSkill,
			Alias: true,
			Spec:  models.ToolSpec{Name: name, Description: sk.Description, ArgsSchema: sk.InputSchema},
			Exec: func(ctx context.Context, args map[string]any) (any, error) {
				return r.deps.Skills.Invoke(ctx, target, args)
			},
		}
	case "knowledge":
		if r.deps.Knowledge == nil {
			return nil
		}
		if _, configured := cfg.Tools.Knowledge.Bases[alias.Target]; !configured {
			return nil
		}
		base := alias.Target
		return &Binding{
			Kind:  KindKnowledge,
			Alias: true,
			Spec:  models.ToolSpec{Name: name, Description: fmt.Sprintf("Query knowledge base %s", base)},
			Exec: func(ctx context.Context, args map[string]any) (any, error) {
				return r.deps.Knowledge.Query(ctx, base, args)
			},
		}
	case "mcp":
		server, tool, ok := splitMCPName(alias.Target)
		if !ok || r.deps.MCP == nil {
			return nil
		}
		if _, configured := cfg.Tools.MCP.Servers[server]; !configured {
			return nil
		}
		return &Binding{
			Kind:  KindMCP,
			Alias: true,
			Spec:  models.ToolSpec{Name: name, Description: fmt.Sprintf("MCP tool %s on server %s", tool, server)},
			Exec: func(ctx context.Context, args map[string]any) (any, error) {
				return r.deps.MCP.CallTool(ctx, server, tool, args)
			},
		}
	default:
		return nil
	}
}

func builtinEnabled(name string, cfg *config.Config) bool {
	enabled := cfg.Tools.Builtin.Enabled
	if len(enabled) == 0 {
		return true
	}
	return containsName(enabled, name)
}

func containsName(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// Specs lists the allowed tool surface for the prompt composer, in
// resolution order.
func (d *Dispatcher) Specs() []models.ToolSpec {
	out := make([]models.ToolSpec, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.bindings[name].Spec)
	}
	return out
}

// Allowed reports whether the name resolves to a binding or a sentinel.
func (d *Dispatcher) Allowed(name string) bool {
	if IsSentinel(name) {
		return true
	}
	_, ok := d.bindings[name]
	return ok
}

// Dispatch runs one tool call. It always emits tool_call then tool_result,
// and always returns an observation: denial, validation failure and executor
// errors all land in ok:false rather than a request failure.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall) models.Observation {
	d.emit(ctx, models.EventToolCall, map[string]any{"tool": call.Name, "args": call.Arguments})

	start := time.Now()
	obs := d.execute(ctx, call)
	obs.Timestamp = float64(time.Now().UnixNano()) / 1e9

	status := "ok"
	switch {
	case obs.Error == DeniedMessage:
		status = "denied"
	case !obs.OK:
		status = "error"
	}
	d.registry.deps.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())

	data := map[string]any{"tool": obs.Tool, "ok": obs.OK}
	if obs.Data != nil {
		data["data"] = obs.Data
	}
	if obs.Error != "" {
		data["error"] = obs.Error
	}
	if obs.Sandbox {
		data["sandbox"] = true
	}
	d.emit(ctx, models.EventToolResult, data)
	return obs
}

func (d *Dispatcher) execute(ctx context.Context, call models.ToolCall) models.Observation {
	binding, ok := d.bindings[call.Name]
	if !ok {
		return models.Observation{Tool: call.Name, OK: false, Error: DeniedMessage}
	}
	if binding.schema != nil {
		if err := binding.schema.Validate(normalizeArgs(call.Arguments)); err != nil {
			return models.Observation{Tool: call.Name, OK: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	data, err := binding.Exec(ctx, call.Arguments)
	if binding.Sandbox {
		d.usedSandbox = true
	}
	if err != nil {
		d.registry.logger.Warn(ctx, "tool execution failed",
			"tool", call.Name, "kind", string(binding.Kind), "session_id", d.sessionID, "error", err)
		return models.Observation{Tool: call.Name, OK: false, Error: err.Error(), Sandbox: binding.Sandbox}
	}
	return models.Observation{Tool: call.Name, OK: true, Data: data, Sandbox: binding.Sandbox}
}

// ReleaseSandbox tears down per-session sandbox state. Best-effort: errors
// are logged and swallowed.
func (d *Dispatcher) ReleaseSandbox(ctx context.Context) {
	if !d.usedSandbox || d.registry.deps.Sandbox == nil {
		return
	}
	if err := d.registry.deps.Sandbox.Release(ctx, d.sessionID); err != nil {
		d.registry.logger.Warn(ctx, "sandbox release failed", "session_id", d.sessionID, "error", err)
	}
	d.usedSandbox = false
}

func (d *Dispatcher) emit(ctx context.Context, typ models.EventType, data map[string]any) {
	if d.emitter != nil {
		d.emitter.Emit(ctx, typ, data)
	}
}
