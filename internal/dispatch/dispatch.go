// Package dispatch resolves tool names to typed executors and runs them with
// uniform eventing: tool_call before execution, tool_result after, and
// denials or argument-validation failures as ok:false observations rather
// than request failures. Name resolution happens once, at dispatcher
// construction, so dispatching is a typed match instead of a runtime string
// hunt.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/skills"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Sentinel tools the loop handles itself. They are never dispatched but are
// always callable, regardless of the allowed set.
const (
	ToolFinalResponse = "final_response"
	ToolA2UI          = "a2ui"
)

// DeniedMessage is the observation error for names outside the allowed set
// or not resolvable to any executor.
const DeniedMessage = "tool disabled or unavailable"

// IsSentinel reports whether the loop owns this tool name.
func IsSentinel(name string) bool {
	return name == ToolFinalResponse || name == ToolA2UI
}

// Kind tags a binding with its execution path.
type Kind string

const (
	KindBuiltin   Kind = "builtin"
	KindSkill     Kind = "skill"
	KindMCP       Kind = "mcp"
	KindA2A       Kind = "a2a"
	KindKnowledge Kind = "knowledge"
)

// ExecutorFunc runs one resolved tool call and returns the observation data.
type ExecutorFunc func(ctx context.Context, args map[string]any) (any, error)

// Binding couples one callable name with its typed executor.
type Binding struct {
	Kind Kind
	Spec models.ToolSpec
	Exec ExecutorFunc

	// Alias is set when the name came from the user alias map.
	Alias bool
	// Sandbox is set when execution is delegated to the sandbox client.
	Sandbox bool

	schema *jsonschema.Schema
}

// MCPClient calls a tool on an external MCP server. The wire protocol lives
// outside this module.
type MCPClient interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// A2AClient delegates a call to a peer agent service.
type A2AClient interface {
	Call(ctx context.Context, service string, args map[string]any) (any, error)
}

// KnowledgeClient queries a configured knowledge base.
type KnowledgeClient interface {
	Query(ctx context.Context, base string, args map[string]any) (any, error)
}

// SandboxClient executes eligible built-ins in an isolated environment.
// Release tears down per-session sandbox state and is best-effort.
type SandboxClient interface {
	Execute(ctx context.Context, sessionID, tool string, args map[string]any) (any, error)
	Release(ctx context.Context, sessionID string) error
}

// SkillSource is the slice of the skill registry the dispatcher uses.
type SkillSource interface {
	Get(name string) (*skills.Skill, bool)
	List() []*skills.Skill
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Emitter is where dispatch events go; satisfied by emit.Emitter.
type Emitter interface {
	Emit(ctx context.Context, typ models.EventType, data map[string]any) *models.Event
}

// Deps carries the capability seams behind the dispatcher. Any of them may
// be nil; bindings needing an absent client are simply not created.
type Deps struct {
	Skills    SkillSource
	MCP       MCPClient
	A2A       A2AClient
	Knowledge KnowledgeClient
	Sandbox   SandboxClient
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Registry is the process-wide tool surface: registered built-ins plus
// per-user alias maps. Version counters feed the prompt cache key so a
// rebind invalidates composed prompts.
type Registry struct {
	deps   Deps
	logger *observability.Logger

	mu            sync.RWMutex
	builtins      map[string]*Binding
	builtinOrder  []string
	userAliases   map[string]map[string]config.ToolAlias
	sharedVersion int64
	userVersions  map[string]int64
}

// NewRegistry creates an empty registry over the capability seams.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Registry{
		deps:         deps,
		logger:       logger,
		builtins:     make(map[string]*Binding),
		userAliases:  make(map[string]map[string]config.ToolAlias),
		userVersions: make(map[string]int64),
	}
}

// RegisterBuiltin adds a built-in tool. The spec's args schema, when present,
// is compiled once and enforced on every dispatch.
func (r *Registry) RegisterBuiltin(spec models.ToolSpec, exec ExecutorFunc) error {
	schema, err := compileArgsSchema(spec.Name, spec.ArgsSchema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins[spec.Name]; !exists {
		r.builtinOrder = append(r.builtinOrder, spec.Name)
	}
	r.builtins[spec.Name] = &Binding{Kind: KindBuiltin, Spec: spec, Exec: exec, schema: schema}
	r.sharedVersion++
	return nil
}

// RegisterBuiltinTyped derives the args schema from a Go struct and
// registers the tool.
func (r *Registry) RegisterBuiltinTyped(name, description string, args any, exec ExecutorFunc) error {
	schema, err := SchemaFor(args)
	if err != nil {
		return err
	}
	return r.RegisterBuiltin(models.ToolSpec{Name: name, Description: description, ArgsSchema: schema}, exec)
}

// SetUserAliases replaces one user's alias bindings.
func (r *Registry) SetUserAliases(userID string, aliases map[string]config.ToolAlias) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(aliases) == 0 {
		delete(r.userAliases, userID)
	} else {
		copied := make(map[string]config.ToolAlias, len(aliases))
		for name, alias := range aliases {
			copied[name] = alias
		}
		r.userAliases[userID] = copied
	}
	r.userVersions[userID]++
}

// SharedVersion bumps when the built-in surface changes.
func (r *Registry) SharedVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sharedVersion
}

// UserVersion bumps when the user's alias map changes.
func (r *Registry) UserVersion(userID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userVersions[userID]
}

// Builtins lists registered built-in specs in registration order.
func (r *Registry) Builtins() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.builtinOrder))
	for _, name := range r.builtinOrder {
		out = append(out, r.builtins[name].Spec)
	}
	return out
}

// splitMCPName splits "server@tool" at the first separator.
func splitMCPName(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, "@")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}
