// Package skills discovers SKILL.md instruction documents and surfaces them
// to the model as callable tools. Invoking a skill returns its markdown body
// as the observation; the model then follows the instructions inside. The
// engine never interprets skill content itself.
package skills

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Skill is one discovered skill document.
type Skill struct {
	Name        string
	Description string
	// InputSchema is the optional JSON schema for call arguments.
	InputSchema map[string]any
	// Path is the absolute SKILL.md location shown to the model.
	Path string
	// Dir is the skill's directory; {baseDir} in the body expands to it.
	Dir string
	// Frontmatter is the raw YAML header, embedded verbatim in prompts.
	Frontmatter string
	// Content is the markdown body returned on invocation.
	Content string
}

// Registry holds the discovered, enabled skill set. Reload replaces the set
// atomically; readers always see a complete snapshot.
type Registry struct {
	cfg    config.SkillsConfig
	logger *observability.Logger

	mu     sync.RWMutex
	byName map[string]*Skill
}

// NewRegistry creates a registry and runs the initial discovery. Discovery
// failures on individual files are logged and skipped, never fatal.
func NewRegistry(cfg config.SkillsConfig, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	r := &Registry{cfg: cfg, logger: logger, byName: map[string]*Skill{}}
	r.Reload(context.Background())
	return r
}

// Reload rescans the configured paths. Each immediate subdirectory holding a
// SKILL.md is one skill; when two paths define the same name, the later
// configured path wins.
func (r *Registry) Reload(ctx context.Context) {
	found := map[string]*Skill{}
	for _, dir := range r.cfg.Paths {
		for _, sk := range r.scanDir(ctx, dir) {
			found[sk.Name] = sk
		}
	}

	if len(r.cfg.Enabled) > 0 {
		enabled := make(map[string]bool, len(r.cfg.Enabled))
		for _, name := range r.cfg.Enabled {
			enabled[name] = true
		}
		for name := range found {
			if !enabled[name] {
				delete(found, name)
			}
		}
	}

	r.mu.Lock()
	r.byName = found
	r.mu.Unlock()

	r.logger.Info(ctx, "skill registry loaded", "count", len(found))
}

func (r *Registry) scanDir(ctx context.Context, dir string) []*Skill {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil || !info.IsDir() {
		r.logger.Warn(ctx, "skill path unusable", "path", dir, "error", err)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn(ctx, "read skill path failed", "path", dir, "error", err)
		return nil
	}

	var out []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		file := filepath.Join(dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}
		sk, err := ParseSkillFile(file)
		if err != nil {
			r.logger.Warn(ctx, "skipping invalid skill", "path", file, "error", err)
			continue
		}
		out = append(out, sk)
	}
	return out
}

// Get returns one skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.byName[name]
	return sk, ok
}

// List returns all enabled skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	out := make([]*Skill, 0, len(r.byName))
	for _, sk := range r.byName {
		out = append(out, sk)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs renders the skill set as tool specs for the prompt protocol block
// and dispatcher validation.
func (r *Registry) Specs() []models.ToolSpec {
	list := r.List()
	out := make([]models.ToolSpec, 0, len(list))
	for _, sk := range list {
		out = append(out, models.ToolSpec{
			Name:        sk.Name,
			Description: sk.Description,
			ArgsSchema:  sk.InputSchema,
		})
	}
	return out
}

// Invoke returns the skill body as the call result. {baseDir} placeholders
// expand to the skill's directory so relative references work from any
// working directory.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	sk, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", name)
	}
	body := ExpandBaseDir(sk.Content, sk.Dir)
	return map[string]any{
		"skill":        sk.Name,
		"path":         sk.Path,
		"instructions": body,
	}, nil
}

// ExpandBaseDir replaces {baseDir} placeholders in skill content.
func ExpandBaseDir(content, baseDir string) string {
	return strings.ReplaceAll(content, "{baseDir}", baseDir)
}
