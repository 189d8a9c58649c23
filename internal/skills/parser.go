package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// frontmatter is the YAML header every SKILL.md starts with. InputSchema is
// optional; skills without one accept a free-form argument object.
type frontmatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// ParseSkillFile parses one SKILL.md from disk.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return ParseSkill(data, abs)
}

// ParseSkill parses SKILL.md content. The raw frontmatter text is kept
// verbatim because the prompt composer embeds it unmodified.
func ParseSkill(data []byte, path string) (*Skill, error) {
	raw, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if err := validateName(fm.Name); err != nil {
		return nil, err
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	return &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		InputSchema: fm.InputSchema,
		Path:        path,
		Dir:         filepath.Dir(path),
		Frontmatter: strings.TrimSpace(string(raw)),
		Content:     strings.TrimSpace(string(body)),
	}, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(data []byte) (raw, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var rawLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		rawLines = append(rawLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(rawLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// validateName enforces lowercase alphanumeric names with hyphens, the same
// shape tool names take in model output.
func validateName(name string) error {
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", name)
	}
	return nil
}
