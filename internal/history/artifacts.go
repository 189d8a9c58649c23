package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const (
	// ArtifactIndexMaxItems bounds how many artifact rows feed the index.
	ArtifactIndexMaxItems = 200

	// artifactIndexShow is how many entries each category lists before
	// collapsing the remainder into a count.
	artifactIndexShow = 12

	// artifactIndexHeader marks the index block so it is recognizable in
	// context and in tests.
	artifactIndexHeader = "[Artifact index] Work products recorded in this session:"
)

// ArtifactIndex synthesizes a compact inventory of the session's file reads,
// file changes, commands, script runs and failures. Returns "" when the
// session has no artifacts.
func (m *Manager) ArtifactIndex(ctx context.Context, userID, sessionID string) (string, error) {
	rows, err := m.store.LoadArtifactLogs(ctx, userID, sessionID, ArtifactIndexMaxItems)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}

	var (
		reads    []string
		readSeen = map[string]bool{}

		changeOrder   []string
		changeActions = map[string][]string{}

		commands    []string
		commandSeen = map[string]bool{}

		scripts    []string
		scriptSeen = map[string]bool{}

		failures    []string
		failureSeen = map[string]bool{}
	)

	for _, rec := range rows {
		name := strings.TrimSpace(rec.Name)
		if name == "" {
			name = rec.Tool
		}
		if !rec.OK {
			entry := name
			if rec.Tool != "" && rec.Tool != name {
				entry = fmt.Sprintf("%s (%s)", name, rec.Tool)
			}
			if errText, _ := rec.Meta["error"].(string); errText != "" {
				entry += ": " + errText
			}
			if !failureSeen[entry] {
				failureSeen[entry] = true
				failures = append(failures, entry)
			}
			continue
		}
		switch rec.Kind {
		case models.ArtifactKindFile:
			if rec.Action == "read" {
				if !readSeen[name] {
					readSeen[name] = true
					reads = append(reads, name)
				}
				continue
			}
			actions, ok := changeActions[name]
			if !ok {
				changeOrder = append(changeOrder, name)
			}
			if !containsString(actions, rec.Action) {
				changeActions[name] = append(actions, rec.Action)
			}
		case models.ArtifactKindCommand:
			if !commandSeen[name] {
				commandSeen[name] = true
				commands = append(commands, name)
			}
		case models.ArtifactKindScript:
			if !scriptSeen[name] {
				scriptSeen[name] = true
				scripts = append(scripts, name)
			}
		}
	}

	changes := make([]string, 0, len(changeOrder))
	for _, path := range changeOrder {
		changes = append(changes, fmt.Sprintf("%s (%s)", path, strings.Join(changeActions[path], ", ")))
	}

	var b strings.Builder
	writeCategory(&b, "Files read", reads)
	writeCategory(&b, "Files changed", changes)
	writeCategory(&b, "Commands run", commands)
	writeCategory(&b, "Scripts run", scripts)
	writeCategory(&b, "Failures", failures)
	if b.Len() == 0 {
		return "", nil
	}
	return artifactIndexHeader + "\n" + strings.TrimRight(b.String(), "\n"), nil
}

func writeCategory(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(items))
	shown := items
	if len(shown) > artifactIndexShow {
		shown = shown[:artifactIndexShow]
	}
	for _, item := range shown {
		fmt.Fprintf(b, "- %s\n", item)
	}
	if rest := len(items) - len(shown); rest > 0 {
		fmt.Fprintf(b, "- …and %d more\n", rest)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
