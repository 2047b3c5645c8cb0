package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// ThoughtLogger persists agent reasoning so downstream agents can read what
// upstream ones concluded. Entries grow monotonically per (project, agent,
// chapter); content beyond novel.MaxThoughtLogBytes is truncated from the
// front, keeping the most recent reasoning.
type ThoughtLogger struct {
	storage Storage
	logger  *slog.Logger
}

func NewThoughtLogger(storage Storage) *ThoughtLogger {
	return &ThoughtLogger{storage: storage, logger: slog.Default().With("component", "thought_log")}
}

func thoughtPath(projectID, agentName string, chapter *int) string {
	if chapter == nil {
		return fmt.Sprintf("projects/%s/thoughts/%s.json", projectID, agentName)
	}
	return fmt.Sprintf("projects/%s/thoughts/%s_ch%d.json", projectID, agentName, novel.NormalizeChapterNumber(*chapter))
}

// Record appends content to the agent's thought log for the given chapter
// (nil chapter for manuscript-level agents). Failures are logged, never
// propagated: losing a thought log must not fail a chapter.
func (t *ThoughtLogger) Record(ctx context.Context, projectID, agentName, agentRole string, chapter *int, content string) {
	if t == nil || t.storage == nil || content == "" {
		return
	}
	path := thoughtPath(projectID, agentName, chapter)

	entry := novel.ThoughtLog{
		ProjectID: projectID,
		Chapter:   chapter,
		AgentName: agentName,
		AgentRole: agentRole,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if prior, err := t.storage.Load(ctx, path); err == nil {
		var existing novel.ThoughtLog
		if json.Unmarshal(prior, &existing) == nil && existing.Content != "" {
			entry.Content = existing.Content + "\n---\n" + content
		}
	}
	if len(entry.Content) > novel.MaxThoughtLogBytes {
		entry.Content = entry.Content[len(entry.Content)-novel.MaxThoughtLogBytes:]
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.logger.Warn("marshaling thought log failed", "project", projectID, "agent", agentName, "error", err)
		return
	}
	if err := t.storage.Save(ctx, path, data); err != nil {
		t.logger.Warn("saving thought log failed", "project", projectID, "agent", agentName, "error", err)
	}
}
