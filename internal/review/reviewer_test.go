package review

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// auditClient answers every JSON call with one HIGH continuity finding,
// counting calls so the fan-out shape is observable.
type auditClient struct {
	mu    sync.Mutex
	calls int
}

func (c *auditClient) bump() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

const auditResponse = `{"issues": [{"category": "continuidad", "severity": "HIGH", "description": "salto temporal sin transición", "affected_chapters": [2]}]}`

func (c *auditClient) Complete(ctx context.Context, prompt string) (string, error) {
	return auditResponse, nil
}

func (c *auditClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	c.bump()
	return auditResponse, nil
}

func (c *auditClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return auditResponse, nil
}

func (c *auditClient) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.bump()
	return auditResponse, nil
}

func makeChapters(n int) []novel.Chapter {
	chapters := make([]novel.Chapter, n)
	for i := range chapters {
		chapters[i] = novel.Chapter{
			ChapterNumber: i + 1,
			Title:         fmt.Sprintf("Capítulo %d", i+1),
			Content:       "El contenido del capítulo transcurre con normalidad.",
			Summary:       fmt.Sprintf("resumen del capítulo %d", i+1),
		}
	}
	return chapters
}

func TestChapterBlocksSplitsEvenly(t *testing.T) {
	blocks := chapterBlocks(makeChapters(12), 5)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks of 12 chapters at size 5, got %d", len(blocks))
	}
	if len(blocks[0]) != 5 || len(blocks[1]) != 5 || len(blocks[2]) != 2 {
		t.Fatalf("unexpected block sizes: %d, %d, %d", len(blocks[0]), len(blocks[1]), len(blocks[2]))
	}
	if blocks[2][1].ChapterNumber != 12 {
		t.Fatalf("last block must end at chapter 12, got %d", blocks[2][1].ChapterNumber)
	}
}

func TestNormalizeSeverityFoldsVocabularies(t *testing.T) {
	cases := map[string]novel.ViolationSeverity{
		"HIGH":     novel.SeverityCritical,
		"critical": novel.SeverityCritical,
		"alta":     novel.SeverityCritical,
		"MEDIUM":   novel.SeverityMajor,
		"major":    novel.SeverityMajor,
		"media":    novel.SeverityMajor,
		"low":      novel.SeverityMinor,
		"minor":    novel.SeverityMinor,
		"":         novel.SeverityMinor,
	}
	for in, want := range cases {
		if got := normalizeSeverity(in); got != want {
			t.Errorf("normalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunQAAuditFansOutBlocksAndPersistsReports(t *testing.T) {
	client := &auditClient{}
	reviewer := NewReviewer(agent.NewAgentFactory(client, ""))
	project := &novel.Project{ID: "p1"}
	chapters := makeChapters(12)

	issues, err := reviewer.RunQAAudit(context.Background(), project, chapters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 3 continuity blocks + 2 voice blocks + semantic repetition + beta reader.
	if client.calls != 7 {
		t.Fatalf("expected 7 auditor calls, got %d", client.calls)
	}
	// Every auditor source contributed its HIGH finding; the beta reader
	// produces a report, not issues.
	if len(issues) != 6 {
		t.Fatalf("expected 6 findings, got %d", len(issues))
	}
	for _, issue := range issues {
		if issue.Severity != novel.SeverityCritical {
			t.Fatalf("HIGH finding must normalize to critical, got %q", issue.Severity)
		}
	}
	if project.BetaReaderReport == nil {
		t.Fatalf("beta reader report must be persisted on the project")
	}
	if project.QAAuditReport == nil {
		t.Fatalf("qa audit report must be persisted on the project")
	}
	if total, ok := project.QAAuditReport["total_findings"].(int); !ok || total != 6 {
		t.Fatalf("qa audit report must record 6 total findings, got %v", project.QAAuditReport["total_findings"])
	}
}
