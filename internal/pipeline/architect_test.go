package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// plannerClient is a canned AIClient whose every JSON call returns the same
// plan, counting invocations so tests can observe the regeneration loop.
type plannerClient struct {
	response string
	calls    int
}

func (c *plannerClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.response, nil
}

func (c *plannerClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	c.calls++
	return c.response, nil
}

func (c *plannerClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.response, nil
}

func (c *plannerClient) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.calls++
	return c.response, nil
}

func coherentPlanJSON(chapterCount int) string {
	var entries []string
	for n := 1; n <= chapterCount; n++ {
		role := ""
		switch n {
		case 2:
			role = "act1_turn"
		case 4:
			role = "midpoint"
		case 6:
			role = "act2_crisis"
		}
		entries = append(entries, fmt.Sprintf(
			`{"number": %d, "title": "Capítulo %d", "summary": "Elena avanza en su búsqueda.", "key_event": "avance", "emotional_arc": "tensión", "structural_role": "%s"}`,
			n, n, role))
	}
	return fmt.Sprintf(`{
		"chapter_outlines": [%s],
		"plot_threads": [{"name": "la búsqueda", "goal": "encontrar la verdad", "status": "active"}],
		"settings": ["la ciudad"],
		"themes": ["identidad"]
	}`, strings.Join(entries, ","))
}

func testProject(chapters int) *novel.Project {
	return &novel.Project{ID: "p1", Title: "La Búsqueda", Genre: "thriller", TargetChapterCount: chapters}
}

func testBible() novel.WorldBible {
	return novel.WorldBible{
		ProjectID:  "p1",
		Characters: []novel.Character{{Name: "Elena", Role: "protagonist"}},
	}
}

func TestBuildOutlineAcceptsCoherentPlanFirstTry(t *testing.T) {
	client := &plannerClient{response: coherentPlanJSON(8)}
	planner := NewPlanner(agent.NewAgentFactory(client, ""))

	plan, err := planner.BuildOutline(context.Background(), testProject(8), testBible())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("a coherent plan must be accepted on the first call, got %d calls", client.calls)
	}
	if len(plan.ChapterOutlines) != 8 {
		t.Fatalf("expected 8 chapter outlines, got %d", len(plan.ChapterOutlines))
	}
	if len(plan.PlotThreads) != 1 {
		t.Fatalf("expected the plot thread to survive parsing, got %d", len(plan.PlotThreads))
	}
}

func TestBuildOutlineExhaustsRegenerationsOnIncoherentPlan(t *testing.T) {
	// Plan missing midpoint and act2_crisis: never passes validation.
	incoherent := strings.ReplaceAll(coherentPlanJSON(8), "midpoint", "")
	incoherent = strings.ReplaceAll(incoherent, "act2_crisis", "")
	client := &plannerClient{response: incoherent}
	planner := NewPlanner(agent.NewAgentFactory(client, ""))

	_, err := planner.BuildOutline(context.Background(), testProject(8), testBible())
	if err == nil {
		t.Fatalf("expected an error once regenerations are exhausted")
	}
	if client.calls != maxPlanRegenerations+1 {
		t.Fatalf("expected %d generation attempts, got %d", maxPlanRegenerations+1, client.calls)
	}
}

func TestBuildOutlineSalvagesCoverageViaInjection(t *testing.T) {
	// Structural roles fine, but the protagonist is never named: only the
	// coverage gate fails, which the injection post-processor can fix
	// without another model call.
	response := strings.ReplaceAll(coherentPlanJSON(8), "Elena avanza en su búsqueda.", "Alguien avanza en su búsqueda.")
	client := &plannerClient{response: response}
	planner := NewPlanner(agent.NewAgentFactory(client, ""))

	plan, err := planner.BuildOutline(context.Background(), testProject(8), testBible())
	if err != nil {
		t.Fatalf("expected protagonist injection to salvage the plan, got: %v", err)
	}
	named := 0
	for _, o := range plan.ChapterOutlines {
		if strings.Contains(o.Summary, "Elena") {
			named++
		}
	}
	if float64(named)/float64(len(plan.ChapterOutlines)) < 0.40 {
		t.Fatalf("expected >= 40%% of summaries to name the protagonist after injection, got %d/%d", named, len(plan.ChapterOutlines))
	}
}
