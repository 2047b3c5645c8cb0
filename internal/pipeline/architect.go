package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/domain/novel"
	"github.com/dotcommander/novelorc/pkg/orc/utils"
)

// maxPlanRegenerations caps how many times the architecture phase will ask
// the Global Architect to regenerate a plan that failed coherence
// validation before falling back to the protagonist-injection
// post-processor.
const maxPlanRegenerations = 5

// planResponse is the Global Architect's raw JSON shape.
type planResponse struct {
	ChapterOutlines   []novel.ChapterOutlineEntry `json:"chapter_outlines"`
	PlotThreads       []novel.PlotThread          `json:"plot_threads"`
	ThreeActStructure map[string]int              `json:"three_act_structure"`
	Settings          []string                    `json:"settings"`
	Themes            []string                    `json:"themes"`
}

// Planner implements core.StructuralPlanner via the Global Architect: it
// generates the chapter-by-chapter plot outline, validates plan coherence,
// and regenerates with injected correction instructions until the plan
// passes or the regeneration cap is reached.
type Planner struct {
	agents Factory
	logger *slog.Logger
}

func NewPlanner(agents Factory) *Planner {
	return &Planner{agents: agents, logger: slog.Default().With("component", "architect")}
}

// BuildOutline drives the architecture phase. After the regeneration cap,
// the protagonist-injection post-processor attempts to salvage a plan whose
// only remaining failure is protagonist coverage; anything else still
// failing is returned as an error for the orchestrator to pause on.
func (pl *Planner) BuildOutline(ctx context.Context, project *novel.Project, bible novel.WorldBible) (novel.PlotOutline, error) {
	architect := pl.agents.CreateAgent(agent.RoleGlobalArchitect)
	protagonist := core.ProtagonistName(bible)

	var plan novel.PlotOutline
	var problems []string
	for attempt := 0; attempt <= maxPlanRegenerations; attempt++ {
		input := map[string]any{
			"Title":         project.Title,
			"Premise":       project.Premise,
			"Genre":         project.Genre,
			"Tone":          project.Tone,
			"ChapterCount":  project.TargetChapterCount,
			"HasPrologue":   project.HasPrologue,
			"HasEpilogue":   project.HasEpilogue,
			"HasAuthorNote": project.HasAuthorNote,
			"Characters":    bible.Characters,
			"Corrections":   problems,
		}
		raw, err := architect.ExecuteJSON(ctx, fmt.Sprintf("Build the chapter-by-chapter outline for a %d-chapter novel.", project.TargetChapterCount), input)
		if err != nil {
			return novel.PlotOutline{}, fmt.Errorf("global architect: %w", err)
		}
		var resp planResponse
		if err := utils.ParseJSONResponse(raw, &resp); err != nil {
			return novel.PlotOutline{}, fmt.Errorf("parsing structural plan: %w", err)
		}
		if len(resp.ChapterOutlines) == 0 {
			return novel.PlotOutline{}, fmt.Errorf("global architect returned an empty outline")
		}
		plan = novel.PlotOutline{
			ChapterOutlines:   resp.ChapterOutlines,
			PlotThreads:       resp.PlotThreads,
			ThreeActStructure: resp.ThreeActStructure,
			Settings:          resp.Settings,
			Themes:            resp.Themes,
		}

		problems = core.ValidatePlanCoherence(plan, protagonist, project.TargetChapterCount)
		if len(problems) == 0 {
			return plan, nil
		}
		pl.logger.Warn("structural plan failed coherence validation, regenerating",
			"attempt", attempt+1, "problems", len(problems))
	}

	// Regenerations exhausted: try injecting the protagonist into chapter
	// summaries, which resolves the coverage gate without another model call.
	if injected, ok := core.InjectProtagonist(plan.ChapterOutlines, protagonist); ok {
		plan.ChapterOutlines = injected
		if remaining := core.ValidatePlanCoherence(plan, protagonist, project.TargetChapterCount); len(remaining) == 0 {
			pl.logger.Info("structural plan accepted after protagonist injection")
			return plan, nil
		}
	}

	return novel.PlotOutline{}, fmt.Errorf("structural plan failed coherence validation after %d regenerations: %s",
		maxPlanRegenerations, strings.Join(problems, "; "))
}

var _ core.StructuralPlanner = (*Planner)(nil)
