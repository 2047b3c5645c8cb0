// Package pipeline implements the per-chapter generation pipeline: chapter
// architecture, in-order scene ghostwriting with carried context, assembly,
// the triple cross-audit correction loop, consistency enforcement,
// minimum-length and truncation repair, summarization, and World Bible
// derived updates. The steps live on a single Pipeline because they share
// mutable working state within one chapter.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/domain/novel"
	"github.com/dotcommander/novelorc/internal/phase"
	"github.com/dotcommander/novelorc/pkg/orc/utils"
)

// Factory creates role-bound agents; satisfied by *agent.AgentFactory.
type Factory interface {
	CreateAgent(role agent.Role) *agent.Agent
}

// Pipeline implements core.ChapterPipeline.
type Pipeline struct {
	agents     Factory
	patterns   *core.PatternTracker
	usage      *core.UsageAccount
	workers    int
	logger     *slog.Logger
	storage    core.Storage
	thoughts   *core.ThoughtLogger
	callbacks  core.Callbacks
	resilience *core.PhaseResilience
}

type Option func(*Pipeline)

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithUsageAccount(u *core.UsageAccount) Option {
	return func(p *Pipeline) { p.usage = u }
}

// WithSceneTracking enables per-scene crash recovery: scene ghostwriting
// progress for each chapter is persisted to storage as each scene
// completes, so a process that crashes mid-chapter resumes by reusing
// already-written scenes instead of regenerating the whole chapter. The
// same storage backs the thought log that feeds downstream agents with
// upstream reasoning.
func WithSceneTracking(storage core.Storage) Option {
	return func(p *Pipeline) { p.storage = storage }
}

// WithCallbacks forwards per-scene and per-agent progress to the caller's
// notification surface.
func WithCallbacks(callbacks core.Callbacks) Option {
	return func(p *Pipeline) { p.callbacks = callbacks }
}

func New(agents Factory, patterns *core.PatternTracker, opts ...Option) *Pipeline {
	p := &Pipeline{
		agents:     agents,
		patterns:   patterns,
		usage:      core.NewUsageAccount(),
		workers:    3,
		logger:     slog.Default().With("component", "pipeline"),
		resilience: core.NewPhaseResilience(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.storage != nil {
		p.thoughts = core.NewThoughtLogger(p.storage)
	}
	return p
}

// scenePlanResponse is the Chapter Architect's raw JSON shape.
type scenePlanResponse struct {
	Scenes []novel.ScenePlan `json:"scenes"`
}

// GenerateChapter produces one chapter end to end: scene planning, in-order
// scene ghostwriting, assembly, the triple cross-audit correction loop,
// consistency enforcement, minimum-length and truncation repair,
// summarization, and the derived World Bible updates (narrative timeline,
// injury extraction, plot-thread status).
func (p *Pipeline) GenerateChapter(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan core.ChapterPlan) (novel.Chapter, novel.WorldBible, []novel.ConsistencyViolation, error) {
	advice := p.patterns.Advice(project.ID, 3)
	constraints := p.buildConstraints(project, bible, plan)

	scenes, err := p.planScenes(ctx, project, bible, plan, advice, constraints)
	if err != nil {
		return novel.Chapter{}, bible, nil, fmt.Errorf("planning scenes for chapter %d: %w", plan.Outline.Number, err)
	}

	content, err := p.writeScenes(ctx, project, bible, plan, scenes, constraints)
	if err != nil {
		return novel.Chapter{}, bible, nil, fmt.Errorf("writing chapter %d: %w", plan.Outline.Number, err)
	}

	content = p.crossAudit(ctx, bible, plan, content)

	content, violations, entities, relationships := p.enforceConsistency(ctx, bible, plan, content)

	content, wordCount := p.repairMinimumLength(ctx, project, bible, plan, content)
	content, wordCount = p.repairTruncation(ctx, bible, plan, content, wordCount)

	content = novel.NormalizeChapterHeader(content, plan.Outline.Number, plan.Outline.Title)

	summary, err := p.summarize(ctx, content)
	if err != nil {
		p.logger.Warn("summarization failed, continuing without summary", "chapter", plan.Outline.Number, "error", err)
	}

	p.patterns.Register(project.ID, core.ScenePattern{
		Chapter:      plan.Outline.Number,
		OpeningBeats: firstN(scenes, func(s novel.ScenePlan) string { return s.PlotBeat }, 1),
		EndingHooks:  lastN(scenes, func(s novel.ScenePlan) string { return s.EndingHook }, 1),
		Settings:     uniqueSettings(scenes),
	})

	updatedBible := p.applyDerivedUpdates(ctx, bible, plan, content, summary, entities, relationships)

	p.usage.ApplyTo(project)

	chapter := novel.Chapter{
		ProjectID:      project.ID,
		ChapterNumber:  plan.Outline.Number,
		Title:          plan.Outline.Title,
		Content:        content,
		WordCount:      wordCount,
		Status:         novel.ChapterCompleted,
		SceneBreakdown: scenes,
		Summary:        summary,
		UpdatedAt:      time.Now(),
	}

	return chapter, updatedBible, violations, nil
}

// buildConstraints concatenates the consistency/style/injury/plot-thread
// context a writing agent needs: universal World Bible
// constraints, active-injury CAN/CANNOT capability expansions, plot-thread
// urgency, and any project-level rewrite guidance as a top-priority block.
func (p *Pipeline) buildConstraints(project *novel.Project, bible novel.WorldBible, plan core.ChapterPlan) string {
	var b strings.Builder

	if project.RewriteGuidance != "" {
		fmt.Fprintf(&b, "PRIORIDAD MÁXIMA: %s\n\n", project.RewriteGuidance)
	}

	if len(bible.Characters) > 0 {
		b.WriteString("PERSONAJES Y RASGOS FIJOS:\n")
		for _, c := range bible.Characters {
			fmt.Fprintf(&b, "- %s (%s): estado=%s", c.Name, c.Role, c.Status)
			if len(c.Immutable) > 0 {
				keys := sortedKeys(c.Immutable)
				for _, k := range keys {
					fmt.Fprintf(&b, "; %s=%s", k, c.Immutable[k])
				}
			}
			b.WriteString("\n")
		}
	}

	if len(bible.WorldRules) > 0 {
		b.WriteString("\nREGLAS DEL MUNDO:\n")
		for _, r := range bible.WorldRules {
			fmt.Fprintf(&b, "- %s\n", r.Description)
		}
	}

	if len(bible.PersistentInjuries) > 0 {
		b.WriteString("\nLESIONES ACTIVAS:\n")
		for _, inj := range bible.PersistentInjuries {
			fmt.Fprintf(&b, "- %s (%s en %s): %s\n", inj.Character, inj.InjuryType, inj.BodyPart, core.InjuryCapabilities(inj))
		}
	}

	if len(bible.PlotDecisions) > 0 {
		b.WriteString("\nDECISIONES DE TRAMA:\n")
		for _, d := range bible.PlotDecisions {
			fmt.Fprintf(&b, "- (cap. %d) %s\n", d.Chapter, d.Text)
		}
	}

	if len(plan.RecentSummaries) > 0 {
		b.WriteString("\nRESUMEN DE CAPÍTULOS RECIENTES:\n")
		for _, s := range plan.RecentSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if len(bible.Timeline) > 0 {
		b.WriteString("\nLÍNEA TEMPORAL NARRATIVA:\n")
		for _, chNum := range sortedTimelineChapters(bible.Timeline) {
			m := bible.Timeline[chNum]
			fmt.Fprintf(&b, "- Cap %d: %s, %s, %s\n", chNum, m.Day, m.TimeOfDay, m.Location)
		}
	}

	remainingRegular := regularChaptersRemaining(bible.PlotOutline.ChapterOutlines, plan.Outline.Number)
	unresolved := unresolvedThreads(bible.PlotOutline.PlotThreads)
	if len(bible.PlotOutline.PlotThreads) > 0 {
		b.WriteString("\nHILOS NARRATIVOS ACTIVOS:\n")
		for _, t := range bible.PlotOutline.PlotThreads {
			if t.Status == "resolved" {
				continue
			}
			fmt.Fprintf(&b, "- %s: objetivo=%s (estado=%s)\n", t.Name, t.Goal, t.Status)
		}
		if remainingRegular <= 6 && len(unresolved) > 0 {
			fmt.Fprintf(&b, "URGENTE: quedan %d capítulos regulares y los hilos %s siguen sin resolver.\n", remainingRegular, strings.Join(unresolved, ", "))
		}
	}

	return b.String()
}

func regularChaptersRemaining(outline []novel.ChapterOutlineEntry, currentNumber int) int {
	current := novel.NormalizeChapterNumber(currentNumber)
	count := 0
	for _, o := range outline {
		n := novel.NormalizeChapterNumber(o.Number)
		if n > current && !novel.IsSpecialChapter(n) {
			count++
		}
	}
	return count
}

func unresolvedThreads(threads []novel.PlotThread) []string {
	var out []string
	for _, t := range threads {
		if t.Status != "resolved" {
			out = append(out, t.Name)
		}
	}
	return out
}

func sortedTimelineChapters(timeline map[int]novel.NarrativeMoment) []int {
	out := make([]int, 0, len(timeline))
	for ch := range timeline {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Pipeline) planScenes(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan core.ChapterPlan, advice, constraints string) ([]novel.ScenePlan, error) {
	ag := p.agents.CreateAgent(agent.RoleChapterArchitect)
	input := map[string]any{
		"Outline":        plan.Outline,
		"Genre":          project.Genre,
		"Tone":           project.Tone,
		"Characters":     bible.Characters,
		"PatternAdvice":  advice,
		"Constraints":    constraints,
		"RollingSummary": plan.RollingSummary,
		"FullOutline":    bible.PlotOutline.ChapterOutlines,
		"KUOptimized":    project.KUOptimized,
	}
	raw, err := ag.ExecuteJSON(ctx, fmt.Sprintf("Plan scenes for chapter %d: %s", plan.Outline.Number, plan.Outline.Summary), input)
	if err != nil {
		return nil, err
	}
	var resp scenePlanResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing scene plan: %w", err)
	}
	if len(resp.Scenes) == 0 {
		return nil, fmt.Errorf("chapter architect returned no scenes")
	}
	chNum := plan.Outline.Number
	p.thoughts.Record(ctx, project.ID, "chapter_architect", "planner", &chNum, raw)
	return resp.Scenes, nil
}

// writeScenes ghostwrites the planned scenes strictly in order: each scene
// depends on the tail of the previous scene's prose, seeded for the first
// scene from the prior chapter's final stretch. A failed scene is logged
// and skipped so its siblings still produce a chapter; per-scene progress
// persists through the AtomicSceneTracker so a resumed run reuses prose
// already on disk.
func (p *Pipeline) writeScenes(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan core.ChapterPlan, scenes []novel.ScenePlan, constraints string) (string, error) {
	var tracker *core.AtomicSceneTracker
	if p.storage != nil {
		tracker = core.NewAtomicSceneTracker(p.storage, fmt.Sprintf("%s_ch%d", project.ID, plan.Outline.Number), len(scenes))
		if err := tracker.LoadProgress(ctx); err != nil {
			p.logger.Warn("scene progress: failed to load prior progress, starting fresh", "chapter", plan.Outline.Number, "error", err)
		}
	}

	ghostwriter := p.agents.CreateAgent(agent.RoleGhostwriter)
	lastContext := lastContextWindow(plan.PreviousChapterTail, 1200)
	var parts []string

	for i := range scenes {
		s := &scenes[i]

		if plan.StopCheck != nil && plan.StopCheck(ctx) {
			return "", fmt.Errorf("writing chapter %d scene %d: %w", plan.Outline.Number, s.SceneNum, core.ErrSuperseded)
		}

		var content string
		if tracker != nil {
			if sr, ok := tracker.GetScene(plan.Outline.Number, s.SceneNum); ok {
				content = sr.Content
			}
		}

		if content == "" {
			sceneConstraints := constraints
			if warn := unknownCharacterWarning(bible.Characters, s.Characters); warn != "" {
				sceneConstraints = warn + "\n\n" + constraints
			}
			input := scenePlanInput{
				SceneNum:       s.SceneNum,
				Characters:     s.Characters,
				Setting:        s.Setting,
				PlotBeat:       s.PlotBeat,
				EmotionalBeat:  s.EmotionalBeat,
				EndingHook:     s.EndingHook,
				ChapterTitle:   plan.Outline.Title,
				ChapterNumber:  plan.Outline.Number,
				PriorContext:   lastContext,
				RollingSummary: plan.RollingSummary,
				ChapterSoFar:   strings.Join(parts, "\n\n"),
				OutlineSummary: plan.Outline.Summary,
				PatternAdvice:  sceneConstraints,
			}
			generated, err := ghostwriter.Execute(ctx, fmt.Sprintf("Write scene %d of chapter %d.", s.SceneNum, plan.Outline.Number), input)
			if err != nil {
				p.logger.Warn("ghostwriter failed, skipping scene", "chapter", plan.Outline.Number, "scene", s.SceneNum, "error", err)
				if tracker != nil {
					_ = tracker.MarkFailed(ctx, plan.Outline.Number, s.SceneNum, 1, err, core.IsRetryable(err))
				}
				continue
			}
			content = generated
			if tracker != nil {
				if err := tracker.MarkCompleted(ctx, plan.Outline.Number, s.SceneNum, content); err != nil {
					p.logger.Warn("scene progress: failed to persist completed scene", "chapter", plan.Outline.Number, "scene", s.SceneNum, "error", err)
				}
			}
		}

		if strings.TrimSpace(content) == "" {
			continue
		}
		parts = append(parts, content)
		lastContext = lastContextWindow(content, 1500)
		s.ActualSummary = sceneSummary(content)
		s.WordCount = len(splitWords(content))
		p.callbacks.EmitSceneComplete(plan.Outline.Number, s.SceneNum, len(scenes), s.WordCount)
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no scene produced content for chapter %d", plan.Outline.Number)
	}
	return p.assemble(ctx, plan, parts)
}

func (p *Pipeline) assemble(ctx context.Context, plan core.ChapterPlan, sceneTexts []string) (string, error) {
	if len(sceneTexts) == 1 {
		return sceneTexts[0], nil
	}
	assembler := p.agents.CreateAgent(agent.RoleEnsamblador)
	input := map[string]any{"Scenes": sceneTexts, "ChapterTitle": plan.Outline.Title}
	return assembler.Execute(ctx, fmt.Sprintf("Assemble chapter %d from %d scenes.", plan.Outline.Number, len(sceneTexts)), input)
}

// auditVerdict is one cross-auditor's raw JSON response.
type auditVerdict struct {
	Veredicto string      `json:"veredicto"`
	Errores   []auditIssue `json:"errores"`
}

type auditIssue struct {
	Categoria   string `json:"categoria"`
	Severidad   string `json:"severidad"`
	Descripcion string `json:"descripcion"`
}

var severityRank = map[string]int{"critical": 3, "critico": 3, "crítico": 3, "major": 2, "mayor": 2, "minor": 1, "menor": 1}

// crossAudit: Inquisidor, Estilista, and Ritmo vote on the
// current chapter text in parallel, up to 3 attempts. A unanimous
// "aprobado" exits early; otherwise the best-scoring version (fewest total
// errors) survives a Smart Editor full rewrite, and a Levenshtein
// convergence check on successive versions (>99% similar) also exits early.
func (p *Pipeline) crossAudit(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string) string {
	current := content
	best := content
	bestErrorCount := -1

	for attempt := 0; attempt < 3; attempt++ {
		if plan.StopCheck != nil && plan.StopCheck(ctx) {
			return best
		}
		verdicts, err := p.runAuditors(ctx, bible, plan, current)
		if err != nil {
			p.logger.Warn("cross-audit failed, keeping current version", "chapter", plan.Outline.Number, "error", err)
			break
		}

		approved := true
		var categorized []string
		total := 0
		for name, v := range verdicts {
			if !strings.EqualFold(strings.TrimSpace(v.Veredicto), "aprobado") {
				approved = false
			}
			errs := v.Errores
			if strings.EqualFold(name, "estilista") && len(errs) > 10 {
				sort.SliceStable(errs, func(i, j int) bool {
					return severityRank[strings.ToLower(errs[i].Severidad)] > severityRank[strings.ToLower(errs[j].Severidad)]
				})
				errs = errs[:10]
			}
			total += len(errs)
			for _, e := range errs {
				categorized = append(categorized, fmt.Sprintf("[%s/%s/%s] %s", name, e.Categoria, e.Severidad, e.Descripcion))
			}
		}

		if len(categorized) > 0 {
			chNum := plan.Outline.Number
			p.thoughts.Record(ctx, bible.ProjectID, "cross_audit", "auditor", &chNum, strings.Join(categorized, "\n"))
		}

		if bestErrorCount < 0 || total < bestErrorCount {
			bestErrorCount = total
			best = current
		}

		if approved {
			return current
		}

		rewritten, err := p.smartEditorRewrite(ctx, bible, plan, current, "full_rewrite", strings.Join(categorized, "\n"))
		if err != nil || len(rewritten) < 200 {
			continue
		}

		if similarityRatio(current, rewritten) > 0.99 {
			return rewritten
		}
		current = rewritten
	}

	if bestErrorCount > 0 {
		p.logger.Info("cross-audit exhausted attempts without approval", "chapter", plan.Outline.Number, "remaining_issues", bestErrorCount)
	}
	return best
}

// runAuditors fans Inquisidor, Estilista, and Ritmo out concurrently over a
// snapshot of the chapter text and joins their verdicts. A single failed
// auditor degrades to a partial verdict set rather than aborting the audit;
// the merge is deterministic by auditor name.
func (p *Pipeline) runAuditors(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string) (map[string]auditVerdict, error) {
	tasks := []auditTask{
		{name: "inquisidor", role: agent.RoleInquisidor},
		{name: "estilista", role: agent.RoleEstilista},
		{name: "ritmo", role: agent.RoleRitmo},
	}

	pool := phase.NewWorkerPool[auditTask, auditOutcome](
		phase.WithWorkers(p.workers),
		phase.WithBufferSize(len(tasks)),
		phase.WithTimeout(5*time.Minute),
	)
	results, err := pool.ProcessWithErrGroup(ctx, tasks, func(ctx context.Context, t auditTask) (auditOutcome, error) {
		ag := p.agents.CreateAgent(t.role)
		input := map[string]any{
			"Content":    content,
			"Characters": bible.Characters,
			"WorldRules": bible.WorldRules,
			"StyleGuide": bible.StyleGuide,
		}
		raw, err := ag.ExecuteJSON(ctx, fmt.Sprintf("Audit chapter %d.", plan.Outline.Number), input)
		if err != nil {
			return auditOutcome{name: t.name, err: err}, nil
		}
		var v auditVerdict
		if err := utils.ParseJSONResponse(raw, &v); err != nil {
			return auditOutcome{name: t.name, err: err}, nil
		}
		return auditOutcome{name: t.name, verdict: v}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics := pool.GetMetrics()
	p.logger.Debug("audit worker pool completed", "chapter", plan.Outline.Number, "workers", metrics.Workers, "results", metrics.LastResultCount)

	out := make(map[string]auditVerdict, len(tasks))
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.name] = r.verdict
	}
	if len(out) == 0 {
		return nil, firstErr
	}
	return out, nil
}

func (p *Pipeline) smartEditorRewrite(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content, mode, instructions string) (string, error) {
	editor := p.agents.CreateAgent(agent.RoleSmartEditor)
	input := map[string]any{
		"Content":      content,
		"Mode":         mode,
		"Instructions": instructions,
		"StyleGuide":   bible.StyleGuide,
	}
	result, err := p.resilience.ExecuteWithFallbacks(ctx, "smart_editor_rewrite", func() (interface{}, error) {
		rewritten, err := editor.Execute(ctx, fmt.Sprintf("Apply %s to chapter %d.", mode, plan.Outline.Number), input)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(rewritten) == "" {
			return "", fmt.Errorf("smart editor returned empty rewrite")
		}
		return rewritten, nil
	}, content)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func similarityRatio(before, after string) float64 {
	if before == after {
		return 1
	}
	dist := levenshtein.Distance(before, after, nil)
	maxLen := len(before)
	if len(after) > maxLen {
		maxLen = len(after)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// consistencyResponse is the Inquisidor's raw JSON shape for the dedicated
// consistency-validation pass, mirroring core.ConsistencyResult's field
// names in the wire format agents return.
type consistencyResponse struct {
	IsValid                bool                   `json:"is_valid"`
	CriticalError          string                 `json:"critical_error"`
	CorrectionInstructions string                 `json:"correction_instructions"`
	Warnings               []string               `json:"warnings"`
	NewFacts               []factResponse         `json:"new_facts"`
	NewRules               []ruleResponse         `json:"new_rules"`
	NewRelationships       []relationshipResponse `json:"new_relationships"`
}

type factResponse struct {
	EntityName string            `json:"entity_name"`
	EntityType string            `json:"entity_type"`
	Attributes map[string]string `json:"attributes"`
	Status     string            `json:"status"`
}

type ruleResponse struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

type relationshipResponse struct {
	Subject string            `json:"subject"`
	Target  string            `json:"target"`
	Type    string            `json:"type"`
	Meta    map[string]string `json:"meta"`
}

func (p *Pipeline) runConsistencyCheck(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string) (core.ConsistencyResult, []novel.WorldEntity, []novel.EntityRelationship, []novel.ConsistencyViolation, error) {
	inquisidor := p.agents.CreateAgent(agent.RoleInquisidor)
	input := map[string]any{
		"Characters": bible.Characters,
		"WorldRules": bible.WorldRules,
		"Chapter":    plan.Outline.Number,
		"Content":    content,
	}
	raw, err := inquisidor.ExecuteJSON(ctx, fmt.Sprintf("Validate chapter %d against the World Bible.", plan.Outline.Number), input)
	if err != nil {
		return core.ConsistencyResult{}, nil, nil, nil, err
	}
	var resp consistencyResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return core.ConsistencyResult{}, nil, nil, nil, fmt.Errorf("parsing consistency check: %w", err)
	}

	facts := make([]core.NewFact, len(resp.NewFacts))
	for i, f := range resp.NewFacts {
		facts[i] = core.NewFact{
			EntityName: f.EntityName,
			EntityType: novel.EntityType(f.EntityType),
			Attributes: f.Attributes,
			Status:     f.Status,
		}
	}
	rules := make([]novel.WorldRule, len(resp.NewRules))
	for i, r := range resp.NewRules {
		rules[i] = novel.WorldRule{Description: r.Description, Category: r.Category, SourceChapter: plan.Outline.Number}
	}
	relationships := make([]novel.EntityRelationship, len(resp.NewRelationships))
	for i, r := range resp.NewRelationships {
		relationships[i] = novel.EntityRelationship{
			ProjectID:     bible.ProjectID,
			Subject:       r.Subject,
			Target:        r.Target,
			Type:          r.Type,
			Meta:          r.Meta,
			SourceChapter: plan.Outline.Number,
		}
	}
	result := core.ConsistencyResult{
		IsValid:                resp.IsValid,
		CriticalError:          resp.CriticalError,
		CorrectionInstructions: resp.CorrectionInstructions,
		Warnings:               resp.Warnings,
		NewFacts:               facts,
		NewRules:               rules,
		NewRelationships:       relationships,
	}

	known := func(name string) *novel.WorldEntity { return core.EntityFromBible(bible, name) }
	knownName := func(name string) bool { return core.KnownEntityName(bible, name) }

	entities, _, acceptedRelationships, violations, _ := core.ApplyValidation(content, result, plan.Outline.Number, known, knownName)
	return result, entities, acceptedRelationships, violations, nil
}

func hasCriticalViolation(violations []novel.ConsistencyViolation) bool {
	for _, v := range violations {
		if v.Severity == novel.SeverityCritical {
			return true
		}
	}
	return false
}

// enforceConsistency runs the consistency check, and
// if a critical violation is found, run up to 2 forced Smart Editor
// rewrites, re-validating after each. Any violation found is returned
// regardless of whether the rewrite loop resolved it.
func (p *Pipeline) enforceConsistency(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string) (string, []novel.ConsistencyViolation, []novel.WorldEntity, []novel.EntityRelationship) {
	result, entities, relationships, violations, err := p.runConsistencyCheck(ctx, bible, plan, content)
	if err != nil {
		p.logger.Warn("consistency check failed, continuing unvalidated", "chapter", plan.Outline.Number, "error", err)
		return content, nil, nil, nil
	}

	for attempt := 0; attempt < 2 && hasCriticalViolation(violations); attempt++ {
		rewritten, err := p.smartEditorRewrite(ctx, bible, plan, content, "forced_consistency_fix", result.OverallError())
		if err != nil || strings.TrimSpace(rewritten) == "" {
			break
		}
		content = rewritten
		result, entities, relationships, violations, err = p.runConsistencyCheck(ctx, bible, plan, content)
		if err != nil {
			p.logger.Warn("re-validation after forced rewrite failed", "chapter", plan.Outline.Number, "error", err)
			break
		}
	}

	if hasCriticalViolation(violations) {
		p.logger.Warn("critical consistency violation persisted after forced rewrites", "chapter", plan.Outline.Number)
	}

	return content, violations, entities, relationships
}

// repairMinimumLength: if word count is below the
// chapter's minimum threshold, invoke up to 2 extend-mode Smart Editor
// rewrites; accept only if the word count actually improved.
func (p *Pipeline) repairMinimumLength(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan core.ChapterPlan, content string) (string, int) {
	minWords := novel.PipelineMinWordCount(plan.Outline.Number, project.MinWordsPerChapter)
	wordCount := len(splitWords(content))

	for attempt := 0; attempt < 2 && wordCount < minWords; attempt++ {
		instructions := fmt.Sprintf("The chapter is %d words; extend it naturally to at least %d words without summarizing or repeating scenes.", wordCount, minWords)
		extended, err := p.smartEditorRewrite(ctx, bible, plan, content, "extend", instructions)
		if err != nil {
			p.logger.Warn("minimum-length repair failed", "chapter", plan.Outline.Number, "error", err)
			break
		}
		newCount := len(splitWords(extended))
		if newCount <= wordCount {
			p.logger.Warn("minimum-length repair did not improve word count", "chapter", plan.Outline.Number, "attempt", attempt)
			break
		}
		content = extended
		wordCount = newCount
	}

	if wordCount < minWords {
		p.logger.Warn("chapter below minimum word count after repair", "chapter", plan.Outline.Number, "word_count", wordCount, "minimum", minWords)
	}

	return content, wordCount
}

// repairTruncation detects end-truncation or garbled
// text and, if found, ask the Smart Editor for an explicit repair, accepting
// the result only if it retains at least 90% of the current length.
func (p *Pipeline) repairTruncation(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string, wordCount int) (string, int) {
	if !core.IsTruncatedEnding(content) && !core.IsGarbledText(content) {
		return content, wordCount
	}

	repaired, err := p.smartEditorRewrite(ctx, bible, plan, content, "truncation_repair", "The chapter's ending is truncated or garbled. Continue naturally from where it breaks off and bring the scene to a complete close.")
	if err != nil {
		p.logger.Warn("truncation repair failed", "chapter", plan.Outline.Number, "error", err)
		return content, wordCount
	}
	if len(repaired) < int(0.9*float64(len(content))) {
		p.logger.Warn("truncation repair rejected: result too short", "chapter", plan.Outline.Number)
		return content, wordCount
	}
	return repaired, len(splitWords(repaired))
}

func (p *Pipeline) summarize(ctx context.Context, content string) (string, error) {
	summarizer := p.agents.CreateAgent(agent.RoleSummarizer)
	result, err := p.resilience.ExecuteWithFallbacks(ctx, "summarize", func() (interface{}, error) {
		return summarizer.Execute(ctx, "Summarize this chapter.", content)
	}, "this chapter")
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// narrativeMomentResponse is the Narrative Director's raw JSON shape for a
// chapter's narrative-time fingerprint.
type narrativeMomentResponse struct {
	Day       string `json:"day"`
	TimeOfDay string `json:"time_of_day"`
	Location  string `json:"location"`
}

func (p *Pipeline) extractNarrativeMoment(ctx context.Context, plan core.ChapterPlan, content string) (novel.NarrativeMoment, error) {
	director := p.agents.CreateAgent(agent.RoleNarrativeDirector)
	raw, err := director.ExecuteJSON(ctx, fmt.Sprintf("Extract the narrative-time fingerprint (day, time of day, location) for chapter %d.", plan.Outline.Number), content)
	if err != nil {
		return novel.NarrativeMoment{}, err
	}
	var resp narrativeMomentResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return novel.NarrativeMoment{}, fmt.Errorf("parsing narrative moment: %w", err)
	}
	return novel.NarrativeMoment{Day: resp.Day, TimeOfDay: resp.TimeOfDay, Location: resp.Location}, nil
}

// injuryResponse is the Injury Extractor's raw JSON shape for one newly
// inflicted injury.
type injuryResponse struct {
	Character      string `json:"character"`
	InjuryType     string `json:"injury_type"`
	BodyPart       string `json:"body_part"`
	Severity       string `json:"severity"`
	ExpectedEffect string `json:"expected_effect"`
	IsTemporary    bool   `json:"is_temporary"`
}

type injuryExtractionResponse struct {
	Injuries []injuryResponse `json:"injuries"`
}

func (p *Pipeline) extractInjuries(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content string) ([]novel.PersistentInjury, error) {
	extractor := p.agents.CreateAgent(agent.RoleInjuryExtractor)
	input := map[string]any{"Characters": bible.Characters, "Content": content}
	raw, err := extractor.ExecuteJSON(ctx, fmt.Sprintf("Extract newly inflicted physical injuries from chapter %d.", plan.Outline.Number), input)
	if err != nil {
		return nil, err
	}
	var resp injuryExtractionResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing injury extraction: %w", err)
	}

	var out []novel.PersistentInjury
	for _, inj := range resp.Injuries {
		if !characterKnown(bible.Characters, inj.Character) {
			p.logger.Warn("injury extractor referenced unknown character, skipping", "chapter", plan.Outline.Number, "character", inj.Character)
			continue
		}
		out = append(out, novel.PersistentInjury{
			Character:       inj.Character,
			InjuryType:      inj.InjuryType,
			BodyPart:        inj.BodyPart,
			ChapterOccurred: plan.Outline.Number,
			Severity:        inj.Severity,
			ExpectedEffect:  inj.ExpectedEffect,
			CurrentStatus:   "active",
			IsTemporary:     inj.IsTemporary,
		})
	}
	return out, nil
}

func characterKnown(characters []novel.Character, name string) bool {
	nameParts := tokenize(name)
	if len(nameParts) == 0 {
		return false
	}
	for _, c := range characters {
		for _, cp := range tokenize(c.Name) {
			for _, np := range nameParts {
				if cp == np {
					return true
				}
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	var out []string
	for _, part := range strings.Fields(s) {
		if len([]rune(part)) >= 3 {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// resolutionKeywords and advancementKeywords drive the negation-aware
// keyword scan that auto-updates plot thread status from a chapter summary
//.
var resolutionKeywords = []string{
	"resuelto", "resuelta", "finalmente", "por fin", "concluyó", "concluyo",
	"terminó", "termino", "se cerró", "se cerro", "quedó cerrado", "quedo cerrado",
}
var negationWords = []string{"no ", "nunca ", "sin ", "jamás ", "jamas ", "tampoco "}
var advancementKeywords = []string{
	"avanzó", "avanzo", "progresó", "progreso", "continuó", "continuo", "desarrolló", "desarrollo",
}

// threadResolutionScore counts unnegated resolution-keyword hits: a
// resolution keyword preceded within a short window by a negation word does
// not count. A score of 3 or more marks the thread resolved.
func threadResolutionScore(summaryLower string) int {
	score := 0
	for _, kw := range resolutionKeywords {
		idx := 0
		for {
			pos := strings.Index(summaryLower[idx:], kw)
			if pos < 0 {
				break
			}
			abs := idx + pos
			windowStart := abs - 20
			if windowStart < 0 {
				windowStart = 0
			}
			window := summaryLower[windowStart:abs]
			negated := false
			for _, n := range negationWords {
				if strings.Contains(window, n) {
					negated = true
					break
				}
			}
			if !negated {
				score++
			}
			idx = abs + len(kw)
			if idx >= len(summaryLower) {
				break
			}
		}
	}
	return score
}

func threadMentioned(summaryLower string, thread novel.PlotThread) bool {
	for _, part := range tokenize(thread.Name) {
		if strings.Contains(summaryLower, part) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// updatePlotThreads: a thread mentioned in the chapter summary is marked
// resolved once its negation-aware resolution score reaches 3, or
// developing if only advancement language is present.
func updatePlotThreads(threads []novel.PlotThread, summary string, chapterNumber int) []novel.PlotThread {
	out := append([]novel.PlotThread(nil), threads...)
	lower := strings.ToLower(summary)
	for i := range out {
		if out[i].Status == "resolved" || !threadMentioned(lower, out[i]) {
			continue
		}
		out[i].LastUpdatedChapter = chapterNumber
		if threadResolutionScore(lower) >= 3 {
			out[i].Status = "resolved"
			out[i].ResolutionChapter = chapterNumber
		} else if containsAny(lower, advancementKeywords) {
			out[i].Status = "developing"
		}
	}
	return out
}

// applyDerivedUpdates applies the per-chapter derived updates: narrative-time fingerprint,
// injury extraction, and plot-thread status, folded into a fresh World
// Bible copy via SyncEntitiesIntoWorldBible (the entity projection, reused
// here to fold in whatever entities this chapter's consistency pass
// discovered).
func (p *Pipeline) applyDerivedUpdates(ctx context.Context, bible novel.WorldBible, plan core.ChapterPlan, content, summary string, entities []novel.WorldEntity, relationships []novel.EntityRelationship) novel.WorldBible {
	updated := bible
	if updated.Timeline == nil {
		updated.Timeline = make(map[int]novel.NarrativeMoment)
	} else {
		timeline := make(map[int]novel.NarrativeMoment, len(updated.Timeline))
		for k, v := range updated.Timeline {
			timeline[k] = v
		}
		updated.Timeline = timeline
	}
	if moment, err := p.extractNarrativeMoment(ctx, plan, content); err == nil {
		updated.Timeline[plan.Outline.Number] = moment
	} else {
		p.logger.Warn("narrative-time fingerprint extraction failed", "chapter", plan.Outline.Number, "error", err)
	}

	freshInjuries, err := p.extractInjuries(ctx, updated, plan, content)
	if err != nil {
		p.logger.Warn("injury extraction failed", "chapter", plan.Outline.Number, "error", err)
		freshInjuries = nil
	}

	updated = core.SyncEntitiesIntoWorldBible(updated, entities, novel.MergeInjuries(updated.PersistentInjuries, freshInjuries), updated.PlotDecisions)
	updated = core.SyncRelationshipsIntoWorldBible(updated, relationships)

	summaryForThreads := summary
	if summaryForThreads == "" {
		summaryForThreads = content
	}
	updated.PlotOutline.PlotThreads = updatePlotThreads(updated.PlotOutline.PlotThreads, summaryForThreads, plan.Outline.Number)
	updated.UpdatedAt = time.Now()

	return updated
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func firstN(scenes []novel.ScenePlan, get func(novel.ScenePlan) string, n int) []string {
	var out []string
	for i := 0; i < len(scenes) && i < n; i++ {
		out = append(out, get(scenes[i]))
	}
	return out
}

func lastN(scenes []novel.ScenePlan, get func(novel.ScenePlan) string, n int) []string {
	var out []string
	for i := len(scenes) - n; i < len(scenes); i++ {
		if i < 0 {
			continue
		}
		out = append(out, get(scenes[i]))
	}
	return out
}

func uniqueSettings(scenes []novel.ScenePlan) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range scenes {
		if s.Setting == "" || seen[s.Setting] {
			continue
		}
		seen[s.Setting] = true
		out = append(out, s.Setting)
	}
	return out
}

var _ core.ChapterPipeline = (*Pipeline)(nil)
