package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// ChapterPlan is one chapter's generation target, sourced from the project's
// PlotOutline, plus the rolling cross-chapter context the pipeline's scene
// writing depends on.
type ChapterPlan struct {
	Outline novel.ChapterOutlineEntry
	IsExtra bool // true for backfill/missing-chapter runs

	// PreviousChapterTail is the prior chapter's final ~1200 characters,
	// seeding the first scene's carried context.
	PreviousChapterTail string
	// RollingSummary is rebuilt from the last 3 chapter summaries
	// ("Cap N: ...\nCap N+1: ...").
	RollingSummary string
	// RecentSummaries holds the last 3 chapters' summaries in order.
	RecentSummaries []string

	// StopCheck polls should_stop_processing at the pipeline's per-scene and
	// per-correction-attempt breakpoints. Nil disables mid-chapter
	// cancellation.
	StopCheck func(ctx context.Context) bool
}

// ChapterPipeline generates or regenerates a single chapter against the
// current World Bible. Concrete implementations live in internal/pipeline.
// GenerateChapter returns the completed chapter, the World Bible as updated
// by the chapter's entity sync and derived-update steps, and any
// consistency violations recorded during the chapter's validation pass.
type ChapterPipeline interface {
	GenerateChapter(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan ChapterPlan) (novel.Chapter, novel.WorldBible, []novel.ConsistencyViolation, error)
}

// ManuscriptReviewer runs the QA audit and the Final Reviewer pass over the
// full manuscript.
type ManuscriptReviewer interface {
	RunQAAudit(ctx context.Context, project *novel.Project, chapters []novel.Chapter) ([]novel.ReviewIssue, error)
	RunFinalReview(ctx context.Context, project *novel.Project, chapters []novel.Chapter) (novel.ReviewOutcome, error)
}

// CorrectionApplier rewrites or surgically patches a chapter to resolve a
// batch of issues assigned to it.
type CorrectionApplier interface {
	Correct(ctx context.Context, project *novel.Project, chapter novel.Chapter, issues []novel.ReviewIssue, fullRewrite bool) (string, error)
}

// StructuralPlanner creates the chapter-by-chapter plot outline when a
// project arrives without one (the Global Architect's architecture phase).
type StructuralPlanner interface {
	BuildOutline(ctx context.Context, project *novel.Project, bible novel.WorldBible) (novel.PlotOutline, error)
}

// ProjectStore is the subset of Storage the orchestrator drives directly;
// the full contract (including World Bible and consistency-DB records) is
// defined in internal/storage.
type ProjectStore interface {
	LoadProject(ctx context.Context, projectID string) (*novel.Project, error)
	SaveProject(ctx context.Context, project *novel.Project) error
	LoadChapters(ctx context.Context, projectID string) ([]novel.Chapter, error)
	SaveChapter(ctx context.Context, chapter novel.Chapter) error
	LoadWorldBible(ctx context.Context, projectID string) (novel.WorldBible, error)
	SaveWorldBible(ctx context.Context, bible novel.WorldBible) error

	// SaveViolations appends to the project's violation log; LoadViolations
	// and LoadViolationsByChapter are the two filter queries the
	// consistency-DB surface requires.
	SaveViolations(ctx context.Context, projectID string, violations []novel.ConsistencyViolation) error
	LoadViolations(ctx context.Context, projectID string) ([]novel.ConsistencyViolation, error)
	LoadViolationsByChapter(ctx context.Context, projectID string, chapter int) ([]novel.ConsistencyViolation, error)
}

// OrchestratorConfig consolidates the orchestrator's tunables.
type OrchestratorConfig struct {
	CheckpointingEnabled bool
	DetectFix            DetectFixConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CheckpointingEnabled: true,
		DetectFix:            DefaultDetectFixConfig(),
	}
}

// Orchestrator drives the six public operations of the novel-generation
// workflow state machine. It coordinates a ChapterPipeline,
// a ManuscriptReviewer, a CorrectionApplier, and a ProjectStore, none of
// which it implements itself.
type Orchestrator struct {
	store      ProjectStore
	pipeline   ChapterPipeline
	reviewer   ManuscriptReviewer
	corrector  CorrectionApplier
	planner    StructuralPlanner
	checkpoint *CheckpointManager
	patterns   *PatternTracker
	callbacks  Callbacks
	logger     *slog.Logger
	config     OrchestratorConfig
	sessionID  string
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithConfig(config OrchestratorConfig) Option {
	return func(o *Orchestrator) { o.config = config }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithCallbacks(callbacks Callbacks) Option {
	return func(o *Orchestrator) { o.callbacks = callbacks }
}

// WithPlanner enables the architecture phase: a project whose World Bible
// has no plot outline gets one built (and coherence-validated) before the
// first chapter is generated.
func WithPlanner(planner StructuralPlanner) Option {
	return func(o *Orchestrator) { o.planner = planner }
}

// New builds an Orchestrator. checkpointStorage backs the CheckpointManager;
// pass nil to disable checkpointing outright.
func New(store ProjectStore, pipeline ChapterPipeline, reviewer ManuscriptReviewer, corrector CorrectionApplier, checkpointStorage Storage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		pipeline:  pipeline,
		reviewer:  reviewer,
		corrector: corrector,
		patterns:  NewPatternTracker(),
		logger:    slog.Default(),
		config:    DefaultConfig(),
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.CheckpointingEnabled && checkpointStorage != nil {
		o.checkpoint = NewCheckpointManager(checkpointStorage)
	}
	return o
}

func (o *Orchestrator) SessionID() string { return o.sessionID }

// GenerateNovel runs the full first-draft generation, chapter by chapter in
// outline order, then hands off to the detect-and-fix cycle. Chapters that
// already exist completed, long enough, and un-garbled are skipped, so a
// resumed run picks up exactly where the previous one stopped.
func (o *Orchestrator) GenerateNovel(ctx context.Context, projectID string) error {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load world bible: %w", err)
	}

	project.Status = novel.StatusGenerating
	gate, err := o.acquireToken(ctx, project)
	if err != nil {
		return err
	}

	bible, err = o.ensureStructuralPlan(ctx, project, bible)
	if err != nil {
		return err
	}

	totalRegular := 0
	for _, entry := range bible.PlotOutline.ChapterOutlines {
		if !novel.IsSpecialChapter(novel.NormalizeChapterNumber(entry.Number)) {
			totalRegular++
		}
	}

	for _, entry := range bible.PlotOutline.ChapterOutlines {
		if stop, err := o.shouldStop(ctx, projectID, gate); err != nil || stop {
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("stop check failed: %v", err), false)
				return err
			}
			_ = o.pause(ctx, project, "generation superseded by a newer process", true)
			return ErrSuperseded
		}

		// Fresh read before every insert: never trust the in-memory list.
		chapters, err := o.store.LoadChapters(ctx, projectID)
		if err != nil {
			return err
		}
		if chapterDoneAndHealthy(chapters, entry.Number) {
			continue
		}

		plan := o.buildChapterPlan(projectID, gate, chapters, entry, false)
		chapter, updatedBible, violations, err := o.pipeline.GenerateChapter(ctx, project, bible, plan)
		if err != nil {
			_ = o.pause(ctx, project, fmt.Sprintf("chapter %d generation failed: %v", entry.Number, err), true)
			return fmt.Errorf("generate chapter %d: %w", entry.Number, err)
		}
		if err := o.store.SaveChapter(ctx, chapter); err != nil {
			return err
		}
		bible = updatedBible
		if err := o.store.SaveWorldBible(ctx, bible); err != nil {
			return err
		}
		o.recordViolations(ctx, project, violations)
		if err := o.store.SaveProject(ctx, project); err != nil {
			return err
		}
		o.callbacks.EmitChapterComplete(chapter.ChapterNumber, chapter.WordCount, chapter.Title)
		o.checkpointResume(ctx, project)
		bible = o.runStructuralCheckpointIfDue(ctx, project, bible, chapter.ChapterNumber, totalRegular)
	}

	if err := o.RunDetectAndFixCycle(ctx, projectID); err != nil {
		return err
	}
	o.runFinalNovelReviewPass(ctx, projectID)
	o.callbacks.EmitProjectComplete()
	return nil
}

// acquireToken writes a fresh generation token to the project, making this
// instance the single active one: any older process holding the previous
// token observes the mismatch at its next breakpoint and pauses.
func (o *Orchestrator) acquireToken(ctx context.Context, project *novel.Project) (*TokenGate, error) {
	project.GenerationToken = uuid.New().String()
	if err := o.store.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("acquire generation token: %w", err)
	}
	return NewTokenGate(project.GenerationToken), nil
}

// ensureStructuralPlan runs the architecture phase when the World Bible
// carries no plot outline yet. Plan-coherence regeneration and protagonist
// injection happen inside the planner; a plan that still fails pauses the
// project with a structural-review error log.
func (o *Orchestrator) ensureStructuralPlan(ctx context.Context, project *novel.Project, bible novel.WorldBible) (novel.WorldBible, error) {
	if len(bible.PlotOutline.ChapterOutlines) > 0 || o.planner == nil {
		return bible, nil
	}
	o.callbacks.EmitAgentStatus("global_architect", "working", "building structural plan")
	plan, err := o.planner.BuildOutline(ctx, project, bible)
	if err != nil {
		_ = o.pause(ctx, project, fmt.Sprintf("structural review failed: %v", err), true)
		return bible, fmt.Errorf("build structural plan: %w", err)
	}
	bible.PlotOutline = plan
	if err := o.store.SaveWorldBible(ctx, bible); err != nil {
		return bible, err
	}
	o.callbacks.EmitAgentStatus("global_architect", "done", fmt.Sprintf("%d chapters planned", len(plan.ChapterOutlines)))
	return bible, nil
}

// chapterDoneAndHealthy implements the skip-if-completed check: a chapter
// with matching number already completed or approved, meeting its minimum
// word threshold, and passing the garbled-text detector does not need
// regeneration.
func chapterDoneAndHealthy(chapters []novel.Chapter, number int) bool {
	existing := novel.FindChapterByNumber(chapters, number)
	if existing == nil {
		return false
	}
	if existing.Status != novel.ChapterCompleted && existing.Status != novel.ChapterApproved {
		return false
	}
	if existing.WordCount < novel.MinApprovedWordThreshold(novel.NormalizeChapterNumber(number)) {
		return false
	}
	return !IsGarbledText(existing.Content)
}

// buildChapterPlan assembles the cross-chapter context one chapter's
// pipeline run depends on: the prior chapter's tail, the rolling summary of
// the last 3 chapters, and the mid-chapter stop check.
func (o *Orchestrator) buildChapterPlan(projectID string, gate *TokenGate, chapters []novel.Chapter, entry novel.ChapterOutlineEntry, extra bool) ChapterPlan {
	sorted := append([]novel.Chapter(nil), chapters...)
	sort.Slice(sorted, func(i, j int) bool {
		return novel.NormalizeChapterNumber(sorted[i].ChapterNumber) < novel.NormalizeChapterNumber(sorted[j].ChapterNumber)
	})

	target := novel.NormalizeChapterNumber(entry.Number)
	var prior []novel.Chapter
	for _, ch := range sorted {
		if novel.NormalizeChapterNumber(ch.ChapterNumber) < target {
			prior = append(prior, ch)
		}
	}

	plan := ChapterPlan{Outline: entry, IsExtra: extra}
	if len(prior) > 0 {
		tail := prior[len(prior)-1].Content
		if len(tail) > 1200 {
			tail = tail[len(tail)-1200:]
		}
		plan.PreviousChapterTail = tail

		start := len(prior) - 3
		if start < 0 {
			start = 0
		}
		var rolling []string
		for _, ch := range prior[start:] {
			if ch.Summary == "" {
				continue
			}
			plan.RecentSummaries = append(plan.RecentSummaries, ch.Summary)
			rolling = append(rolling, fmt.Sprintf("Cap %d: %s", novel.NormalizeChapterNumber(ch.ChapterNumber), ch.Summary))
		}
		plan.RollingSummary = strings.Join(rolling, "\n")
	}

	plan.StopCheck = func(ctx context.Context) bool {
		stop, err := o.shouldStop(ctx, projectID, gate)
		return err == nil && stop
	}
	return plan
}

// pause transitions project to StatusPaused and appends a recoverable
// activity-log entry describing why, so an operator resuming a paused
// project can see whether the cause was a transient failure or a deliberate
// supersession by a newer process.
func (o *Orchestrator) pause(ctx context.Context, project *novel.Project, reason string, recoverable bool) error {
	project.Status = novel.StatusPaused
	project.ActivityLog = append(project.ActivityLog, novel.ActivityLogEntry{
		Timestamp:   time.Now(),
		Status:      novel.StatusPaused,
		Message:     reason,
		Recoverable: recoverable,
	})
	o.callbacks.EmitError(reason)
	return o.store.SaveProject(ctx, project)
}

// runStructuralCheckpointIfDue runs every 5 regular chapters
// (chapter_number > 0 and < 998): compare the last 5 written chapters
// against their outline entries and fully rewrite up to
// MaxDeviatedChaptersPerCheckpoint of the deviated ones in place, returning
// whatever World Bible state the rewrites leave behind (or bible unchanged
// if the checkpoint isn't due or found nothing to fix).
func (o *Orchestrator) runStructuralCheckpointIfDue(ctx context.Context, project *novel.Project, bible novel.WorldBible, chapterNumber, totalRegular int) novel.WorldBible {
	if chapterNumber <= 0 || chapterNumber >= 998 || chapterNumber%5 != 0 {
		return bible
	}
	chapters, err := o.store.LoadChapters(ctx, project.ID)
	if err != nil {
		o.logger.Warn("structural checkpoint: failed to load chapters", "error", err)
		return bible
	}
	rangeStart := chapterNumber - 4
	if rangeStart < 1 {
		rangeStart = 1
	}
	deviations := CheckStructuralDeviations(chapters, bible.PlotOutline.ChapterOutlines, totalRegular, rangeStart, chapterNumber)
	if len(deviations) == 0 {
		return bible
	}
	toRewrite := SelectChaptersToRewrite(deviations, nil)
	o.logger.Warn("structural checkpoint found deviations",
		"chapter_range_start", rangeStart,
		"chapter_range_end", chapterNumber,
		"deviation_count", len(deviations),
		"chapters_flagged_for_rewrite", toRewrite)

	outlineByNumber := make(map[int]novel.ChapterOutlineEntry, len(bible.PlotOutline.ChapterOutlines))
	for _, e := range bible.PlotOutline.ChapterOutlines {
		outlineByNumber[novel.NormalizeChapterNumber(e.Number)] = e
	}
	for _, chNum := range toRewrite {
		entry, ok := outlineByNumber[chNum]
		if !ok {
			continue
		}
		fresh, updatedBible, violations, err := o.pipeline.GenerateChapter(ctx, project, bible, ChapterPlan{Outline: entry})
		if err != nil {
			o.logger.Warn("structural checkpoint: rewrite failed", "chapter", chNum, "error", err)
			continue
		}
		if err := o.store.SaveChapter(ctx, fresh); err != nil {
			o.logger.Warn("structural checkpoint: saving rewritten chapter failed", "chapter", chNum, "error", err)
			continue
		}
		bible = updatedBible
		o.recordViolations(ctx, project, violations)
	}
	if err := o.store.SaveWorldBible(ctx, bible); err != nil {
		o.logger.Warn("structural checkpoint: saving world bible failed", "error", err)
	}
	return bible
}

// runFinalNovelReviewPass invokes the end-of-novel structural gates
// (required three-act roles, protagonist coverage, orphan/unresolved plot
// threads) once the detect-and-fix cycle has converged or exhausted its
// cycles, surfacing any gaps found as a warning for operator follow-up
// without overturning the convergence the detect-and-fix cycle already
// recorded.
func (o *Orchestrator) runFinalNovelReviewPass(ctx context.Context, projectID string) {
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		o.logger.Warn("final novel review: failed to load world bible", "error", err)
		return
	}
	chapters, err := o.store.LoadChapters(ctx, projectID)
	if err != nil {
		o.logger.Warn("final novel review: failed to load chapters", "error", err)
		return
	}

	const epilogueChapter = 999
	result := RunFinalNovelReview(bible.PlotOutline.ChapterOutlines, ProtagonistName(bible), bible.PlotOutline.PlotThreads, threadChapterCounts(bible.PlotOutline.PlotThreads, chapters), epilogueChapter)

	if len(result.MissingRoles) == 0 && len(result.DuplicateRoles) == 0 && result.ProtagonistCoverageOK && len(result.UnresolvedThreads) == 0 && len(result.OrphanThreads) == 0 {
		return
	}

	o.logger.Warn("final novel review found structural gaps",
		"missing_roles", result.MissingRoles,
		"duplicate_roles", result.DuplicateRoles,
		"protagonist_coverage_ok", result.ProtagonistCoverageOK,
		"unresolved_threads", result.UnresolvedThreads,
		"orphan_threads", result.OrphanThreads)
}

// ProtagonistName returns the World Bible character whose Role marks them as
// the protagonist, or the first character as a fallback.
func ProtagonistName(bible novel.WorldBible) string {
	for _, c := range bible.Characters {
		if strings.EqualFold(c.Role, "protagonist") || strings.EqualFold(c.Role, "protagonista") {
			return c.Name
		}
	}
	if len(bible.Characters) > 0 {
		return bible.Characters[0].Name
	}
	return ""
}

// threadChapterCounts counts, per plot thread, how many regular chapters
// mention the thread's name — the orphan-thread signal RunFinalNovelReview
// needs (a thread referenced in fewer than 3 chapters is an orphan).
func threadChapterCounts(threads []novel.PlotThread, chapters []novel.Chapter) map[string]int {
	counts := make(map[string]int, len(threads))
	for _, t := range threads {
		count := 0
		for _, ch := range chapters {
			if novel.IsSpecialChapter(novel.NormalizeChapterNumber(ch.ChapterNumber)) {
				continue
			}
			if strings.Contains(strings.ToLower(ch.Content), strings.ToLower(t.Name)) {
				count++
			}
		}
		counts[t.Name] = count
	}
	return counts
}

// ExtendNovel appends new chapters beyond the manuscript's current end,
// extending the plot outline before running the same per-chapter pipeline
// the initial generation used.
func (o *Orchestrator) ExtendNovel(ctx context.Context, projectID string, additionalOutline []novel.ChapterOutlineEntry) error {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		return err
	}

	bible.PlotOutline.ChapterOutlines = append(bible.PlotOutline.ChapterOutlines, additionalOutline...)
	if err := o.store.SaveWorldBible(ctx, bible); err != nil {
		return err
	}

	project.Status = novel.StatusGenerating
	gate, err := o.acquireToken(ctx, project)
	if err != nil {
		return err
	}
	for _, entry := range additionalOutline {
		if stop, err := o.shouldStop(ctx, projectID, gate); err != nil || stop {
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("stop check failed: %v", err), false)
				return err
			}
			_ = o.pause(ctx, project, "generation superseded by a newer process", true)
			return ErrSuperseded
		}
		chapters, err := o.store.LoadChapters(ctx, projectID)
		if err != nil {
			return err
		}
		if chapterDoneAndHealthy(chapters, entry.Number) {
			continue
		}
		plan := o.buildChapterPlan(projectID, gate, chapters, entry, false)
		chapter, updatedBible, violations, err := o.pipeline.GenerateChapter(ctx, project, bible, plan)
		if err != nil {
			_ = o.pause(ctx, project, fmt.Sprintf("chapter %d generation failed: %v", entry.Number, err), true)
			return fmt.Errorf("extend: generate chapter %d: %w", entry.Number, err)
		}
		if err := o.store.SaveChapter(ctx, chapter); err != nil {
			return err
		}
		bible = updatedBible
		if err := o.store.SaveWorldBible(ctx, bible); err != nil {
			return err
		}
		o.recordViolations(ctx, project, violations)
		if err := o.store.SaveProject(ctx, project); err != nil {
			return err
		}
		o.callbacks.EmitChapterComplete(chapter.ChapterNumber, chapter.WordCount, chapter.Title)
	}

	return o.RunDetectAndFixCycle(ctx, projectID)
}

// RegenerateTruncated finds every chapter flagged by garbled-text or
// truncated-ending detection and regenerates it in place.
func (o *Orchestrator) RegenerateTruncated(ctx context.Context, projectID string) error {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		return err
	}
	chapters, err := o.store.LoadChapters(ctx, projectID)
	if err != nil {
		return err
	}

	outlineByNumber := make(map[int]novel.ChapterOutlineEntry, len(bible.PlotOutline.ChapterOutlines))
	for _, o2 := range bible.PlotOutline.ChapterOutlines {
		outlineByNumber[novel.NormalizeChapterNumber(o2.Number)] = o2
	}

	gate, err := o.acquireToken(ctx, project)
	if err != nil {
		return err
	}

	for _, ch := range chapters {
		if !IsGarbledText(ch.Content) && !IsTruncatedEnding(ch.Content) {
			continue
		}
		if stop, err := o.shouldStop(ctx, projectID, gate); err != nil || stop {
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("stop check failed: %v", err), false)
				return err
			}
			_ = o.pause(ctx, project, "generation superseded by a newer process", true)
			return ErrSuperseded
		}
		entry, ok := outlineByNumber[novel.NormalizeChapterNumber(ch.ChapterNumber)]
		if !ok {
			continue
		}
		plan := o.buildChapterPlan(projectID, gate, chapters, entry, false)
		fresh, updatedBible, violations, err := o.pipeline.GenerateChapter(ctx, project, bible, plan)
		if err != nil {
			_ = o.pause(ctx, project, fmt.Sprintf("regenerate chapter %d failed: %v", ch.ChapterNumber, err), true)
			return fmt.Errorf("regenerate chapter %d: %w", ch.ChapterNumber, err)
		}
		if err := o.store.SaveChapter(ctx, fresh); err != nil {
			return err
		}
		bible = updatedBible
		if err := o.store.SaveWorldBible(ctx, bible); err != nil {
			return err
		}
		o.recordViolations(ctx, project, violations)
	}
	if err := o.store.SaveProject(ctx, project); err != nil {
		return err
	}

	return nil
}

// GenerateMissingChapters fills any outline entry with no corresponding
// chapter row, e.g. after a partial run was interrupted.
func (o *Orchestrator) GenerateMissingChapters(ctx context.Context, projectID string) error {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		return err
	}
	chapters, err := o.store.LoadChapters(ctx, projectID)
	if err != nil {
		return err
	}

	have := make(map[int]bool, len(chapters))
	for _, ch := range chapters {
		have[novel.NormalizeChapterNumber(ch.ChapterNumber)] = true
	}

	gate, err := o.acquireToken(ctx, project)
	if err != nil {
		return err
	}

	for _, entry := range bible.PlotOutline.ChapterOutlines {
		if have[novel.NormalizeChapterNumber(entry.Number)] {
			continue
		}
		if stop, err := o.shouldStop(ctx, projectID, gate); err != nil || stop {
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("stop check failed: %v", err), false)
				return err
			}
			_ = o.pause(ctx, project, "generation superseded by a newer process", true)
			return ErrSuperseded
		}
		// Fresh read before the insert so a concurrent fill cannot duplicate.
		current, err := o.store.LoadChapters(ctx, projectID)
		if err != nil {
			return err
		}
		if novel.FindChapterByNumber(current, entry.Number) != nil {
			continue
		}
		plan := o.buildChapterPlan(projectID, gate, current, entry, true)
		chapter, updatedBible, violations, err := o.pipeline.GenerateChapter(ctx, project, bible, plan)
		if err != nil {
			_ = o.pause(ctx, project, fmt.Sprintf("fill missing chapter %d failed: %v", entry.Number, err), true)
			return fmt.Errorf("fill missing chapter %d: %w", entry.Number, err)
		}
		if err := o.store.SaveChapter(ctx, chapter); err != nil {
			return err
		}
		bible = updatedBible
		if err := o.store.SaveWorldBible(ctx, bible); err != nil {
			return err
		}
		o.recordViolations(ctx, project, violations)
		o.callbacks.EmitChapterComplete(chapter.ChapterNumber, chapter.WordCount, chapter.Title)
	}
	if err := o.store.SaveProject(ctx, project); err != nil {
		return err
	}

	return nil
}

// RunFinalReviewOnly invokes the Final Reviewer and persists its score and
// issue list without running any correction cycle.
func (o *Orchestrator) RunFinalReviewOnly(ctx context.Context, projectID string) (float64, []novel.ReviewIssue, error) {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return 0, nil, err
	}
	chapters, err := o.store.LoadChapters(ctx, projectID)
	if err != nil {
		return 0, nil, err
	}

	outcome, err := o.reviewer.RunFinalReview(ctx, project, chapters)
	if err != nil {
		_ = o.pause(ctx, project, fmt.Sprintf("final review failed: %v", err), true)
		return 0, nil, err
	}
	project.FinalScore = outcome.Score
	if err := o.store.SaveProject(ctx, project); err != nil {
		return 0, nil, err
	}
	return outcome.Score, outcome.Issues, nil
}

// RunContinuitySentinel re-runs the consistency audit over the existing
// manuscript, logs every violation found, and patches affected chapters in
// surgical mode where the patches apply cleanly. A chapter whose patch did
// not land keeps its violations pending; one that was patched has them
// marked resolved and auto-fixed. All violations are persisted either way.
func (o *Orchestrator) RunContinuitySentinel(ctx context.Context, projectID string) ([]novel.ConsistencyViolation, error) {
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chapters, err := o.store.LoadChapters(ctx, projectID)
	if err != nil {
		return nil, err
	}

	issues, err := o.reviewer.RunQAAudit(ctx, project, chapters)
	if err != nil {
		_ = o.pause(ctx, project, fmt.Sprintf("continuity sentinel failed: %v", err), true)
		return nil, err
	}

	violations := make([]novel.ConsistencyViolation, 0, len(issues))
	for _, issue := range issues {
		chapter := 0
		if len(issue.AffectedChapters) > 0 {
			chapter = novel.NormalizeChapterNumber(issue.AffectedChapters[0])
		}
		violations = append(violations, novel.ConsistencyViolation{
			ProjectID:        projectID,
			Chapter:          chapter,
			ViolationType:    novel.ViolationWarning,
			Severity:         issue.Severity,
			Description:      issue.Description,
			AffectedEntities: nil,
			Status:           novel.ViolationPending,
		})
	}

	byChapter := make(map[int]novel.Chapter, len(chapters))
	for _, ch := range chapters {
		byChapter[novel.NormalizeChapterNumber(ch.ChapterNumber)] = ch
	}

	grouped := GroupIssuesByChapter(issues)
	affected := ExtractAffectedChapters(nil, issues)
	sort.Ints(affected)
	for _, chNum := range affected {
		chapter, ok := byChapter[chNum]
		if !ok {
			continue
		}
		candidate, err := o.corrector.Correct(ctx, project, chapter, grouped[chNum], false)
		if err != nil {
			o.logger.Warn("sentinel patch failed", "chapter", chNum, "error", err)
			continue
		}
		if !AcceptCorrection(chapter.Content, candidate) {
			o.logger.Warn("sentinel patch did not apply cleanly, chapter left unchanged", "chapter", chNum)
			continue
		}
		chapter.OriginalContent = chapter.Content
		chapter.Content = candidate
		chapter.UpdatedAt = time.Now()
		if err := o.store.SaveChapter(ctx, chapter); err != nil {
			return nil, err
		}
		for i := range violations {
			if violations[i].Chapter == chNum {
				violations[i].Status = novel.ViolationResolved
				violations[i].WasAutoFixed = true
			}
		}
	}

	o.recordViolations(ctx, project, violations)
	return violations, nil
}

// RunDetectAndFixCycle drives the iterative QA-audit / Final-Review /
// correction loop until convergence or max_cycles is reached.
func (o *Orchestrator) RunDetectAndFixCycle(ctx context.Context, projectID string) error {
	cfg := o.config.DetectFix
	project, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}

	project.Status = novel.StatusFinalReviewInProgress
	gate, err := o.acquireToken(ctx, project)
	if err != nil {
		return err
	}

	for project.RevisionCycle < cfg.MaxCycles {
		o.callbacks.EmitDetectAndFixProgress("cycle", project.RevisionCycle+1, cfg.MaxCycles, "")
		if stop, err := o.shouldStop(ctx, projectID, gate); err != nil || stop {
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("stop check failed: %v", err), false)
				return err
			}
			_ = o.pause(ctx, project, "generation superseded by a newer process", true)
			return ErrSuperseded
		}

		chapters, err := o.store.LoadChapters(ctx, projectID)
		if err != nil {
			return err
		}

		if !project.QAAuditCompleted {
			o.callbacks.EmitDetectAndFixProgress("qa_audit", 1, 1, "running one-time QA audit")
			qaIssues, err := o.reviewer.RunQAAudit(ctx, project, chapters)
			if err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("QA audit failed: %v", err), true)
				return err
			}
			if err := o.applyIssueBatch(ctx, project, chapters, qaIssues, nil, cfg); err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("applying QA corrections failed: %v", err), true)
				return err
			}
			project.QAAuditCompleted = true
			chapters, err = o.store.LoadChapters(ctx, projectID)
			if err != nil {
				return err
			}
		}

		outcome, err := o.reviewer.RunFinalReview(ctx, project, chapters)
		if err != nil {
			_ = o.pause(ctx, project, fmt.Sprintf("final review failed: %v", err), true)
			return err
		}
		if outcome.Score < project.FinalScore {
			o.logger.Warn("final review score regressed vs previous cycle", "previous", project.FinalScore, "current", outcome.Score)
		}
		project.FinalScore = outcome.Score
		o.mergeReviewDiscoveries(ctx, project.ID, outcome)

		issues := ReinterpretMergeRequests(outcome.Issues)
		issues = novel.FilterUnresolved(issues, project.ResolvedIssueHashes)

		resolvedStructural, remaining, autoResolveLogs := AutoResolveStructural(issues, project.ChapterCorrectionCounts)
		for _, entry := range autoResolveLogs {
			o.logger.Warn("structural issue auto-resolved", "detail", entry)
			project.ActivityLog = append(project.ActivityLog, novel.ActivityLogEntry{
				Timestamp:   time.Now(),
				Status:      project.Status,
				Message:     entry,
				Recoverable: true,
			})
		}
		project.ResolvedIssueHashes = novel.MarkIssuesResolved(project.ResolvedIssueHashes, resolvedStructural)

		decision := ApplyConvergenceGate(outcome.Score, len(remaining), project.ConsecutiveHighScores, cfg.RequiredConsecutiveHighScores, cfg.ScoreThreshold)
		project.ConsecutiveHighScores = decision.ConsecutiveHighScores

		if decision.Completed {
			project.Status = novel.StatusCompleted
			o.callbacks.EmitDetectAndFixProgress("converged", project.RevisionCycle+1, cfg.MaxCycles, fmt.Sprintf("score %.1f", outcome.Score))
			return o.store.SaveProject(ctx, project)
		}

		if decision.ShouldAttemptCorrections {
			if err := o.applyIssueBatch(ctx, project, chapters, remaining, outcome.ChaptersToRewrite, cfg); err != nil {
				_ = o.pause(ctx, project, fmt.Sprintf("applying corrections failed: %v", err), true)
				return err
			}
		}

		project.RevisionCycle++
		if err := o.store.SaveProject(ctx, project); err != nil {
			return err
		}
		o.checkpointResume(ctx, project)
	}

	project.Status = novel.StatusFailedFinalReview
	return o.store.SaveProject(ctx, project)
}

// applyIssueBatch groups issues by chapter, applies each chapter's
// correction subject to its attempt cap, and tracks issue persistence for
// escalation. chaptersToRewrite is the reviewer's own selection; when empty
// the safety net extracts every chapter the issues reference.
func (o *Orchestrator) applyIssueBatch(ctx context.Context, project *novel.Project, chapters []novel.Chapter, issues []novel.ReviewIssue, chaptersToRewrite []int, cfg DetectFixConfig) error {
	if len(issues) == 0 {
		return nil
	}

	byChapter := make(map[int]novel.Chapter, len(chapters))
	lastChapter := 0
	for _, ch := range chapters {
		num := novel.NormalizeChapterNumber(ch.ChapterNumber)
		byChapter[num] = ch
		if !novel.IsSpecialChapter(num) && num > lastChapter {
			lastChapter = num
		}
	}

	grouped := GroupIssuesByChapter(issues)
	affected := ExtractAffectedChapters(chaptersToRewrite, issues)
	sort.Ints(affected)
	o.callbacks.EmitChaptersBeingCorrected(affected, project.RevisionCycle)
	var uncorrectable []int
	for _, chNum := range affected {
		chapterIssues := grouped[chNum]
		if len(chapterIssues) == 0 {
			// A reviewer-selected chapter with no issue grouped onto it still
			// gets rewritten against the full batch for context.
			if len(chaptersToRewrite) == 0 {
				continue
			}
			chapterIssues = issues
		}
		if !CanCorrect(project.ChapterCorrectionCounts, chNum, cfg.MaxCorrectionsPerChapter) {
			continue
		}
		chapter, ok := byChapter[chNum]
		if !ok {
			continue
		}

		candidate, changed := o.correctWithRetries(ctx, project, chapter, chapterIssues, HasCriticalOrMajor(chapterIssues))
		if changed {
			chapter.OriginalContent = chapter.Content
			chapter.Content = candidate
			chapter.UpdatedAt = time.Now()
			if err := o.store.SaveChapter(ctx, chapter); err != nil {
				return err
			}
			byChapter[chNum] = chapter
		} else {
			uncorrectable = append(uncorrectable, chNum)
		}
		if project.ChapterCorrectionCounts == nil {
			project.ChapterCorrectionCounts = make(map[string]int)
		}
		RecordCorrection(project.ChapterCorrectionCounts, chNum)
	}

	if len(uncorrectable) > 0 {
		o.logger.Warn("chapters could not be changed by any correction attempt", "chapters", uncorrectable)
		project.ActivityLog = append(project.ActivityLog, novel.ActivityLogEntry{
			Timestamp:   time.Now(),
			Status:      project.Status,
			Message:     fmt.Sprintf("capítulos sin cambios tras agotar los reintentos de corrección: %v", uncorrectable),
			Recoverable: true,
		})
	}

	bible, err := o.store.LoadWorldBible(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("load world bible for escalation lookup: %w", err)
	}

	escalations := TrackPersistentIssues(project.ChapterCorrectionCounts, issues, cfg.PersistentIssueCycleThreshold, deathChapterLookup(bible, chapters), lastChapter)
	for _, esc := range escalations {
		o.logger.Warn("persistent issue escalated", "hash", esc.Issue.Hash(), "description", esc.Issue.Description, "resurrection", esc.IsResurrection, "expanded_chapters", esc.ExpandedChapters)
		if len(esc.ExpandedChapters) == 0 {
			continue
		}

		expanded := esc.Issue
		expanded.AffectedChapters = esc.ExpandedChapters
		expanded.Severity = novel.SeverityCritical
		if esc.Instruction != "" {
			expanded.CorrectionInstructions = esc.Instruction
		}

		for _, chNum := range esc.ExpandedChapters {
			chapter, ok := byChapter[chNum]
			if !ok {
				continue
			}
			candidate, err := o.corrector.Correct(ctx, project, chapter, []novel.ReviewIssue{expanded}, true)
			if err != nil {
				o.logger.Warn("escalated correction failed", "chapter", chNum, "error", err)
				continue
			}
			if AcceptCorrection(chapter.Content, candidate) {
				chapter.OriginalContent = chapter.Content
				chapter.Content = candidate
				chapter.UpdatedAt = time.Now()
				if err := o.store.SaveChapter(ctx, chapter); err != nil {
					return err
				}
				byChapter[chNum] = chapter
			}
		}
	}

	return nil
}

// correctWithRetries runs the bounded correction ladder on one chapter: the
// initial attempt, up to MaxCorrectionRetries retries with progressively
// more aggressive instructions when the editor returned the text unchanged,
// and a final full-rewrite fallback carrying only the simplified top-3
// issues. Returns the accepted candidate and whether anything changed.
func (o *Orchestrator) correctWithRetries(ctx context.Context, project *novel.Project, chapter novel.Chapter, issues []novel.ReviewIssue, fullRewrite bool) (string, bool) {
	chNum := novel.NormalizeChapterNumber(chapter.ChapterNumber)

	for attempt := 0; attempt <= MaxCorrectionRetries; attempt++ {
		if attempt > 0 {
			if stop, err := o.shouldStop(ctx, project.ID, NewTokenGate(project.GenerationToken)); err == nil && stop {
				return "", false
			}
		}
		attemptIssues := EscalateInstructions(issues, attempt)
		candidate, err := o.corrector.Correct(ctx, project, chapter, attemptIssues, fullRewrite)
		if err != nil {
			o.logger.Warn("correction attempt failed", "chapter", chNum, "attempt", attempt+1, "error", err)
			continue
		}
		if AcceptCorrection(chapter.Content, candidate) {
			return candidate, true
		}
		o.logger.Warn("correction attempt changed nothing", "chapter", chNum, "attempt", attempt+1)
	}

	fallback := SimplifyTopIssues(issues, 3)
	candidate, err := o.corrector.Correct(ctx, project, chapter, fallback, true)
	if err != nil {
		o.logger.Warn("fallback full rewrite failed", "chapter", chNum, "error", err)
		return "", false
	}
	if AcceptCorrection(chapter.Content, candidate) {
		return candidate, true
	}
	return "", false
}

// mergeReviewDiscoveries folds plot decisions and persistent injuries the
// Final Reviewer surfaced into the World Bible, first occurrence winning on
// a duplicate (text, chapter) decision. Failures log and never interrupt
// the cycle: a lost discovery is recoverable on the next pass.
func (o *Orchestrator) mergeReviewDiscoveries(ctx context.Context, projectID string, outcome novel.ReviewOutcome) {
	if len(outcome.NewPlotDecisions) == 0 && len(outcome.NewInjuries) == 0 {
		return
	}
	bible, err := o.store.LoadWorldBible(ctx, projectID)
	if err != nil {
		o.logger.Warn("merging review discoveries: failed to load world bible", "error", err)
		return
	}
	bible.PlotDecisions = novel.MergePlotDecisions(bible.PlotDecisions, outcome.NewPlotDecisions)
	bible.PersistentInjuries = novel.MergeInjuries(bible.PersistentInjuries, outcome.NewInjuries)
	bible.UpdatedAt = time.Now()
	if err := o.store.SaveWorldBible(ctx, bible); err != nil {
		o.logger.Warn("merging review discoveries: failed to save world bible", "error", err)
	}
}

// deathChapterLookup returns a callback that, given an escalated issue's
// description, finds the World Bible character it mentions whose status
// marks them dead and locates the earliest chapter confirming that death
// (through the same DeathConfirmed gate the consistency validator uses), so
// a resurrection escalation knows exactly which chapters to purge active
// appearances from.
func deathChapterLookup(bible novel.WorldBible, chapters []novel.Chapter) func(string) (int, bool) {
	sorted := append([]novel.Chapter(nil), chapters...)
	sort.Slice(sorted, func(i, j int) bool {
		return novel.NormalizeChapterNumber(sorted[i].ChapterNumber) < novel.NormalizeChapterNumber(sorted[j].ChapterNumber)
	})

	return func(description string) (int, bool) {
		lower := strings.ToLower(description)
		for _, c := range bible.Characters {
			if !containsAnyFold(c.Status, deathMarkers) {
				continue
			}
			parts := nameParts(c.Name)
			mentioned := false
			for _, p := range parts {
				if strings.Contains(lower, p) {
					mentioned = true
					break
				}
			}
			if !mentioned {
				continue
			}
			for _, ch := range sorted {
				if DeathConfirmed(ch.Content, c.Name) {
					return novel.NormalizeChapterNumber(ch.ChapterNumber), true
				}
			}
		}
		return 0, false
	}
}

// recordViolations persists every violation regardless of whether the
// pipeline's rewrite loop resolved it, then logs each one. A storage
// failure is logged but does not interrupt generation: the violation is
// re-derivable by re-running the validator.
func (o *Orchestrator) recordViolations(ctx context.Context, project *novel.Project, violations []novel.ConsistencyViolation) {
	if len(violations) == 0 {
		return
	}
	if err := o.store.SaveViolations(ctx, project.ID, violations); err != nil {
		o.logger.Warn("persisting consistency violations failed", "project", project.ID, "error", err)
	}
	for _, v := range violations {
		o.logger.Warn("consistency violation", "chapter", v.Chapter, "severity", v.Severity, "description", v.Description)
	}
}

// shouldStop reloads the project's current stored token and checks it
// against the gate held by this orchestrator instance: a freshly-started
// competing process rewrites GenerationToken, and every safe breakpoint
// must observe that change rather than trust its own stale in-memory copy.
func (o *Orchestrator) shouldStop(ctx context.Context, projectID string, gate *TokenGate) (bool, error) {
	current, err := o.store.LoadProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	return gate.ShouldStopProcessing(current, StopSignal{}), nil
}

func (o *Orchestrator) checkpointResume(ctx context.Context, project *novel.Project) {
	if o.checkpoint == nil {
		return
	}
	state := &ResumeState{
		ProjectID:               project.ID,
		Timestamp:               time.Now(),
		RevisionCycle:           project.RevisionCycle,
		ConsecutiveHighScores:   project.ConsecutiveHighScores,
		QAAuditCompleted:        project.QAAuditCompleted,
		ResolvedIssueHashes:     project.ResolvedIssueHashes,
		ChapterCorrectionCounts: project.ChapterCorrectionCounts,
	}
	if err := o.checkpoint.Save(ctx, state); err != nil {
		o.logger.Warn("checkpoint save failed", "project", project.ID, "error", err)
	}
}
