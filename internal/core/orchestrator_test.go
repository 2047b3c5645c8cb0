package core

import (
	"context"
	"errors"
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

type memStore struct {
	projects   map[string]*novel.Project
	chapters   map[string][]novel.Chapter
	bibles     map[string]novel.WorldBible
	violations map[string][]novel.ConsistencyViolation
}

func newMemStore() *memStore {
	return &memStore{
		projects:   make(map[string]*novel.Project),
		chapters:   make(map[string][]novel.Chapter),
		bibles:     make(map[string]novel.WorldBible),
		violations: make(map[string][]novel.ConsistencyViolation),
	}
}

func (s *memStore) LoadProject(ctx context.Context, id string) (*novel.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) SaveProject(ctx context.Context, p *novel.Project) error {
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memStore) LoadChapters(ctx context.Context, id string) ([]novel.Chapter, error) {
	return s.chapters[id], nil
}

func (s *memStore) SaveChapter(ctx context.Context, ch novel.Chapter) error {
	list := s.chapters[ch.ProjectID]
	for i, existing := range list {
		if existing.ChapterNumber == ch.ChapterNumber {
			list[i] = ch
			s.chapters[ch.ProjectID] = list
			return nil
		}
	}
	s.chapters[ch.ProjectID] = append(list, ch)
	return nil
}

func (s *memStore) SaveViolations(ctx context.Context, id string, violations []novel.ConsistencyViolation) error {
	s.violations[id] = append(s.violations[id], violations...)
	return nil
}

func (s *memStore) LoadViolations(ctx context.Context, id string) ([]novel.ConsistencyViolation, error) {
	return s.violations[id], nil
}

func (s *memStore) LoadViolationsByChapter(ctx context.Context, id string, chapter int) ([]novel.ConsistencyViolation, error) {
	target := novel.NormalizeChapterNumber(chapter)
	var out []novel.ConsistencyViolation
	for _, v := range s.violations[id] {
		if novel.NormalizeChapterNumber(v.Chapter) == target {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) LoadWorldBible(ctx context.Context, id string) (novel.WorldBible, error) {
	return s.bibles[id], nil
}

func (s *memStore) SaveWorldBible(ctx context.Context, b novel.WorldBible) error {
	s.bibles[b.ProjectID] = b
	return nil
}

type stubPipeline struct{}

func (stubPipeline) GenerateChapter(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan ChapterPlan) (novel.Chapter, novel.WorldBible, []novel.ConsistencyViolation, error) {
	return novel.Chapter{
		ProjectID:     project.ID,
		ChapterNumber: plan.Outline.Number,
		Title:         plan.Outline.Title,
		Content:       "Generated content for " + plan.Outline.Title + ". It ends properly.",
		WordCount:     500,
		Status:        novel.ChapterCompleted,
	}, bible, nil, nil
}

type convergingReviewer struct {
	calls int
}

func (r *convergingReviewer) RunQAAudit(ctx context.Context, project *novel.Project, chapters []novel.Chapter) ([]novel.ReviewIssue, error) {
	return nil, nil
}

func (r *convergingReviewer) RunFinalReview(ctx context.Context, project *novel.Project, chapters []novel.Chapter) (novel.ReviewOutcome, error) {
	r.calls++
	return novel.ReviewOutcome{Score: 9.5}, nil
}

type noopCorrector struct{}

func (noopCorrector) Correct(ctx context.Context, project *novel.Project, chapter novel.Chapter, issues []novel.ReviewIssue, fullRewrite bool) (string, error) {
	return chapter.Content, nil
}

func TestGenerateNovelConvergesImmediately(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.bibles["p1"] = novel.WorldBible{
		ProjectID: "p1",
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{
				{Number: 1, Title: "Uno"},
				{Number: 2, Title: "Dos"},
			},
		},
	}

	reviewer := &convergingReviewer{}
	orc := New(store, stubPipeline{}, reviewer, noopCorrector{}, nil, WithConfig(OrchestratorConfig{DetectFix: DefaultDetectFixConfig()}))

	if err := orc.GenerateNovel(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, _ := store.LoadProject(context.Background(), "p1")
	if p.Status != novel.StatusCompleted {
		t.Fatalf("expected status completed, got %s", p.Status)
	}
	if reviewer.calls != 2 {
		t.Fatalf("expected exactly 2 final-review calls to reach convergence, got %d", reviewer.calls)
	}
	if len(store.chapters["p1"]) != 2 {
		t.Fatalf("expected 2 chapters generated, got %d", len(store.chapters["p1"]))
	}
}

// supersedingStore simulates a competing instance B: after the first
// project save (instance A acquiring its token), every load reports a
// different token, as if B had overwritten it mid-run.
type supersedingStore struct {
	*memStore
	saves int
}

func (s *supersedingStore) SaveProject(ctx context.Context, p *novel.Project) error {
	s.saves++
	return s.memStore.SaveProject(ctx, p)
}

func (s *supersedingStore) LoadProject(ctx context.Context, id string) (*novel.Project, error) {
	p, err := s.memStore.LoadProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.saves > 0 {
		p.GenerationToken = "instance-b-token"
	}
	return p, nil
}

func TestGenerateNovelStopsOnTokenMismatch(t *testing.T) {
	inner := newMemStore()
	inner.projects["p1"] = &novel.Project{ID: "p1"}
	inner.bibles["p1"] = novel.WorldBible{
		ProjectID: "p1",
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{{Number: 1, Title: "Uno"}},
		},
	}
	store := &supersedingStore{memStore: inner}

	orc := New(store, stubPipeline{}, &convergingReviewer{}, noopCorrector{}, nil)

	err := orc.GenerateNovel(context.Background(), "p1")
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if len(inner.chapters["p1"]) != 0 {
		t.Fatalf("superseded instance must not have written any chapter, got %d", len(inner.chapters["p1"]))
	}
	p, _ := inner.LoadProject(context.Background(), "p1")
	if p.Status != novel.StatusPaused {
		t.Fatalf("superseded instance must pause the project, got %s", p.Status)
	}
}

type countingPipeline struct {
	calls     int
	generated []int
}

func (p *countingPipeline) GenerateChapter(ctx context.Context, project *novel.Project, bible novel.WorldBible, plan ChapterPlan) (novel.Chapter, novel.WorldBible, []novel.ConsistencyViolation, error) {
	p.calls++
	p.generated = append(p.generated, plan.Outline.Number)
	return novel.Chapter{
		ProjectID:     project.ID,
		ChapterNumber: plan.Outline.Number,
		Title:         plan.Outline.Title,
		Content:       "Texto nuevo generado para el capítulo. Termina correctamente.",
		WordCount:     600,
		Status:        novel.ChapterCompleted,
	}, bible, nil, nil
}

func TestGenerateNovelSkipsCompletedHealthyChapters(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.bibles["p1"] = novel.WorldBible{
		ProjectID: "p1",
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{
				{Number: 1, Title: "Uno"},
				{Number: 2, Title: "Dos"},
			},
		},
	}
	store.chapters["p1"] = []novel.Chapter{{
		ProjectID:     "p1",
		ChapterNumber: 1,
		Content:       "Contenido previo completo y sano.",
		WordCount:     700,
		Status:        novel.ChapterCompleted,
	}}

	pipe := &countingPipeline{}
	orc := New(store, pipe, &convergingReviewer{}, noopCorrector{}, nil)
	if err := orc.GenerateNovel(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pipe.calls != 1 {
		t.Fatalf("expected only the missing chapter to be generated, got %d pipeline calls (%v)", pipe.calls, pipe.generated)
	}
	if pipe.generated[0] != 2 {
		t.Fatalf("expected chapter 2 to be generated, got %v", pipe.generated)
	}
	for _, ch := range store.chapters["p1"] {
		if ch.ChapterNumber == 1 && ch.Content != "Contenido previo completo y sano." {
			t.Fatalf("completed healthy chapter 1 must not be regenerated")
		}
	}
}

func TestGenerateNovelRegeneratesShortChapter(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.bibles["p1"] = novel.WorldBible{
		ProjectID: "p1",
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{{Number: 1, Title: "Uno"}},
		},
	}
	// Completed but under the 500-word approval threshold: not healthy.
	store.chapters["p1"] = []novel.Chapter{{
		ProjectID:     "p1",
		ChapterNumber: 1,
		Content:       "Demasiado corto.",
		WordCount:     40,
		Status:        novel.ChapterCompleted,
	}}

	pipe := &countingPipeline{}
	orc := New(store, pipe, &convergingReviewer{}, noopCorrector{}, nil)
	if err := orc.GenerateNovel(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pipe.calls != 1 {
		t.Fatalf("expected the short chapter to be regenerated, got %d pipeline calls", pipe.calls)
	}
}

func TestBuildChapterPlanCarriesPriorContext(t *testing.T) {
	store := newMemStore()
	orc := New(store, stubPipeline{}, &convergingReviewer{}, noopCorrector{}, nil)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	chapters := []novel.Chapter{
		{ChapterNumber: 1, Content: string(long), Summary: "resumen uno"},
		{ChapterNumber: 2, Content: "cola corta", Summary: "resumen dos"},
	}

	plan := orc.buildChapterPlan("p1", NewTokenGate(""), chapters, novel.ChapterOutlineEntry{Number: 3}, false)

	if plan.PreviousChapterTail != "cola corta" {
		t.Fatalf("expected chapter 2's content as the prior tail, got %q", plan.PreviousChapterTail)
	}
	if len(plan.RecentSummaries) != 2 {
		t.Fatalf("expected 2 recent summaries, got %d", len(plan.RecentSummaries))
	}
	if plan.RollingSummary != "Cap 1: resumen uno\nCap 2: resumen dos" {
		t.Fatalf("unexpected rolling summary: %q", plan.RollingSummary)
	}
	if plan.StopCheck == nil {
		t.Fatalf("expected a stop check to be attached")
	}
}

// issueReviewer reports a fixed issue list from the QA audit.
type issueReviewer struct {
	issues []novel.ReviewIssue
}

func (r *issueReviewer) RunQAAudit(ctx context.Context, project *novel.Project, chapters []novel.Chapter) ([]novel.ReviewIssue, error) {
	return r.issues, nil
}

func (r *issueReviewer) RunFinalReview(ctx context.Context, project *novel.Project, chapters []novel.Chapter) (novel.ReviewOutcome, error) {
	return novel.ReviewOutcome{Score: 9.5}, nil
}

// scriptedCorrector returns its scripted results in order, then echoes the
// chapter content unchanged once the script runs out.
type scriptedCorrector struct {
	results []string
	calls   int
}

func (c *scriptedCorrector) Correct(ctx context.Context, project *novel.Project, chapter novel.Chapter, issues []novel.ReviewIssue, fullRewrite bool) (string, error) {
	c.calls++
	if c.calls <= len(c.results) {
		return c.results[c.calls-1], nil
	}
	return chapter.Content, nil
}

const sentinelChapterText = "Elena cruzó el umbral de la casa familiar mientras la tormenta arreciaba sobre los tejados del pueblo y los postigos golpeaban sin descanso."

func TestRunContinuitySentinelPatchesCleanlyAndPersists(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.chapters["p1"] = []novel.Chapter{{ProjectID: "p1", ChapterNumber: 1, Content: sentinelChapterText}}

	reviewer := &issueReviewer{issues: []novel.ReviewIssue{{
		Category:         "continuidad",
		Severity:         novel.SeverityMajor,
		Description:      "los postigos estaban cerrados en el capítulo anterior",
		AffectedChapters: []int{1},
	}}}
	patched := sentinelChapterText + " Los postigos, ya asegurados, callaron al fin."
	corrector := &scriptedCorrector{results: []string{patched}}

	orc := New(store, stubPipeline{}, reviewer, corrector, nil)
	violations, err := orc.RunContinuitySentinel(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].Status != novel.ViolationResolved || !violations[0].WasAutoFixed {
		t.Fatalf("cleanly patched chapter must resolve its violation, got %+v", violations[0])
	}
	if store.chapters["p1"][0].Content != patched {
		t.Fatalf("patched chapter must be persisted")
	}
	persisted, _ := store.LoadViolationsByChapter(context.Background(), "p1", 1)
	if len(persisted) != 1 {
		t.Fatalf("expected the violation persisted for (project, chapter), got %d", len(persisted))
	}
}

func TestRunContinuitySentinelLeavesUnpatchedViolationPending(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.chapters["p1"] = []novel.Chapter{{ProjectID: "p1", ChapterNumber: 1, Content: sentinelChapterText}}

	reviewer := &issueReviewer{issues: []novel.ReviewIssue{{
		Category:         "continuidad",
		Severity:         novel.SeverityMinor,
		Description:      "detalle menor de atrezzo",
		AffectedChapters: []int{1},
	}}}

	// noopCorrector echoes the content: the patch never applies cleanly.
	orc := New(store, stubPipeline{}, reviewer, noopCorrector{}, nil)
	violations, err := orc.RunContinuitySentinel(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if violations[0].Status != novel.ViolationPending || violations[0].WasAutoFixed {
		t.Fatalf("unpatched chapter must keep its violation pending, got %+v", violations[0])
	}
	if store.chapters["p1"][0].Content != sentinelChapterText {
		t.Fatalf("chapter must be left unchanged when no patch applied cleanly")
	}
	if len(store.violations["p1"]) != 1 {
		t.Fatalf("pending violation must still be persisted")
	}
}

func TestCorrectWithRetriesSucceedsOnLaterAttempt(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	rewritten := sentinelChapterText + " La escena se cerró con la calma que siguió al aguacero, y nadie volvió a hablar de ello."
	corrector := &scriptedCorrector{results: []string{sentinelChapterText, sentinelChapterText, rewritten}}

	orc := New(store, stubPipeline{}, &convergingReviewer{}, corrector, nil)
	project := &novel.Project{ID: "p1"}
	chapter := novel.Chapter{ProjectID: "p1", ChapterNumber: 3, Content: sentinelChapterText}
	issues := []novel.ReviewIssue{{Severity: novel.SeverityMajor, Description: "final abrupto", AffectedChapters: []int{3}}}

	candidate, changed := orc.correctWithRetries(context.Background(), project, chapter, issues, true)
	if !changed {
		t.Fatalf("expected the third attempt's rewrite to be accepted")
	}
	if candidate != rewritten {
		t.Fatalf("expected the scripted rewrite, got %q", candidate)
	}
	if corrector.calls != 3 {
		t.Fatalf("expected exactly 3 correction calls, got %d", corrector.calls)
	}
}

func TestCorrectWithRetriesExhaustsLadderAndFallback(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	corrector := &scriptedCorrector{} // always echoes: nothing ever changes

	orc := New(store, stubPipeline{}, &convergingReviewer{}, corrector, nil)
	project := &novel.Project{ID: "p1"}
	chapter := novel.Chapter{ProjectID: "p1", ChapterNumber: 3, Content: sentinelChapterText}
	issues := []novel.ReviewIssue{{Severity: novel.SeverityMinor, Description: "detalle", AffectedChapters: []int{3}}}

	_, changed := orc.correctWithRetries(context.Background(), project, chapter, issues, false)
	if changed {
		t.Fatalf("an echoing corrector must never produce an accepted change")
	}
	// Initial attempt + MaxCorrectionRetries retries + the final fallback.
	if corrector.calls != 1+MaxCorrectionRetries+1 {
		t.Fatalf("expected %d correction calls, got %d", 1+MaxCorrectionRetries+1, corrector.calls)
	}
}

func TestGenerateMissingChaptersOnlyFillsGaps(t *testing.T) {
	store := newMemStore()
	store.projects["p1"] = &novel.Project{ID: "p1"}
	store.bibles["p1"] = novel.WorldBible{
		ProjectID: "p1",
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{
				{Number: 1, Title: "Uno"},
				{Number: 2, Title: "Dos"},
			},
		},
	}
	store.chapters["p1"] = []novel.Chapter{{ProjectID: "p1", ChapterNumber: 1, Content: "ya existe"}}

	orc := New(store, stubPipeline{}, &convergingReviewer{}, noopCorrector{}, nil)
	if err := orc.GenerateMissingChapters(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chapters := store.chapters["p1"]
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters after backfill, got %d", len(chapters))
	}
	for _, ch := range chapters {
		if ch.ChapterNumber == 1 && ch.Content != "ya existe" {
			t.Fatalf("existing chapter 1 should not have been overwritten")
		}
	}
}
