// Package review implements the manuscript-level review and correction
// adapters the detect-and-fix cycle (internal/core/detectfix.go) drives:
// the one-time QA audit, the Final Reviewer's scored pass, and the Smart
// Editor's correction application.
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/domain/novel"
	"github.com/dotcommander/novelorc/pkg/orc/utils"
)

// Factory creates role-bound agents; satisfied by *agent.AgentFactory.
type Factory interface {
	CreateAgent(role agent.Role) *agent.Agent
}

// Reviewer implements core.ManuscriptReviewer: the QA audit (mechanical
// defects only) and the Final Reviewer's 0-10 scored pass.
type Reviewer struct {
	agents Factory
}

func NewReviewer(agents Factory) *Reviewer {
	return &Reviewer{agents: agents}
}

type qaAuditResponse struct {
	Issues []issueResponse `json:"issues"`
}

type finalReviewResponse struct {
	Score             float64                `json:"score"`
	Issues            []issueResponse        `json:"issues"`
	ChaptersToRewrite []int                  `json:"chapters_to_rewrite"`
	NewPlotDecisions  []plotDecisionResponse `json:"new_plot_decisions"`
	NewInjuries       []injuryReportResponse `json:"new_injuries"`
}

type plotDecisionResponse struct {
	Text     string `json:"text"`
	Chapter  int    `json:"chapter"`
	Severity string `json:"severity"`
}

type injuryReportResponse struct {
	Character       string `json:"character"`
	InjuryType      string `json:"injury_type"`
	BodyPart        string `json:"body_part"`
	ChapterOccurred int    `json:"chapter_occurred"`
	Severity        string `json:"severity"`
	ExpectedEffect  string `json:"expected_effect"`
	IsTemporary     bool   `json:"is_temporary"`
}

type issueResponse struct {
	Category               string `json:"category"`
	Severity               string `json:"severity"`
	Description            string `json:"description"`
	AffectedChapters       []int  `json:"affected_chapters"`
	CorrectionInstructions string `json:"correction_instructions"`
}

// normalizeSeverity folds the auditors' mixed vocabularies (HIGH/MEDIUM,
// Spanish forms) onto the unified critical/major/minor scale.
func normalizeSeverity(s string) novel.ViolationSeverity {
	switch strings.ToLower(s) {
	case "critical", "critico", "crítico", "high", "alta":
		return novel.SeverityCritical
	case "major", "mayor", "medium", "media":
		return novel.SeverityMajor
	default:
		return novel.SeverityMinor
	}
}

func toReviewIssues(raw []issueResponse) []novel.ReviewIssue {
	out := make([]novel.ReviewIssue, len(raw))
	for i, r := range raw {
		out[i] = novel.ReviewIssue{
			Category:               r.Category,
			Severity:               normalizeSeverity(r.Severity),
			Description:            r.Description,
			AffectedChapters:       r.AffectedChapters,
			CorrectionInstructions: r.CorrectionInstructions,
		}
	}
	return out
}

func manuscriptText(chapters []novel.Chapter) string {
	var b strings.Builder
	for _, ch := range chapters {
		fmt.Fprintf(&b, "=== Chapter %d: %s ===\n%s\n\n", ch.ChapterNumber, ch.Title, ch.Content)
	}
	return b.String()
}

const (
	continuityBlockSize = 5
	voiceBlockSize      = 10
)

// chapterBlocks splits chapters (already sorted by number) into consecutive
// blocks of at most size chapters.
func chapterBlocks(chapters []novel.Chapter, size int) [][]novel.Chapter {
	var blocks [][]novel.Chapter
	for start := 0; start < len(chapters); start += size {
		end := start + size
		if end > len(chapters) {
			end = len(chapters)
		}
		blocks = append(blocks, chapters[start:end])
	}
	return blocks
}

func summariesText(chapters []novel.Chapter) string {
	var b strings.Builder
	for _, ch := range chapters {
		if ch.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "Cap %d: %s\n", ch.ChapterNumber, ch.Summary)
	}
	return b.String()
}

// qaFinding pairs one auditor's issues with its source so the join merges
// deterministically by source name regardless of completion order.
type qaFinding struct {
	source string
	issues []novel.ReviewIssue
}

// RunQAAudit runs the one-time pre-review pass: the
// Continuity Sentinel over 5-chapter blocks, the Voice/Rhythm Auditor over
// 10-chapter blocks, the Semantic Repetition Detector over the full
// manuscript summaries, and the Beta Reader's commercial-viability read,
// all fanned out concurrently and joined before filtering to HIGH/MEDIUM
// findings. The Beta Reader report and a structured audit report are
// persisted on the project.
func (r *Reviewer) RunQAAudit(ctx context.Context, project *novel.Project, chapters []novel.Chapter) ([]novel.ReviewIssue, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var findings []qaFinding
	var betaReport map[string]interface{}

	collect := func(source string, issues []novel.ReviewIssue) {
		mu.Lock()
		findings = append(findings, qaFinding{source: source, issues: issues})
		mu.Unlock()
	}

	auditBlock := func(role agent.Role, source, prompt, text string) func() error {
		return func() error {
			raw, err := r.agents.CreateAgent(role).ExecuteJSON(gctx, prompt, text)
			if err != nil {
				return fmt.Errorf("%s: %w", source, err)
			}
			var resp qaAuditResponse
			if err := utils.ParseJSONResponse(raw, &resp); err != nil {
				return fmt.Errorf("parsing %s response: %w", source, err)
			}
			collect(source, toReviewIssues(resp.Issues))
			return nil
		}
	}

	for i, block := range chapterBlocks(chapters, continuityBlockSize) {
		source := fmt.Sprintf("continuity_block_%d", i+1)
		g.Go(auditBlock(agent.RoleQAAuditor, source,
			"Audit this chapter block for continuity breaks, garbled text, and broken numbering.", manuscriptText(block)))
	}
	for i, block := range chapterBlocks(chapters, voiceBlockSize) {
		source := fmt.Sprintf("voice_block_%d", i+1)
		g.Go(auditBlock(agent.RoleEstilista, source,
			"Audit this chapter block for voice and rhythm drift against the established narration.", manuscriptText(block)))
	}
	g.Go(auditBlock(agent.RoleNarrativeDirector, "semantic_repetition",
		"Detect semantically repeated scenes, beats, or imagery across these chapter summaries.", summariesText(chapters)))

	g.Go(func() error {
		excerpt := betaReaderInput(chapters)
		raw, err := r.agents.CreateAgent(agent.RoleBetaReader).ExecuteJSON(gctx,
			"Evaluate this manuscript's commercial viability as a genre-savvy reader.", excerpt)
		if err != nil {
			return fmt.Errorf("beta reader: %w", err)
		}
		var report map[string]interface{}
		if err := utils.ParseJSONResponse(raw, &report); err != nil {
			return fmt.Errorf("parsing beta reader response: %w", err)
		}
		mu.Lock()
		betaReport = report
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("qa audit: %w", err)
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].source < findings[j].source })

	var issues []novel.ReviewIssue
	counts := make(map[string]interface{}, len(findings))
	for _, f := range findings {
		kept := filterActionableSeverity(f.issues)
		counts[f.source] = len(kept)
		issues = append(issues, kept...)
	}

	project.BetaReaderReport = betaReport
	project.QAAuditReport = map[string]interface{}{
		"finding_counts": counts,
		"total_findings": len(issues),
	}
	return issues, nil
}

// filterActionableSeverity keeps the HIGH/MEDIUM (critical/major, after
// severity normalization) findings the pre-review correction acts on;
// low-severity noise is dropped at the audit boundary.
func filterActionableSeverity(issues []novel.ReviewIssue) []novel.ReviewIssue {
	var out []novel.ReviewIssue
	for _, issue := range issues {
		if issue.Severity == novel.SeverityCritical || issue.Severity == novel.SeverityMajor {
			out = append(out, issue)
		}
	}
	return out
}

// betaReaderInput assembles what the Beta Reader sees: every chapter
// summary plus the opening and closing chapters' prose.
func betaReaderInput(chapters []novel.Chapter) string {
	var b strings.Builder
	b.WriteString(summariesText(chapters))
	if len(chapters) > 0 {
		fmt.Fprintf(&b, "\nPRIMER CAPÍTULO:\n%s\n", chapters[0].Content)
		if len(chapters) > 1 {
			fmt.Fprintf(&b, "\nÚLTIMO CAPÍTULO:\n%s\n", chapters[len(chapters)-1].Content)
		}
	}
	return b.String()
}

// RunFinalReview runs the Final Reviewer's scored pass, returning the full
// outcome: score, issues, the reviewer's chapters-to-rewrite selection, and
// any plot decisions or injuries it surfaced.
func (r *Reviewer) RunFinalReview(ctx context.Context, project *novel.Project, chapters []novel.Chapter) (novel.ReviewOutcome, error) {
	reviewer := r.agents.CreateAgent(agent.RoleFinalReviewer)
	input := map[string]any{
		"Genre": project.Genre,
		"Tone":  project.Tone,
		"Title": project.Title,
	}
	raw, err := reviewer.ExecuteJSON(ctx, manuscriptText(chapters), input)
	if err != nil {
		return novel.ReviewOutcome{}, fmt.Errorf("final review: %w", err)
	}
	var resp finalReviewResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return novel.ReviewOutcome{}, fmt.Errorf("parsing final review response: %w", err)
	}

	outcome := novel.ReviewOutcome{
		Score:             resp.Score,
		Issues:            toReviewIssues(resp.Issues),
		ChaptersToRewrite: resp.ChaptersToRewrite,
	}
	for _, d := range resp.NewPlotDecisions {
		outcome.NewPlotDecisions = append(outcome.NewPlotDecisions, novel.PlotDecision{
			Text:     d.Text,
			Chapter:  novel.NormalizeChapterNumber(d.Chapter),
			Severity: d.Severity,
		})
	}
	for _, inj := range resp.NewInjuries {
		outcome.NewInjuries = append(outcome.NewInjuries, novel.PersistentInjury{
			Character:       inj.Character,
			InjuryType:      inj.InjuryType,
			BodyPart:        inj.BodyPart,
			ChapterOccurred: novel.NormalizeChapterNumber(inj.ChapterOccurred),
			Severity:        inj.Severity,
			ExpectedEffect:  inj.ExpectedEffect,
			CurrentStatus:   "active",
			IsTemporary:     inj.IsTemporary,
		})
	}
	return outcome, nil
}

// Corrector implements core.CorrectionApplier via the Smart Editor persona.
type Corrector struct {
	agents Factory
}

func NewCorrector(agents Factory) *Corrector {
	return &Corrector{agents: agents}
}

// Correct asks the Smart Editor to resolve issues on one chapter. With
// fullRewrite true (critical or major issues) it requests a full rewrite;
// otherwise it asks for surgical patches first and applies them through the
// fuzzy patcher, falling back to a full rewrite only when no patch landed
// cleanly and the editor returned no full content either.
func (c *Corrector) Correct(ctx context.Context, project *novel.Project, chapter novel.Chapter, issues []novel.ReviewIssue, fullRewrite bool) (string, error) {
	if !fullRewrite {
		patched, ok, err := c.surgicalFix(ctx, chapter, issues)
		if err != nil {
			return "", err
		}
		if ok {
			return patched, nil
		}
	}
	return c.fullRewrite(ctx, chapter, issues)
}

func (c *Corrector) fullRewrite(ctx context.Context, chapter novel.Chapter, issues []novel.ReviewIssue) (string, error) {
	editor := c.agents.CreateAgent(agent.RoleSmartEditor)
	input := map[string]any{
		"Content": chapter.Content,
		"Issues":  issues,
		"Mode":    "full rewrite",
	}
	result, err := editor.Execute(ctx, fmt.Sprintf("Apply a full rewrite to chapter %d resolving the listed issues.", chapter.ChapterNumber), input)
	if err != nil {
		return "", fmt.Errorf("correcting chapter %d: %w", chapter.ChapterNumber, err)
	}
	return result, nil
}

// surgicalFixResponse is the Smart Editor's raw JSON shape in surgical
// mode: locator/replacement patches, with optional full content as its own
// fallback when it could not express an edit as a patch.
type surgicalFixResponse struct {
	Patches     []Patch `json:"patches"`
	FullContent string  `json:"full_content"`
}

// surgicalFix asks the Smart Editor for locator/replacement patches and
// applies them via ApplyPatches. It reports ok=false (no error) when
// neither a cleanly applied patch nor returned full content produced a
// usable result, letting the caller escalate to a full rewrite.
func (c *Corrector) surgicalFix(ctx context.Context, chapter novel.Chapter, issues []novel.ReviewIssue) (string, bool, error) {
	editor := c.agents.CreateAgent(agent.RoleSmartEditor)
	input := map[string]any{
		"Content": chapter.Content,
		"Issues":  issues,
		"Mode":    "surgical patch",
	}
	raw, err := editor.ExecuteJSON(ctx, fmt.Sprintf("Propose surgical patches for chapter %d resolving the listed issues.", chapter.ChapterNumber), input)
	if err != nil {
		return "", false, fmt.Errorf("surgical fix for chapter %d: %w", chapter.ChapterNumber, err)
	}
	var resp surgicalFixResponse
	if err := utils.ParseJSONResponse(raw, &resp); err != nil {
		return "", false, fmt.Errorf("parsing surgical fix for chapter %d: %w", chapter.ChapterNumber, err)
	}

	if len(resp.Patches) > 0 {
		result := ApplyPatches(chapter.Content, resp.Patches)
		if result.Success {
			return result.PatchedText, true, nil
		}
	}
	if strings.TrimSpace(resp.FullContent) != "" {
		return resp.FullContent, true, nil
	}
	return "", false, nil
}

// SimilarityRatio reports how similar two chapter texts are, 0 (disjoint)
// to 1 (identical), via normalized Levenshtein distance. The detect-and-fix
// cycle uses this alongside AcceptCorrection's whitespace check to catch
// corrections the editor claimed to make but didn't meaningfully apply.
func SimilarityRatio(before, after string) float64 {
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

var (
	_ core.ManuscriptReviewer = (*Reviewer)(nil)
	_ core.CorrectionApplier  = (*Corrector)(nil)
)
