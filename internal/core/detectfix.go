package core

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// DetectFixConfig bounds the detect-and-fix cycle's termination guarantees.
type DetectFixConfig struct {
	MaxCycles                    int
	MaxCorrectionsPerChapter     int
	PersistentIssueCycleThreshold int
	ScoreThreshold               float64
	RequiredConsecutiveHighScores int
}

// DefaultDetectFixConfig returns the defaults: 15 cycles, 4
// corrections per chapter, escalate at 3 cycles, score ≥ 9 for two
// consecutive cycles with zero pending issues.
func DefaultDetectFixConfig() DetectFixConfig {
	return DetectFixConfig{
		MaxCycles:                     15,
		MaxCorrectionsPerChapter:      4,
		PersistentIssueCycleThreshold: 3,
		ScoreThreshold:                9.0,
		RequiredConsecutiveHighScores: 2,
	}
}

var mergeRequestPhrases = []string{"fusionar", "combinar", "unir los capítulos", "unir los capitulos", "merge chapter", "fuse chapter", "combine chapter"}

var structuralIssuePhrases = []string{"mover el capítulo", "mover el capitulo", "mover al final", "renombrar el título", "renombrar el titulo", "reordenar", "al principio", "al final de la novela"}

var resurrectionPhrases = []string{"muerta aparece activa", "muerto aparece activo", "reaparece con vida", "sigue vivo tras su muerte", "sigue viva tras su muerte"}

// ReinterpretMergeRequests rewrites any issue whose text mentions a
// merge/fuse/combine-chapter phrase into a condensation instruction,
// since a chapter merge cannot be executed mechanically.
func ReinterpretMergeRequests(issues []novel.ReviewIssue) []novel.ReviewIssue {
	out := make([]novel.ReviewIssue, len(issues))
	for i, issue := range issues {
		if containsAnyFold(issue.Description, mergeRequestPhrases) || containsAnyFold(issue.CorrectionInstructions, mergeRequestPhrases) {
			issue.Category = "ritmo"
			issue.CorrectionInstructions = "Condensar el contenido de los capítulos afectados en lugar de fusionarlos mecánicamente: " + issue.CorrectionInstructions
		}
		out[i] = issue
	}
	return out
}

// AutoResolveStructural marks an issue resolved without rewriting when it
// matches a structural-issue pattern (move/rename/reorder) and every
// affected chapter has already been corrected at least twice — this
// prevents infinite loops on rewrite-unfixable structural requests.
func AutoResolveStructural(issues []novel.ReviewIssue, correctionCounts map[string]int) (resolved []novel.ReviewIssue, remaining []novel.ReviewIssue, logEntries []string) {
	for _, issue := range issues {
		isStructural := containsAnyFold(issue.Description, structuralIssuePhrases) || containsAnyFold(issue.CorrectionInstructions, structuralIssuePhrases)
		if !isStructural {
			remaining = append(remaining, issue)
			continue
		}
		allCorrectedTwice := len(issue.AffectedChapters) > 0
		for _, ch := range issue.AffectedChapters {
			key := chapterKey(ch)
			if correctionCounts[key] < 2 {
				allCorrectedTwice = false
				break
			}
		}
		if allCorrectedTwice {
			resolved = append(resolved, issue)
			logEntries = append(logEntries, "aceptado con reservas — requiere edición manual: "+issue.Description)
		} else {
			remaining = append(remaining, issue)
		}
	}
	return resolved, remaining, logEntries
}

func chapterKey(dbNumber int) string {
	return strconv.Itoa(novel.NormalizeChapterNumber(dbNumber))
}

// EscalationResult describes an issue whose persistence count has reached
// the escalation threshold.
type EscalationResult struct {
	Issue            novel.ReviewIssue
	IsResurrection   bool
	ExpandedChapters []int // for resurrection escalation: all chapters after death
	Instruction      string
}

// TrackPersistentIssues updates the _persistentIssues counters under
// project.ChapterCorrectionCounts and returns issues whose count has
// reached the cycle threshold for escalation. For resurrection-type issues
// (a dead character reappearing active), the affected-chapters set is
// expanded to every chapter after the death chapter with an explicit
// removal instruction.
func TrackPersistentIssues(counts map[string]int, issues []novel.ReviewIssue, threshold int, deathChapterOf func(characterMentioned string) (chapter int, ok bool), lastChapter int) []EscalationResult {
	if counts == nil {
		counts = make(map[string]int)
	}

	var escalations []EscalationResult
	for _, issue := range issues {
		counts[novel.PersistentIssuesKey+"|"+issue.Hash()]++
		count := counts[novel.PersistentIssuesKey+"|"+issue.Hash()]
		if count < threshold {
			continue
		}

		isResurrection := containsAnyFold(issue.Description, resurrectionPhrases)
		result := EscalationResult{Issue: issue, IsResurrection: isResurrection}
		if isResurrection {
			if deathCh, ok := deathChapterOf(issue.Description); ok {
				for ch := deathCh + 1; ch <= lastChapter; ch++ {
					result.ExpandedChapters = append(result.ExpandedChapters, ch)
				}
				result.Instruction = "Eliminar todas las apariciones activas después del capítulo " + strconv.Itoa(deathCh) + "; solo permitidas en flashbacks marcados."
			}
		}
		escalations = append(escalations, result)
	}
	return escalations
}

// ExtractAffectedChapters performs the safety-net extraction: if
// chaptersToRewrite is empty but issues reference chapters, return the
// union of all referenced chapters.
func ExtractAffectedChapters(chaptersToRewrite []int, issues []novel.ReviewIssue) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(ch int) {
		n := novel.NormalizeChapterNumber(ch)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(chaptersToRewrite) > 0 {
		for _, ch := range chaptersToRewrite {
			add(ch)
		}
		return out
	}
	for _, issue := range issues {
		for _, ch := range issue.AffectedChapters {
			add(ch)
		}
	}
	return out
}

// ConvergenceDecision is the result of applying the convergence gate to one
// cycle's final-review outcome.
type ConvergenceDecision struct {
	Completed             bool
	ConsecutiveHighScores int
	ShouldAttemptCorrections bool
}

// ApplyConvergenceGate: score ≥ 9 with zero
// actionable issues increments consecutive_high_scores (completing the
// manuscript at 2); score ≥ 9 with issues remaining does not increment but
// still attempts corrections; score < 9 resets the counter to zero.
// The boundary is exact: 9.0 qualifies, 8.999 does not.
func ApplyConvergenceGate(score float64, actionableIssueCount int, consecutiveHighScores int, required int, threshold float64) ConvergenceDecision {
	if score < threshold {
		return ConvergenceDecision{ConsecutiveHighScores: 0, ShouldAttemptCorrections: true}
	}
	if actionableIssueCount == 0 {
		next := consecutiveHighScores + 1
		if next >= required {
			return ConvergenceDecision{Completed: true, ConsecutiveHighScores: next}
		}
		return ConvergenceDecision{ConsecutiveHighScores: next, ShouldAttemptCorrections: false}
	}
	return ConvergenceDecision{ConsecutiveHighScores: consecutiveHighScores, ShouldAttemptCorrections: true}
}

// MaxCorrectionRetries bounds how many progressively more aggressive
// retries follow a correction attempt that changed nothing, before the
// final simplified-top-3 full-rewrite fallback.
const MaxCorrectionRetries = 3

// aggressiveRetryInstructions escalate per retry attempt (1-indexed).
var aggressiveRetryInstructions = []string{
	"",
	"La corrección anterior no cambió el texto. Aplicar los cambios de forma explícita y visible en los pasajes afectados.",
	"REINTENTO: reescribir por completo cada pasaje afectado; no conservar la redacción original de los fragmentos problemáticos.",
	"ÚLTIMO REINTENTO: reescribir agresivamente todo pasaje relacionado con los problemas listados, aunque el cambio resulte extenso.",
}

// EscalateInstructions returns a copy of issues with the retry attempt's
// aggressive instruction prepended to each correction instruction, so a
// second or third pass over an unchanged chapter does not repeat the exact
// request that already failed.
func EscalateInstructions(issues []novel.ReviewIssue, attempt int) []novel.ReviewIssue {
	if attempt <= 0 || attempt >= len(aggressiveRetryInstructions) {
		return issues
	}
	prefix := aggressiveRetryInstructions[attempt]
	out := make([]novel.ReviewIssue, len(issues))
	for i, issue := range issues {
		if issue.CorrectionInstructions == "" {
			issue.CorrectionInstructions = prefix
		} else {
			issue.CorrectionInstructions = prefix + " " + issue.CorrectionInstructions
		}
		out[i] = issue
	}
	return out
}

var severityWeight = map[novel.ViolationSeverity]int{
	novel.SeverityCritical: 3,
	novel.SeverityMajor:    2,
	novel.SeverityMinor:    1,
}

// SimplifyTopIssues picks the n most severe issues and strips their
// correction instructions down to the bare description, the shape the
// final-fallback full rewrite uses after every retry failed.
func SimplifyTopIssues(issues []novel.ReviewIssue, n int) []novel.ReviewIssue {
	sorted := append([]novel.ReviewIssue(nil), issues...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityWeight[sorted[i].Severity] > severityWeight[sorted[j].Severity]
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	for i := range sorted {
		sorted[i].CorrectionInstructions = ""
	}
	return sorted
}

// CanCorrect reports whether a chapter is still under its correction cap.
func CanCorrect(counts map[string]int, dbChapterNumber int, cap int) bool {
	return counts[chapterKey(dbChapterNumber)] < cap
}

// RecordCorrection increments a chapter's correction count.
func RecordCorrection(counts map[string]int, dbChapterNumber int) {
	if counts == nil {
		return
	}
	counts[chapterKey(dbChapterNumber)]++
}

// GroupIssuesByChapter aggregates issues by their (normalized) affected
// chapters, respecting ascending chapter order for correction application.
func GroupIssuesByChapter(issues []novel.ReviewIssue) map[int][]novel.ReviewIssue {
	grouped := make(map[int][]novel.ReviewIssue)
	for _, issue := range issues {
		for _, ch := range issue.AffectedChapters {
			n := novel.NormalizeChapterNumber(ch)
			grouped[n] = append(grouped[n], issue)
		}
	}
	return grouped
}

// HasCriticalOrMajor reports whether any issue in the slice is critical or
// major severity, which selects full-rewrite mode over the lighter
// surgical-patch mode.
func HasCriticalOrMajor(issues []novel.ReviewIssue) bool {
	for _, issue := range issues {
		if issue.Severity == novel.SeverityCritical || issue.Severity == novel.SeverityMajor {
			return true
		}
	}
	return false
}

// acceptCorrectionMinLength is the floor below which a
// correction candidate is rejected even if it differs from the original.
const acceptCorrectionMinLength = 100

// AcceptCorrection reports whether a candidate rewrite should replace the
// original: it must differ from the original by more than whitespace, and
// be at least acceptCorrectionMinLength chars long.
func AcceptCorrection(original, candidate string) bool {
	if candidate == "" || len(candidate) < acceptCorrectionMinLength {
		return false
	}
	return normalizeWhitespace(original) != normalizeWhitespace(candidate)
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
