package core

import (
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func TestReinterpretMergeRequests(t *testing.T) {
	issues := []novel.ReviewIssue{
		{Category: "estructura", Description: "Se recomienda fusionar los capítulos 3 y 4", AffectedChapters: []int{3, 4}},
		{Category: "estilo", Description: "Repite la misma metáfora", AffectedChapters: []int{5}},
	}
	out := ReinterpretMergeRequests(issues)
	if out[0].Category != "ritmo" {
		t.Fatalf("expected merge-request issue recategorized to ritmo, got %q", out[0].Category)
	}
	if out[1].Category != "estilo" {
		t.Fatalf("non-merge issue should be untouched, got %q", out[1].Category)
	}
}

func TestAutoResolveStructural(t *testing.T) {
	issues := []novel.ReviewIssue{
		{Category: "estructura", Description: "mover el capítulo 5 al final de la novela", AffectedChapters: []int{5}},
		{Category: "continuidad", Description: "el color de ojos cambió", AffectedChapters: []int{6}},
	}
	counts := map[string]int{"5": 2}
	resolved, remaining, logs := AutoResolveStructural(issues, counts)
	if len(resolved) != 1 || len(remaining) != 1 {
		t.Fatalf("expected 1 resolved, 1 remaining, got %d/%d", len(resolved), len(remaining))
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
}

func TestAutoResolveStructuralNotYetCorrectedTwice(t *testing.T) {
	issues := []novel.ReviewIssue{
		{Category: "estructura", Description: "reordenar la escena de apertura", AffectedChapters: []int{2}},
	}
	counts := map[string]int{"2": 1}
	resolved, remaining, _ := AutoResolveStructural(issues, counts)
	if len(resolved) != 0 || len(remaining) != 1 {
		t.Fatalf("expected issue to remain pending until corrected twice, got resolved=%d remaining=%d", len(resolved), len(remaining))
	}
}

func TestApplyConvergenceGate(t *testing.T) {
	cfg := DefaultDetectFixConfig()

	d := ApplyConvergenceGate(9.0, 0, 0, cfg.RequiredConsecutiveHighScores, cfg.ScoreThreshold)
	if d.Completed || d.ConsecutiveHighScores != 1 {
		t.Fatalf("first qualifying cycle should not complete, got %+v", d)
	}

	d2 := ApplyConvergenceGate(9.0, 0, d.ConsecutiveHighScores, cfg.RequiredConsecutiveHighScores, cfg.ScoreThreshold)
	if !d2.Completed {
		t.Fatalf("second consecutive qualifying cycle should complete, got %+v", d2)
	}

	d3 := ApplyConvergenceGate(8.999, 0, 1, cfg.RequiredConsecutiveHighScores, cfg.ScoreThreshold)
	if d3.ConsecutiveHighScores != 0 || !d3.ShouldAttemptCorrections {
		t.Fatalf("below-threshold score must reset the streak, got %+v", d3)
	}

	d4 := ApplyConvergenceGate(9.5, 2, 1, cfg.RequiredConsecutiveHighScores, cfg.ScoreThreshold)
	if d4.Completed || d4.ConsecutiveHighScores != 1 || !d4.ShouldAttemptCorrections {
		t.Fatalf("high score with pending issues must not increment streak, got %+v", d4)
	}
}

func TestTrackPersistentIssuesEscalatesAtThreshold(t *testing.T) {
	issue := novel.ReviewIssue{Category: "continuidad", Description: "Marco reaparece con vida", AffectedChapters: []int{10}}
	counts := map[string]int{}
	deathLookup := func(string) (int, bool) { return 8, true }

	var escalations []EscalationResult
	for i := 0; i < 3; i++ {
		escalations = TrackPersistentIssues(counts, []novel.ReviewIssue{issue}, 3, deathLookup, 12)
	}
	if len(escalations) != 1 {
		t.Fatalf("expected escalation on third cycle, got %d", len(escalations))
	}
	if !escalations[0].IsResurrection {
		t.Fatalf("expected resurrection escalation to be flagged")
	}
	if len(escalations[0].ExpandedChapters) != 4 {
		t.Fatalf("expected chapters 9-12 expanded, got %v", escalations[0].ExpandedChapters)
	}
}

func TestExtractAffectedChaptersSafetyNet(t *testing.T) {
	issues := []novel.ReviewIssue{
		{AffectedChapters: []int{3, 4}},
		{AffectedChapters: []int{4, 5}},
	}
	got := ExtractAffectedChapters(nil, issues)
	if len(got) != 3 {
		t.Fatalf("expected union of 3 distinct chapters, got %v", got)
	}

	explicit := ExtractAffectedChapters([]int{1, 2}, issues)
	if len(explicit) != 2 {
		t.Fatalf("explicit rewrite list should pass through unchanged, got %v", explicit)
	}
}

func TestEscalateInstructionsPrefixesPerAttempt(t *testing.T) {
	issues := []novel.ReviewIssue{{Description: "final abrupto", CorrectionInstructions: "cerrar la escena"}}

	first := EscalateInstructions(issues, 0)
	if first[0].CorrectionInstructions != "cerrar la escena" {
		t.Fatalf("attempt 0 must leave instructions untouched, got %q", first[0].CorrectionInstructions)
	}

	second := EscalateInstructions(issues, 1)
	if second[0].CorrectionInstructions == issues[0].CorrectionInstructions {
		t.Fatalf("retry attempt must escalate the instruction")
	}
	if issues[0].CorrectionInstructions != "cerrar la escena" {
		t.Fatalf("escalation must not mutate the caller's issues")
	}

	third := EscalateInstructions(issues, 2)
	if third[0].CorrectionInstructions == second[0].CorrectionInstructions {
		t.Fatalf("each retry must carry a different, more aggressive instruction")
	}
}

func TestSimplifyTopIssuesPicksMostSevereAndStripsInstructions(t *testing.T) {
	issues := []novel.ReviewIssue{
		{Description: "menor 1", Severity: novel.SeverityMinor, CorrectionInstructions: "x"},
		{Description: "critico", Severity: novel.SeverityCritical, CorrectionInstructions: "y"},
		{Description: "mayor 1", Severity: novel.SeverityMajor, CorrectionInstructions: "z"},
		{Description: "mayor 2", Severity: novel.SeverityMajor, CorrectionInstructions: "w"},
	}
	top := SimplifyTopIssues(issues, 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(top))
	}
	if top[0].Severity != novel.SeverityCritical {
		t.Fatalf("most severe issue must come first, got %q", top[0].Severity)
	}
	for _, issue := range top {
		if issue.Severity == novel.SeverityMinor {
			t.Fatalf("the minor issue must be dropped in favor of the two majors")
		}
		if issue.CorrectionInstructions != "" {
			t.Fatalf("simplified issues must carry only their description")
		}
	}
}

func TestCanCorrectRespectsCap(t *testing.T) {
	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		if !CanCorrect(counts, 7, 4) {
			t.Fatalf("expected chapter correctable at attempt %d", i)
		}
		RecordCorrection(counts, 7)
	}
	if CanCorrect(counts, 7, 4) {
		t.Fatalf("expected chapter to hit its correction cap after 4 attempts")
	}
}

func TestAcceptCorrectionRejectsWhitespaceOnlyChange(t *testing.T) {
	original := "El sol se ponía  lentamente."
	candidate := "El sol se ponía lentamente."
	if AcceptCorrection(original, candidate) {
		t.Fatalf("whitespace-only difference should not be accepted as a correction")
	}

	longCandidate := "El sol se ponía lentamente sobre el mar, tiñendo las olas de un naranja profundo mientras las gaviotas se alejaban hacia el horizonte."
	if !AcceptCorrection(original, longCandidate) {
		t.Fatalf("a real textual change at or above the minimum length should be accepted")
	}
	if AcceptCorrection(original, "") {
		t.Fatalf("empty candidate should never be accepted")
	}
}

func TestAcceptCorrectionRejectsBelowMinimumLength(t *testing.T) {
	original := "El sol se ponía  lentamente."
	if AcceptCorrection(original, "El sol se ponía lentamente sobre el mar.") {
		t.Fatalf("a differing candidate shorter than the minimum length must still be rejected")
	}
}

func TestHasCriticalOrMajor(t *testing.T) {
	issues := []novel.ReviewIssue{{Severity: novel.SeverityMinor}}
	if HasCriticalOrMajor(issues) {
		t.Fatalf("all-minor issue set should not require full rewrite")
	}
	issues = append(issues, novel.ReviewIssue{Severity: novel.SeverityCritical})
	if !HasCriticalOrMajor(issues) {
		t.Fatalf("expected critical issue to select full-rewrite mode")
	}
}
