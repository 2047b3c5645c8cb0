package pipeline

import (
	"strings"
	"testing"

	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func TestThreadResolutionScoreCountsUnnegatedHits(t *testing.T) {
	summary := "el conflicto finalmente se cerró y el hilo quedó cerrado, todo terminó bien"
	score := threadResolutionScore(summary)
	if score < 3 {
		t.Fatalf("expected score >= 3 for a clearly resolved thread, got %d", score)
	}
}

func TestThreadResolutionScoreIgnoresNegatedPhrase(t *testing.T) {
	summary := "el misterio no se cerró y sin duda nunca terminó"
	score := threadResolutionScore(summary)
	if score != 0 {
		t.Fatalf("expected negated resolution language to score 0, got %d", score)
	}
}

func TestUpdatePlotThreadsMarksResolved(t *testing.T) {
	threads := []novel.PlotThread{
		{Name: "Amenaza Volcan", Status: "active"},
	}
	summary := "La amenaza del Volcan finalmente se cerró y concluyó para siempre, el peligro terminó."
	out := updatePlotThreads(threads, summary, 12)
	if out[0].Status != "resolved" {
		t.Fatalf("expected thread resolved, got %q", out[0].Status)
	}
	if out[0].ResolutionChapter != 12 {
		t.Fatalf("expected resolution chapter 12, got %d", out[0].ResolutionChapter)
	}
}

func TestUpdatePlotThreadsMarksDeveloping(t *testing.T) {
	threads := []novel.PlotThread{
		{Name: "Secreto Elena", Status: "active"},
	}
	summary := "El secreto de Elena avanzó un poco más esta noche."
	out := updatePlotThreads(threads, summary, 7)
	if out[0].Status != "developing" {
		t.Fatalf("expected thread developing, got %q", out[0].Status)
	}
}

func TestMergeInjuriesDeduplicatesByCharacterTypeChapter(t *testing.T) {
	existing := []novel.PersistentInjury{
		{Character: "Marco", InjuryType: "fractura", BodyPart: "pierna", ChapterOccurred: 4},
	}
	fresh := []novel.PersistentInjury{
		{Character: "marco", InjuryType: "Fractura", BodyPart: "pierna", ChapterOccurred: 4},
		{Character: "Marco", InjuryType: "herida", BodyPart: "torso", ChapterOccurred: 5},
	}
	merged := novel.MergeInjuries(existing, fresh)
	if len(merged) != 2 {
		t.Fatalf("expected the duplicate to be dropped and the new injury kept, got %d entries", len(merged))
	}
}

func TestCharacterKnownMatchesCaseInsensitiveToken(t *testing.T) {
	characters := []novel.Character{{Name: "Marco Velez"}}
	if !characterKnown(characters, "marco") {
		t.Fatalf("expected a partial case-insensitive token match to count as known")
	}
	if characterKnown(characters, "Desconocido") {
		t.Fatalf("expected an unrelated name to be unknown")
	}
}

func TestLastContextWindowKeepsTailWithinLimit(t *testing.T) {
	long := strings.Repeat("palabra ", 300) // ~2400 bytes
	tail := lastContextWindow(long, 1500)
	if len(tail) > 1500 {
		t.Fatalf("tail must be at most 1500 bytes, got %d", len(tail))
	}
	if !strings.HasSuffix(long, tail) {
		t.Fatalf("tail must be a suffix of the original prose")
	}
	short := "texto corto"
	if lastContextWindow(short, 1500) != short {
		t.Fatalf("short prose must be returned whole")
	}
}

func TestLastContextWindowDoesNotSplitRunes(t *testing.T) {
	prose := strings.Repeat("á", 1000) // 2-byte runes
	tail := lastContextWindow(prose, 1501)
	for _, r := range tail {
		if r != 'á' {
			t.Fatalf("tail contains a broken rune: %q", r)
		}
	}
}

func TestSceneSummaryTakesFirstSentence(t *testing.T) {
	prose := "Elena encontró la carta. Después bajó las escaleras corriendo y salió a la calle."
	if got := sceneSummary(prose); got != "Elena encontró la carta." {
		t.Fatalf("expected the first sentence, got %q", got)
	}
}

func TestUnknownCharacterWarningFlagsOnlyUnknown(t *testing.T) {
	known := []novel.Character{{Name: "Elena Ruiz"}, {Name: "Marco"}}
	warn := unknownCharacterWarning(known, []string{"elena", "Fantasma"})
	if warn == "" {
		t.Fatalf("expected a warning for the unknown character")
	}
	if !strings.Contains(warn, "Fantasma") {
		t.Fatalf("warning must name the unknown character, got %q", warn)
	}
	if strings.Contains(warn, "elena") {
		t.Fatalf("known character must not be flagged, got %q", warn)
	}
	if got := unknownCharacterWarning(known, []string{"Marco"}); got != "" {
		t.Fatalf("all-known scene must produce no warning, got %q", got)
	}
}

func TestBuildConstraintsIncludesInjuryCapabilitiesAndUrgency(t *testing.T) {
	p := &Pipeline{}
	project := &novel.Project{RewriteGuidance: "evita flashbacks"}
	bible := novel.WorldBible{
		PersistentInjuries: []novel.PersistentInjury{
			{Character: "Marco", InjuryType: "fractura", BodyPart: "pierna"},
		},
		PlotOutline: novel.PlotOutline{
			ChapterOutlines: []novel.ChapterOutlineEntry{{Number: 18}, {Number: 19}, {Number: 20}},
			PlotThreads:     []novel.PlotThread{{Name: "Hilo Principal", Goal: "encontrar la verdad", Status: "active"}},
		},
	}
	plan := core.ChapterPlan{Outline: novel.ChapterOutlineEntry{Number: 18}}
	out := p.buildConstraints(project, bible, plan)
	if !strings.Contains(out, "PRIORIDAD MÁXIMA") {
		t.Fatalf("expected rewrite guidance block, got: %s", out)
	}
	if !strings.Contains(out, "NO PUEDE") {
		t.Fatalf("expected injury capability expansion, got: %s", out)
	}
	if !strings.Contains(out, "URGENTE") {
		t.Fatalf("expected urgency block with 2 regular chapters remaining and an unresolved thread, got: %s", out)
	}
}
