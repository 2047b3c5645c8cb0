package core

import (
	"strings"
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func TestCheckStructuralDeviationsFlagsMissingKeyEvent(t *testing.T) {
	chapters := []novel.Chapter{{ChapterNumber: 3, Content: "Nada relevante ocurre en esta escena aburrida."}}
	outline := []novel.ChapterOutlineEntry{{Number: 3, KeyEvent: "asesinato traición venganza descubrimiento"}}

	deviations := CheckStructuralDeviations(chapters, outline, 10, 1, 5)

	found := false
	for _, d := range deviations {
		if d.Kind == DeviationMissingKeyEvent {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a missing-key-event deviation, got %+v", deviations)
	}
}

func TestCheckStructuralDeviationsFlagsWrongStructuralRole(t *testing.T) {
	// midpoint expects ~50% position; chapter 1 of 10 is 10%, well outside ±10%.
	chapters := []novel.Chapter{{ChapterNumber: 1, Content: "contenido irrelevante de prueba"}}
	outline := []novel.ChapterOutlineEntry{{Number: 1, StructuralRole: "midpoint"}}

	deviations := CheckStructuralDeviations(chapters, outline, 10, 1, 1)

	found := false
	for _, d := range deviations {
		if d.Kind == DeviationWrongStructuralRole {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a wrong-structural-role deviation, got %+v", deviations)
	}
}

func TestSelectChaptersToRewriteCapsAtThreeAndExcludesCorrected(t *testing.T) {
	deviations := []Deviation{
		{ChapterNumber: 1}, {ChapterNumber: 2}, {ChapterNumber: 2},
		{ChapterNumber: 3}, {ChapterNumber: 4},
	}
	already := map[int]bool{1: true}

	out := SelectChaptersToRewrite(deviations, already)

	if len(out) != MaxDeviatedChaptersPerCheckpoint {
		t.Fatalf("expected exactly %d chapters selected, got %d: %v", MaxDeviatedChaptersPerCheckpoint, len(out), out)
	}
	for _, n := range out {
		if n == 1 {
			t.Fatalf("already-corrected chapter must be excluded")
		}
	}
}

func coherentOutline(protagonist string) novel.PlotOutline {
	outlines := make([]novel.ChapterOutlineEntry, 0, 8)
	for n := 1; n <= 8; n++ {
		entry := novel.ChapterOutlineEntry{
			Number:  n,
			Summary: protagonist + " avanza en su búsqueda",
		}
		switch n {
		case 2:
			entry.StructuralRole = "act1_turn"
		case 4:
			entry.StructuralRole = "midpoint"
		case 6:
			entry.StructuralRole = "act2_crisis"
		}
		outlines = append(outlines, entry)
	}
	return novel.PlotOutline{ChapterOutlines: outlines}
}

func TestValidatePlanCoherenceAcceptsCompletePlan(t *testing.T) {
	problems := ValidatePlanCoherence(coherentOutline("Elena"), "Elena", 8)
	if len(problems) != 0 {
		t.Fatalf("expected a coherent plan to pass, got problems: %v", problems)
	}
}

func TestValidatePlanCoherenceFlagsMissingAndDuplicateRoles(t *testing.T) {
	plan := coherentOutline("Elena")
	plan.ChapterOutlines[3].StructuralRole = "act1_turn" // duplicate, midpoint gone

	problems := ValidatePlanCoherence(plan, "Elena", 8)

	foundDuplicate, foundMissing := false, false
	for _, p := range problems {
		if p == "el rol estructural act1_turn aparece más de una vez; debe asignarse exactamente a un capítulo" {
			foundDuplicate = true
		}
		if p == "falta el rol estructural midpoint; asignarlo exactamente a un capítulo" {
			foundMissing = true
		}
	}
	if !foundDuplicate || !foundMissing {
		t.Fatalf("expected duplicate act1_turn and missing midpoint to be flagged, got: %v", problems)
	}
}

func TestValidatePlanCoherenceFlagsLowProtagonistCoverage(t *testing.T) {
	plan := coherentOutline("Elena")
	for i := range plan.ChapterOutlines {
		plan.ChapterOutlines[i].Summary = "otros personajes hacen cosas"
	}

	problems := ValidatePlanCoherence(plan, "Elena", 8)
	if len(problems) == 0 {
		t.Fatalf("expected the 40%% protagonist coverage gate to fail")
	}
}

func TestInjectProtagonistReachesCoverage(t *testing.T) {
	plan := coherentOutline("Elena")
	for i := range plan.ChapterOutlines {
		plan.ChapterOutlines[i].Summary = "otros personajes hacen cosas"
	}

	injected, ok := InjectProtagonist(plan.ChapterOutlines, "Elena")
	if !ok {
		t.Fatalf("expected injection to reach 40%% coverage")
	}
	if protagonistCoverage(injected, "Elena") < 0.40 {
		t.Fatalf("expected coverage >= 40%% after injection")
	}

	// Critical (structural-role) chapters must be injected first.
	for _, o := range injected {
		if o.StructuralRole != "" && !strings.Contains(o.Summary, "Elena") {
			t.Fatalf("structural-role chapter %d should have been injected first: %q", o.Number, o.Summary)
		}
	}
}

func TestRunFinalNovelReviewDetectsMissingRoleAndOrphanThread(t *testing.T) {
	outline := []novel.ChapterOutlineEntry{
		{Number: 1, StructuralRole: "act1_turn", Summary: "Maria descubre el secreto"},
		{Number: 2, StructuralRole: "act2_crisis", Summary: "Maria enfrenta la crisis"},
	}
	threads := []novel.PlotThread{{Name: "hilo_huerfano", Status: "resolved", ResolutionChapter: 1}}
	counts := map[string]int{"hilo_huerfano": 1}

	result := RunFinalNovelReview(outline, "Maria", threads, counts, 998)

	foundMissing := false
	for _, r := range result.MissingRoles {
		if r == "midpoint" {
			foundMissing = true
		}
	}
	if !foundMissing {
		t.Fatalf("expected midpoint to be reported missing, got %+v", result.MissingRoles)
	}
	if len(result.OrphanThreads) != 1 || result.OrphanThreads[0] != "hilo_huerfano" {
		t.Fatalf("expected hilo_huerfano flagged as orphan (referenced in <3 chapters), got %+v", result.OrphanThreads)
	}
}
