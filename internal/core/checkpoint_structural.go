package core

import (
	"strings"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// StructuralRoleWindow is the prescribed fractional-position window for a
// named three-act turning point, e.g. act1_turn at ~25% ± 10%.
var StructuralRoleWindow = map[string]float64{
	"act1_turn": 0.25,
	"midpoint":  0.50,
	"act2_crisis": 0.75,
}

const structuralRoleTolerance = 0.10

// DeviationKind enumerates the ways a written chapter can deviate from its
// planned outline entry.
type DeviationKind string

const (
	DeviationMissingKeyEvent    DeviationKind = "missing_key_event"
	DeviationWrongStructuralRole DeviationKind = "wrong_structural_role"
	DeviationCharacterContradiction DeviationKind = "character_contradiction"
	DeviationTimelineOrder      DeviationKind = "timeline_order"
)

// Deviation is one flagged discrepancy between a written chapter and its
// outline entry.
type Deviation struct {
	ChapterNumber int
	Kind          DeviationKind
	Detail        string
}

// keyEventCoverage returns the fraction of key_event keywords (words ≥4
// chars) that appear, case-insensitively, in the chapter text.
func keyEventCoverage(keyEvent, chapterText string) float64 {
	words := strings.Fields(keyEvent)
	var keywords []string
	for _, w := range words {
		w = strings.ToLower(stripPunctuation(w))
		if len([]rune(w)) >= 4 {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) == 0 {
		return 1.0
	}
	lowerText := strings.ToLower(chapterText)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lowerText, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// structuralRolePosition returns a chapter's fractional position among
// totalRegularChapters (1-indexed).
func structuralRolePosition(chapterNumber, totalRegularChapters int) float64 {
	if totalRegularChapters <= 0 {
		return 0
	}
	return float64(chapterNumber) / float64(totalRegularChapters)
}

// CheckStructuralDeviations compares written chapters in [rangeStart,
// rangeEnd] against their outline entries and flags deviations: missing key
// event (<30% lexical coverage), wrong structural role (outside its ±10%
// position window), and absent entries omitted by the caller are not
// flagged here (a missing chapter is reported separately by the caller).
func CheckStructuralDeviations(chapters []novel.Chapter, outline []novel.ChapterOutlineEntry, totalRegularChapters, rangeStart, rangeEnd int) []Deviation {
	var deviations []Deviation

	outlineByNumber := make(map[int]novel.ChapterOutlineEntry, len(outline))
	for _, o := range outline {
		outlineByNumber[novel.NormalizeChapterNumber(o.Number)] = o
	}

	for _, ch := range chapters {
		num := novel.NormalizeChapterNumber(ch.ChapterNumber)
		if num < rangeStart || num > rangeEnd {
			continue
		}
		entry, ok := outlineByNumber[num]
		if !ok {
			continue
		}

		if coverage := keyEventCoverage(entry.KeyEvent, ch.Content); coverage < 0.30 {
			deviations = append(deviations, Deviation{
				ChapterNumber: num,
				Kind:          DeviationMissingKeyEvent,
				Detail:        "key event lexical coverage below 30%",
			})
		}

		if entry.StructuralRole != "" {
			expected, known := StructuralRoleWindow[entry.StructuralRole]
			if known {
				actual := structuralRolePosition(num, totalRegularChapters)
				if actual < expected-structuralRoleTolerance || actual > expected+structuralRoleTolerance {
					deviations = append(deviations, Deviation{
						ChapterNumber: num,
						Kind:          DeviationWrongStructuralRole,
						Detail:        "structural role outside its position window",
					})
				}
			}
		}
	}

	return deviations
}

// MaxDeviatedChaptersPerCheckpoint bounds how many deviated chapters one
// checkpoint invocation will fully rewrite.
const MaxDeviatedChaptersPerCheckpoint = 3

// SelectChaptersToRewrite applies the per-invocation cap and the
// already-corrected exclusion set, returning at most
// MaxDeviatedChaptersPerCheckpoint chapter numbers to rewrite.
func SelectChaptersToRewrite(deviations []Deviation, alreadyCorrected map[int]bool) []int {
	seen := make(map[int]bool)
	var out []int
	for _, d := range deviations {
		if alreadyCorrected[d.ChapterNumber] || seen[d.ChapterNumber] {
			continue
		}
		seen[d.ChapterNumber] = true
		out = append(out, d.ChapterNumber)
		if len(out) >= MaxDeviatedChaptersPerCheckpoint {
			break
		}
	}
	return out
}

// protagonistCoverage returns the fraction of regular outline entries whose
// summary or key event mentions the protagonist by name.
func protagonistCoverage(outline []novel.ChapterOutlineEntry, protagonist string) float64 {
	lowerName := strings.ToLower(protagonist)
	regular, hits := 0, 0
	for _, o := range outline {
		if novel.IsSpecialChapter(novel.NormalizeChapterNumber(o.Number)) {
			continue
		}
		regular++
		if strings.Contains(strings.ToLower(o.Summary), lowerName) || strings.Contains(strings.ToLower(o.KeyEvent), lowerName) {
			hits++
		}
	}
	if regular == 0 {
		return 1
	}
	return float64(hits) / float64(regular)
}

// ValidatePlanCoherence checks a freshly generated plot outline before any
// prose is written: every required structural role present exactly once, the
// protagonist named in at least 40% of regular chapter summaries or key
// events, and the regular chapter count matching the project's target.
// It returns one correction instruction per failed gate, empty when the plan
// is coherent; the architecture phase injects these into its regeneration
// prompt.
func ValidatePlanCoherence(plan novel.PlotOutline, protagonist string, targetChapterCount int) []string {
	var problems []string

	roleCounts := map[string]int{"act1_turn": 0, "midpoint": 0, "act2_crisis": 0}
	regular := 0
	for _, o := range plan.ChapterOutlines {
		if _, tracked := roleCounts[o.StructuralRole]; tracked {
			roleCounts[o.StructuralRole]++
		}
		if !novel.IsSpecialChapter(novel.NormalizeChapterNumber(o.Number)) {
			regular++
		}
	}
	for _, role := range []string{"act1_turn", "midpoint", "act2_crisis"} {
		switch roleCounts[role] {
		case 0:
			problems = append(problems, "falta el rol estructural "+role+"; asignarlo exactamente a un capítulo")
		case 1:
		default:
			problems = append(problems, "el rol estructural "+role+" aparece más de una vez; debe asignarse exactamente a un capítulo")
		}
	}

	if targetChapterCount > 0 && regular != targetChapterCount {
		problems = append(problems, "el esquema tiene un número de capítulos regulares distinto del objetivo; ajustar al conteo pedido")
	}

	if protagonist != "" && protagonistCoverage(plan.ChapterOutlines, protagonist) < 0.40 {
		problems = append(problems, "la protagonista debe aparecer por nombre en al menos el 40% de los resúmenes o eventos clave de los capítulos regulares")
	}

	return problems
}

// InjectProtagonist is the post-processor applied after the architecture
// phase exhausts its regeneration cap: it injects the protagonist's name
// into chapter summaries, critical (structural-role) chapters first, until
// the 40% coverage requirement is met. Returns the updated outline and
// whether coverage was reached.
func InjectProtagonist(outline []novel.ChapterOutlineEntry, protagonist string) ([]novel.ChapterOutlineEntry, bool) {
	if protagonist == "" {
		return outline, false
	}
	out := append([]novel.ChapterOutlineEntry(nil), outline...)
	lowerName := strings.ToLower(protagonist)

	mentions := func(o novel.ChapterOutlineEntry) bool {
		return strings.Contains(strings.ToLower(o.Summary), lowerName) || strings.Contains(strings.ToLower(o.KeyEvent), lowerName)
	}
	inject := func(i int) {
		if strings.TrimSpace(out[i].Summary) == "" {
			out[i].Summary = protagonist + " protagoniza este capítulo."
			return
		}
		out[i].Summary = protagonist + ": " + out[i].Summary
	}

	// Critical chapters first, then the rest in order until coverage holds.
	for pass := 0; pass < 2; pass++ {
		for i := range out {
			if protagonistCoverage(out, protagonist) >= 0.40 {
				return out, true
			}
			if novel.IsSpecialChapter(novel.NormalizeChapterNumber(out[i].Number)) || mentions(out[i]) {
				continue
			}
			critical := out[i].StructuralRole != ""
			if (pass == 0 && critical) || (pass == 1 && !critical) {
				inject(i)
			}
		}
	}
	return out, protagonistCoverage(out, protagonist) >= 0.40
}

// FinalNovelReviewResult is the set of end-of-novel structural gates.
type FinalNovelReviewResult struct {
	MissingRoles          []string
	DuplicateRoles        []string
	ProtagonistCoverageOK bool
	UnresolvedThreads     []string
	OrphanThreads         []string
}

// RunFinalNovelReview checks: the three required structural roles are each
// present exactly once, the protagonist's name appears in ≥40% of regular
// chapter summaries/key events, all plot threads are resolved with a
// resolution chapter before the epilogue, and no thread is an orphan
// (referenced in <3 regular chapters).
func RunFinalNovelReview(outline []novel.ChapterOutlineEntry, protagonistName string, threads []novel.PlotThread, threadChapterCounts map[string]int, epilogueChapter int) FinalNovelReviewResult {
	var result FinalNovelReviewResult

	roleCounts := map[string]int{"act1_turn": 0, "midpoint": 0, "act2_crisis": 0}
	for _, o := range outline {
		if _, tracked := roleCounts[o.StructuralRole]; tracked {
			roleCounts[o.StructuralRole]++
		}
	}
	for role, count := range roleCounts {
		if count == 0 {
			result.MissingRoles = append(result.MissingRoles, role)
		} else if count > 1 {
			result.DuplicateRoles = append(result.DuplicateRoles, role)
		}
	}

	regularCount := 0
	nameHits := 0
	lowerName := strings.ToLower(protagonistName)
	for _, o := range outline {
		num := novel.NormalizeChapterNumber(o.Number)
		if novel.IsSpecialChapter(num) {
			continue
		}
		regularCount++
		if strings.Contains(strings.ToLower(o.Summary), lowerName) || strings.Contains(strings.ToLower(o.KeyEvent), lowerName) {
			nameHits++
		}
	}
	if regularCount > 0 {
		result.ProtagonistCoverageOK = float64(nameHits)/float64(regularCount) >= 0.40
	} else {
		result.ProtagonistCoverageOK = true
	}

	for _, t := range threads {
		if t.Status != "resolved" || t.ResolutionChapter == 0 || t.ResolutionChapter >= epilogueChapter {
			result.UnresolvedThreads = append(result.UnresolvedThreads, t.Name)
		}
		if threadChapterCounts[t.Name] < 3 {
			result.OrphanThreads = append(result.OrphanThreads, t.Name)
		}
	}

	return result
}
