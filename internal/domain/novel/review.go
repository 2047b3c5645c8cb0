package novel

import (
	"strconv"
	"strings"
)

// ReviewOutcome is everything a Final Reviewer pass hands back: the global
// score, the issue list, the reviewer's own chapters-to-rewrite selection
// (may be empty, in which case the affected-chapter safety net applies),
// and any plot decisions or persistent injuries it surfaced while reading.
type ReviewOutcome struct {
	Score             float64
	Issues            []ReviewIssue
	ChaptersToRewrite []int
	NewPlotDecisions  []PlotDecision
	NewInjuries       []PersistentInjury
}

// MergeInjuries folds fresh injuries into the existing list without
// duplicating on (character, injury type, chapter).
func MergeInjuries(existing, fresh []PersistentInjury) []PersistentInjury {
	seen := make(map[string]bool, len(existing))
	for _, inj := range existing {
		seen[injuryMergeKey(inj)] = true
	}
	out := append([]PersistentInjury(nil), existing...)
	for _, inj := range fresh {
		key := injuryMergeKey(inj)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, inj)
	}
	return out
}

func injuryMergeKey(inj PersistentInjury) string {
	return strings.ToLower(inj.Character) + "|" + strings.ToLower(inj.InjuryType) + "|" + strconv.Itoa(NormalizeChapterNumber(inj.ChapterOccurred))
}

// MergePlotDecisions folds fresh decisions into the existing list. On a
// duplicate (decision text, chapter) pair the first occurrence wins and the
// later one is dropped, including its severity.
func MergePlotDecisions(existing, fresh []PlotDecision) []PlotDecision {
	seen := make(map[string]bool, len(existing))
	for _, d := range existing {
		seen[decisionMergeKey(d)] = true
	}
	out := append([]PlotDecision(nil), existing...)
	for _, d := range fresh {
		key := decisionMergeKey(d)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

func decisionMergeKey(d PlotDecision) string {
	return strings.ToLower(strings.TrimSpace(d.Text)) + "|" + strconv.Itoa(NormalizeChapterNumber(d.Chapter))
}
