package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// scenePlanInput carries just the fields the Ghostwriter prompt needs,
// decoupled from novel.ScenePlan so the prompt template input shape can
// evolve independently of the persisted domain type.
type scenePlanInput struct {
	SceneNum      int
	Characters    []string
	Setting       string
	PlotBeat      string
	EmotionalBeat string
	EndingHook    string
	ChapterTitle  string
	ChapterNumber int
	// PriorContext is the tail of the previous scene's prose (or the prior
	// chapter's tail for the first scene), carried scene to scene.
	PriorContext string
	// RollingSummary is the "Cap N: ..." digest of the last 3 chapters.
	RollingSummary string
	// ChapterSoFar is the prose already written for this chapter.
	ChapterSoFar string
	// OutlineSummary is the chapter's outline entry summary, for strict
	// adherence.
	OutlineSummary string
	PatternAdvice  string
}

// lastContextWindow returns the final n bytes of prose, aligned to a rune
// boundary so a multi-byte character is never split.
func lastContextWindow(prose string, n int) string {
	if len(prose) <= n {
		return prose
	}
	tail := prose[len(prose)-n:]
	for i := 0; i < len(tail) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(tail[i]) {
			return tail[i:]
		}
	}
	return tail
}

// sceneSummary extracts a brief summary for a scene plan's actual_summary
// annotation: the scene's first sentence, capped at 200 characters.
func sceneSummary(prose string) string {
	trimmed := strings.TrimSpace(prose)
	if idx := strings.IndexAny(trimmed, ".!?"); idx > 0 && idx < 200 {
		return trimmed[:idx+1]
	}
	runes := []rune(trimmed)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return trimmed
}

// unknownCharacterWarning runs the pre-scene character check: any scene
// character absent from the World Bible produces a warning block the
// Ghostwriter sees before the regular constraints.
func unknownCharacterWarning(known []novel.Character, sceneCharacters []string) string {
	var unknown []string
	for _, name := range sceneCharacters {
		if !characterKnown(known, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return ""
	}
	return "ADVERTENCIA: los siguientes personajes no figuran en la biblia del mundo: " +
		strings.Join(unknown, ", ") +
		". No inventar rasgos nuevos para ellos; mantenerlos incidentales."
}

// auditTask adapts one cross-auditor role into phase.WorkItem so the
// WorkerPool can fan the triple audit out with errgroup underneath.
type auditTask struct {
	name string
	role agent.Role
}

func (t auditTask) ID() string    { return t.name }
func (t auditTask) Priority() int { return 0 }

// auditOutcome carries one auditor's verdict; a failed auditor records its
// error here rather than aborting its siblings, so the merge step can work
// with whatever subset of verdicts arrived.
type auditOutcome struct {
	name    string
	verdict auditVerdict
	err     error
}

func (o auditOutcome) ItemID() string { return o.name }
func (o auditOutcome) Error() error   { return o.err }
