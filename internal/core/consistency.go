package core

import (
	"fmt"
	"strings"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// deathMarkers are the vital_status values that indicate a character has
// died; matching any (case-insensitively, substring) on a proposed
// attribute or entity status triggers the death-gating check.
var deathMarkers = []string{"dead", "muerto", "muerta", "fallecido", "fallecida", "deceased", "killed"}

// explicitDeathPhrases are the ~17 phrases that, found in text, count as an
// explicit on-page death.
var explicitDeathPhrases = []string{
	"murió", "murio", "ha muerto", "cayó muerto", "cayo muerto",
	"dejó de respirar", "dejo de respirar", "su corazón se detuvo",
	"su corazon se detuvo", "último aliento", "ultimo aliento",
	"lo mataron", "la mataron", "fue asesinado", "fue asesinada",
	"murió en sus brazos", "murio en sus brazos",
	"certificaron su muerte", "confirmaron su muerte",
}

// survivalIndicators are drugging/unconscious/survival phrases that, when
// present near the name without an explicit death phrase, block death
// confirmation.
var survivalIndicators = []string{
	"lo drogaron", "la drogaron", "perdió el conocimiento", "perdio el conocimiento",
	"cayó al suelo", "cayo al suelo", "inconsciente", "sobrevivió", "sobrevivio",
	"malherido", "malherida", "gravemente herido", "gravemente herida",
	"respiraba con dificultad", "logró escapar", "logro escapar",
}

// physicalAttributeKeys are the ~14 keys that are write-once once set: any
// update to one of these is renamed to <key>_INMUTABLE.
var physicalAttributeKeys = map[string]bool{
	"eyes": true, "eye_color": true, "hair": true, "hair_color": true,
	"height": true, "age": true, "build": true, "skin_tone": true,
	"scar": true, "birthmark": true, "tattoo": true, "voice": true,
	"handedness": true, "blood_type": true,
}

// NewFact is a proposed entity fact update from the Consistency Validator
// agent, prior to death-gating and immutability enforcement.
type NewFact struct {
	EntityName string
	EntityType novel.EntityType
	Attributes map[string]string
	Status     string
}

// hasDeathMarker reports whether any attribute value or the status string
// contains a death marker.
func hasDeathMarker(fact NewFact) bool {
	if containsAnyFold(fact.Status, deathMarkers) {
		return true
	}
	for _, v := range fact.Attributes {
		if containsAnyFold(v, deathMarkers) {
			return true
		}
	}
	return false
}

func containsAnyFold(haystack string, needles []string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(h, n) {
			return true
		}
	}
	return false
}

// nameParts returns the whitespace-split parts of name with length ≥ 4,
// used as the case-insensitive token-match unit throughout entity syncing and validation.
func nameParts(name string) []string {
	var parts []string
	for _, p := range strings.Fields(name) {
		if len([]rune(p)) >= 4 {
			parts = append(parts, strings.ToLower(p))
		}
	}
	return parts
}

// windowAroundIndex returns the ±radius character window around index i in
// text, clamped to bounds.
func windowAroundIndex(text string, i, radius int) string {
	start := i - radius
	if start < 0 {
		start = 0
	}
	end := i + radius
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

// phraseNearName reports whether any of phrases occurs within a ±500-char
// window of any occurrence of any name part in text.
func phraseNearName(text string, parts []string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, part := range parts {
		idx := 0
		for {
			pos := strings.Index(lower[idx:], part)
			if pos < 0 {
				break
			}
			absPos := idx + pos
			window := windowAroundIndex(lower, absPos, 500)
			if containsAnyFold(window, phrases) {
				return true
			}
			idx = absPos + len(part)
			if idx >= len(lower) {
				break
			}
		}
	}
	return false
}

// DeathConfirmed implements the death-gating algorithm: death
// is confirmed only if an explicit death phrase occurs in a ±500-char
// window around the entity's name, OR it occurs anywhere in the text AND
// no survival/drugging indicator appears near the name.
func DeathConfirmed(chapterText string, entityName string) bool {
	parts := nameParts(entityName)
	if len(parts) == 0 {
		return false
	}

	if phraseNearName(chapterText, parts, explicitDeathPhrases) {
		return true
	}

	explicitAnywhere := containsAnyFold(chapterText, explicitDeathPhrases)
	if !explicitAnywhere {
		return false
	}

	survivalNear := phraseNearName(chapterText, parts, survivalIndicators)
	return !survivalNear
}

// GateDeathFact applies death-gating to a single proposed fact: if it would
// mark the character dead but death is not confirmed by the chapter text,
// the death-marking keys are stripped and the character is instead recorded
// as unconscious/injured.
func GateDeathFact(chapterText string, fact NewFact) NewFact {
	if !hasDeathMarker(fact) {
		return fact
	}
	if DeathConfirmed(chapterText, fact.EntityName) {
		return fact
	}

	gated := fact
	gated.Status = "active"
	gated.Attributes = make(map[string]string, len(fact.Attributes))
	for k, v := range fact.Attributes {
		if containsAnyFold(v, deathMarkers) {
			continue
		}
		gated.Attributes[k] = v
	}
	gated.Attributes["physical_condition"] = "inconsciente o gravemente herido"
	return gated
}

// BlocksDeathEventRule reports whether a proposed DEATH_EVENT rule text
// references name parts (≥4 chars) of an entity whose death is not
// confirmed in the chapter text, in which case the rule must be blocked.
func BlocksDeathEventRule(chapterText, ruleText, entityName string) bool {
	parts := nameParts(entityName)
	if len(parts) == 0 {
		return false
	}
	lower := strings.ToLower(ruleText)
	mentioned := false
	for _, p := range parts {
		if strings.Contains(lower, p) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return false
	}
	return !DeathConfirmed(chapterText, entityName)
}

// UpsertEntity merges a confirmed fact into the world entity store: on
// update, existing attributes are preserved and the new ones merged; any
// key matching the physical-attribute set is renamed to <key>_INMUTABLE and
// a companion world rule declaring the immutable trait is produced. Once an
// _INMUTABLE key exists on the entity it can never be overwritten.
func UpsertEntity(existing *novel.WorldEntity, fact NewFact, chapter int) (novel.WorldEntity, []novel.WorldRule) {
	var entity novel.WorldEntity
	if existing != nil {
		entity = *existing
	} else {
		entity = novel.WorldEntity{
			Name: fact.EntityName,
			Type: fact.EntityType,
		}
	}
	if entity.Attributes == nil {
		entity.Attributes = make(map[string]string)
	}

	var newRules []novel.WorldRule
	for k, v := range fact.Attributes {
		targetKey := k
		if physicalAttributeKeys[strings.ToLower(k)] {
			targetKey = k + "_INMUTABLE"
		}
		if _, locked := entity.Attributes[targetKey]; locked && strings.HasSuffix(targetKey, "_INMUTABLE") {
			continue // write-once: never overwrite.
		}
		entity.Attributes[targetKey] = v
		if strings.HasSuffix(targetKey, "_INMUTABLE") {
			newRules = append(newRules, novel.WorldRule{
				Description:   fmt.Sprintf("%s's %s is fixed as %q and may not change.", fact.EntityName, k, v),
				Category:      "immutable_trait",
				SourceChapter: chapter,
			})
		}
	}

	// Status is monotonic once dead: never revert away from a death marker.
	if containsAnyFold(entity.Status, deathMarkers) {
		// keep existing dead status regardless of fact.Status
	} else if fact.Status != "" {
		entity.Status = fact.Status
	}
	entity.LastSeenChapter = chapter

	return entity, newRules
}

// ConsistencyResult is the Consistency Validator agent's verdict plus the
// facts/rules/relationships it extracted, prior to death-gating.
type ConsistencyResult struct {
	IsValid                bool
	CriticalError          string
	CorrectionInstructions string
	Warnings               []string
	NewFacts               []NewFact
	NewRules               []novel.WorldRule
	NewRelationships       []novel.EntityRelationship
}

// OverallError combines critical_error and correction_instructions into a
// single error string when present, as the orchestrator-facing summary.
func (r ConsistencyResult) OverallError() string {
	if r.CriticalError == "" && r.CorrectionInstructions == "" {
		return ""
	}
	if r.CorrectionInstructions == "" {
		return r.CriticalError
	}
	if r.CriticalError == "" {
		return r.CorrectionInstructions
	}
	return fmt.Sprintf("%s: %s", r.CriticalError, r.CorrectionInstructions)
}

// ApplyValidation gates any death-marking facts
// against the chapter text, blocks unconfirmed DEATH_EVENT rules, filters
// proposed relationships to known entities, and treats any warning as an
// invalidation recorded as a major violation. known looks up an existing
// entity by name for merge purposes; knownName reports whether a name
// belongs to any already-established entity, gating relationships.
func ApplyValidation(chapterText string, result ConsistencyResult, chapter int, known func(name string) *novel.WorldEntity, knownName func(name string) bool) (entities []novel.WorldEntity, rules []novel.WorldRule, relationships []novel.EntityRelationship, violations []novel.ConsistencyViolation, isValid bool) {
	isValid = result.IsValid

	for _, fact := range result.NewFacts {
		gated := GateDeathFact(chapterText, fact)
		entity, extraRules := UpsertEntity(known(gated.EntityName), gated, chapter)
		entities = append(entities, entity)
		rules = append(rules, extraRules...)
	}

	for _, rule := range result.NewRules {
		if strings.Contains(strings.ToUpper(rule.Category), "DEATH") {
			blocked := false
			for _, fact := range result.NewFacts {
				if BlocksDeathEventRule(chapterText, rule.Description, fact.EntityName) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
		}
		rules = append(rules, rule)
	}

	for _, rel := range result.NewRelationships {
		freshlyIntroduced := func(name string) bool {
			if knownName(name) {
				return true
			}
			for _, fact := range result.NewFacts {
				if strings.EqualFold(fact.EntityName, name) {
					return true
				}
			}
			return false
		}
		if FilterRelationship(rel, freshlyIntroduced) {
			relationships = append(relationships, rel)
		}
	}

	if result.CriticalError != "" {
		violations = append(violations, novel.ConsistencyViolation{
			Chapter:       chapter,
			ViolationType: novel.ViolationContradiction,
			Severity:      novel.SeverityCritical,
			Description:   result.CriticalError,
			Status:        novel.ViolationPending,
		})
		isValid = false
	}
	for _, w := range result.Warnings {
		violations = append(violations, novel.ConsistencyViolation{
			Chapter:       chapter,
			ViolationType: novel.ViolationWarning,
			Severity:      novel.SeverityMajor,
			Description:   w,
			Status:        novel.ViolationPending,
		})
		isValid = false
	}

	return entities, rules, relationships, violations, isValid
}
