package core

import (
	"fmt"
	"strings"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// matchesCharacter reports whether an entity name case-insensitively
// token-matches a World Bible character: any whitespace-split part of
// length ≥ 3 chars appearing in either name counts as a match.
func matchesCharacter(entityName string, character novel.Character) bool {
	entityParts := tokenParts(entityName, 3)
	charParts := tokenParts(character.Name, 3)
	for _, e := range entityParts {
		for _, c := range charParts {
			if e == c {
				return true
			}
		}
	}
	return false
}

func tokenParts(name string, minLen int) []string {
	var parts []string
	for _, p := range strings.Fields(name) {
		if len([]rune(p)) >= minLen {
			parts = append(parts, strings.ToLower(p))
		}
	}
	return parts
}

// FilterRelationship requires both subject and target to be known entities;
// returns false (skip) otherwise.
func FilterRelationship(rel novel.EntityRelationship, known func(name string) bool) bool {
	return known(rel.Subject) && known(rel.Target)
}

// EntityFromBible reconstructs the consistency-DB view of a World Bible
// character (immutable and physical attributes merged back into the
// _INMUTABLE-suffixed Attributes map UpsertEntity expects) so a fresh
// consistency check's known lookup sees prior state instead of treating
// every chapter's facts as a brand-new entity.
func EntityFromBible(bible novel.WorldBible, name string) *novel.WorldEntity {
	for _, c := range bible.Characters {
		if !matchesCharacter(name, c) {
			continue
		}
		attrs := make(map[string]string, len(c.Immutable)+len(c.PhysicalTraits))
		for k, v := range c.Immutable {
			attrs[k+"_INMUTABLE"] = v
		}
		for k, v := range c.PhysicalTraits {
			attrs[k] = v
		}
		return &novel.WorldEntity{Name: c.Name, Type: novel.EntityCharacter, Attributes: attrs, Status: c.Status}
	}
	return nil
}

// KnownEntityName reports whether name matches a character, location, or
// object already present in the World Bible — the known-entities gate
// FilterRelationship needs to drop a relationship naming something the
// story hasn't established yet.
func KnownEntityName(bible novel.WorldBible, name string) bool {
	for _, c := range bible.Characters {
		if matchesCharacter(name, c) {
			return true
		}
	}
	for _, loc := range bible.Locations {
		if strings.EqualFold(loc, name) {
			return true
		}
	}
	for _, obj := range bible.Objects {
		if strings.EqualFold(obj, name) {
			return true
		}
	}
	return false
}

// relationshipLabel renders an EntityRelationship into the short
// human-readable form stored on a character's Relationships list.
func relationshipLabel(rel novel.EntityRelationship) string {
	if rel.Type == "" {
		return fmt.Sprintf("%s - %s", rel.Subject, rel.Target)
	}
	return fmt.Sprintf("%s (%s) %s", rel.Type, rel.Target, rel.Subject)
}

func syncRelationship(characters []novel.Character, rel novel.EntityRelationship) []novel.Character {
	label := relationshipLabel(rel)
	for i := range characters {
		if matchesCharacter(rel.Subject, characters[i]) {
			characters[i].Relationships = upsertByName(characters[i].Relationships, label)
		}
	}
	return characters
}

// SyncEntitiesIntoWorldBible projects the current consistency-DB entities,
// persistent injuries, and plot decisions into the World Bible document.
// This is a pure projection: the entity store remains authoritative, and
// applying it twice in succession is idempotent.
func SyncEntitiesIntoWorldBible(bible novel.WorldBible, entities []novel.WorldEntity, injuries []novel.PersistentInjury, decisions []novel.PlotDecision) novel.WorldBible {
	out := bible
	out.Characters = append([]novel.Character(nil), bible.Characters...)
	out.Locations = append([]string(nil), bible.Locations...)
	out.Objects = append([]string(nil), bible.Objects...)

	for _, entity := range entities {
		switch entity.Type {
		case novel.EntityCharacter, novel.EntityPhysicalTrait:
			out.Characters = syncCharacterEntity(out.Characters, entity)
		case novel.EntityPersonalItem:
			out.Characters = syncPersonalItem(out.Characters, entity)
		case novel.EntityLocation:
			out.Locations = upsertByName(out.Locations, entity.Name)
		case novel.EntityObject:
			out.Objects = upsertByName(out.Objects, entity.Name)
		case novel.EntitySecret:
			out.Characters = syncSecret(out.Characters, entity)
		}
	}

	out.PersistentInjuries = activeInjuries(injuries)
	out.PlotDecisions = decisions

	return out
}

// SyncRelationshipsIntoWorldBible projects accepted entity relationships
// (already gated through FilterRelationship) onto
// the Subject character's Relationships list.
func SyncRelationshipsIntoWorldBible(bible novel.WorldBible, relationships []novel.EntityRelationship) novel.WorldBible {
	out := bible
	out.Characters = append([]novel.Character(nil), bible.Characters...)
	for _, rel := range relationships {
		out.Characters = syncRelationship(out.Characters, rel)
	}
	return out
}

func syncCharacterEntity(characters []novel.Character, entity novel.WorldEntity) []novel.Character {
	for i := range characters {
		if matchesCharacter(entity.Name, characters[i]) {
			characters[i] = mergeCharacterAttributes(characters[i], entity)
			return characters
		}
	}
	// Unknown CHARACTER entity becomes a new World Bible character entry.
	return append(characters, newCharacterFromEntity(entity))
}

func mergeCharacterAttributes(c novel.Character, entity novel.WorldEntity) novel.Character {
	if c.PhysicalTraits == nil {
		c.PhysicalTraits = make(map[string]string)
	}
	if c.Immutable == nil {
		c.Immutable = make(map[string]string)
	}
	for k, v := range entity.Attributes {
		if strings.HasSuffix(k, "_INMUTABLE") {
			base := strings.TrimSuffix(k, "_INMUTABLE")
			if _, exists := c.Immutable[base]; !exists {
				c.Immutable[base] = v
			}
			continue
		}
		// Physical attributes are write-once: only set if currently empty.
		if _, exists := c.PhysicalTraits[k]; !exists || c.PhysicalTraits[k] == "" {
			c.PhysicalTraits[k] = v
		}
	}

	if containsAnyFold(entity.Status, deathMarkers) || hasAnyDeathMarker(entity.Attributes) {
		c.Status = "dead"
	} else if c.Status == "" {
		c.Status = entity.Status
	}
	return c
}

func hasAnyDeathMarker(attrs map[string]string) bool {
	for _, v := range attrs {
		if containsAnyFold(v, deathMarkers) {
			return true
		}
	}
	return false
}

func newCharacterFromEntity(entity novel.WorldEntity) novel.Character {
	c := novel.Character{
		Name:           entity.Name,
		PhysicalTraits: make(map[string]string),
		Immutable:      make(map[string]string),
		Status:         entity.Status,
	}
	for k, v := range entity.Attributes {
		if strings.HasSuffix(k, "_INMUTABLE") {
			c.Immutable[strings.TrimSuffix(k, "_INMUTABLE")] = v
		} else {
			c.PhysicalTraits[k] = v
		}
	}
	if hasAnyDeathMarker(entity.Attributes) {
		c.Status = "dead"
	}
	return c
}

func syncPersonalItem(characters []novel.Character, entity novel.WorldEntity) []novel.Character {
	owner, ok := entity.Attributes["owner"]
	if !ok || owner == "" {
		return characters
	}
	for i := range characters {
		if matchesCharacter(owner, characters[i]) {
			characters[i].PersonalItems = upsertByName(characters[i].PersonalItems, entity.Name)
			break
		}
	}
	return characters
}

func syncSecret(characters []novel.Character, entity novel.WorldEntity) []novel.Character {
	knownBy, ok := entity.Attributes["known_by"]
	if !ok || knownBy == "" {
		return characters
	}
	desc := entity.Attributes["description"]
	if desc == "" {
		desc = entity.Name
	}
	for _, holder := range strings.Split(knownBy, ",") {
		holder = strings.TrimSpace(holder)
		for i := range characters {
			if matchesCharacter(holder, characters[i]) {
				characters[i].KnownSecrets = upsertByName(characters[i].KnownSecrets, desc)
			}
		}
	}
	return characters
}

func upsertByName(list []string, name string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, name) {
			return list
		}
	}
	return append(list, name)
}

func activeInjuries(injuries []novel.PersistentInjury) []novel.PersistentInjury {
	active := make([]novel.PersistentInjury, 0, len(injuries))
	for _, inj := range injuries {
		if strings.EqualFold(inj.CurrentStatus, "resolved") || strings.EqualFold(inj.CurrentStatus, "healed") {
			continue
		}
		active = append(active, inj)
	}
	return active
}

// injuryCapabilityPhrases maps (injury type, body part) combinations onto
// the CAN/CANNOT capability expansion text used in constraint building
//, e.g. a leg fracture yields "NO PUEDE: correr,
// saltar; CON DIFICULTAD: caminar cojeando; PUEDE: sentarse".
func InjuryCapabilities(injury novel.PersistentInjury) string {
	injuryType := strings.ToLower(injury.InjuryType)
	bodyPart := strings.ToLower(injury.BodyPart)

	switch {
	case strings.Contains(injuryType, "fractur") && strings.Contains(bodyPart, "pierna"):
		return "NO PUEDE: correr, saltar; CON DIFICULTAD: caminar cojeando; PUEDE: sentarse"
	case strings.Contains(injuryType, "fractur") && (strings.Contains(bodyPart, "brazo") || strings.Contains(bodyPart, "mano")):
		return "NO PUEDE: cargar peso, escribir con esa mano; CON DIFICULTAD: vestirse solo; PUEDE: caminar, hablar"
	case strings.Contains(injuryType, "herida") && strings.Contains(bodyPart, "torso"):
		return "NO PUEDE: esfuerzo físico intenso, correr; CON DIFICULTAD: respirar hondo, reír; PUEDE: caminar despacio"
	case strings.Contains(injuryType, "ceguera") || strings.Contains(bodyPart, "ojo"):
		return "NO PUEDE: leer, conducir, reconocer rostros a distancia; CON DIFICULTAD: moverse en lugares desconocidos; PUEDE: hablar, escuchar, tocar"
	default:
		return "CON DIFICULTAD: actividades físicas normales"
	}
}
