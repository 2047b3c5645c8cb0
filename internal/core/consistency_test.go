package core

import (
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// Drugging or unconscious text must not confirm a death.
func TestGateDeathFactBlocksFalseResurrectionClaim(t *testing.T) {
	text := "Alex tropezó en la oscuridad. Lo drogaron y cayó al suelo, inconsciente, antes de que pudieran socorrerlo."
	fact := NewFact{
		EntityName: "Alex",
		EntityType: novel.EntityCharacter,
		Status:     "dead",
		Attributes: map[string]string{"vital_status": "muerto"},
	}

	gated := GateDeathFact(text, fact)

	if gated.Status == "dead" {
		t.Fatalf("death must be stripped when not explicitly confirmed in text")
	}
	if gated.Status != "active" {
		t.Fatalf("expected gated status 'active', got %q", gated.Status)
	}
	if got := gated.Attributes["physical_condition"]; got != "inconsciente o gravemente herido" {
		t.Fatalf("expected unconscious/injured condition annotation, got %q", got)
	}
	for _, v := range gated.Attributes {
		if containsAnyFold(v, deathMarkers) {
			t.Fatalf("no remaining attribute may contain a death marker, found %q", v)
		}
	}
}

func TestGateDeathFactConfirmsExplicitOnPageDeath(t *testing.T) {
	text := "El silencio se extendió. Alex murió en brazos de su hermana, sin decir una palabra más."
	fact := NewFact{
		EntityName: "Alex",
		Status:     "dead",
		Attributes: map[string]string{"vital_status": "muerto"},
	}

	gated := GateDeathFact(text, fact)
	if gated.Status != "dead" {
		t.Fatalf("explicit on-page death must be confirmed, got status %q", gated.Status)
	}
}

func TestBlocksDeathEventRuleWhenUnconfirmed(t *testing.T) {
	text := "Lo drogaron y cayó al suelo, inconsciente."
	if !BlocksDeathEventRule(text, "Alex ha muerto en este capítulo", "Alex") {
		t.Fatalf("DEATH_EVENT rule mentioning an unconfirmed death must be blocked")
	}
}

func TestBlocksDeathEventRuleAllowsConfirmedDeath(t *testing.T) {
	text := "Alex murió en brazos de su hermana."
	if BlocksDeathEventRule(text, "Alex ha muerto en este capítulo", "Alex") {
		t.Fatalf("DEATH_EVENT rule with a confirmed on-page death must not be blocked")
	}
}

func TestUpsertEntityStatusIsMonotonicOnceDead(t *testing.T) {
	existing := &novel.WorldEntity{Name: "Clara", Status: "dead"}
	fact := NewFact{EntityName: "Clara", Status: "active"}

	updated, _ := UpsertEntity(existing, fact, 20)

	if updated.Status != "dead" {
		t.Fatalf("dead status must never revert, got %q", updated.Status)
	}
}

func TestUpsertEntityPhysicalTraitsAreWriteOnce(t *testing.T) {
	existing := &novel.WorldEntity{
		Name:       "Clara",
		Attributes: map[string]string{"eyes_INMUTABLE": "green"},
	}
	fact := NewFact{
		EntityName: "Clara",
		Attributes: map[string]string{"eyes": "blue"},
	}

	updated, rules := UpsertEntity(existing, fact, 5)

	if updated.Attributes["eyes_INMUTABLE"] != "green" {
		t.Fatalf("write-once physical trait must not be overwritten, got %q", updated.Attributes["eyes_INMUTABLE"])
	}
	if len(rules) != 0 {
		t.Fatalf("no new immutable-trait rule should be emitted when the key is already locked")
	}
}

func TestUpsertEntityRenamesPhysicalAttributeAndEmitsRule(t *testing.T) {
	fact := NewFact{
		EntityName: "Darek",
		Attributes: map[string]string{"hair": "black"},
	}

	updated, rules := UpsertEntity(nil, fact, 3)

	if updated.Attributes["hair_INMUTABLE"] != "black" {
		t.Fatalf("expected physical attribute to be renamed to hair_INMUTABLE")
	}
	if len(rules) != 1 || rules[0].Category != "immutable_trait" {
		t.Fatalf("expected exactly one immutable_trait rule to be emitted")
	}
}
