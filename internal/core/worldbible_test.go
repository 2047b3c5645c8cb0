package core

import (
	"reflect"
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func TestSyncEntitiesIntoWorldBibleIsIdempotent(t *testing.T) {
	bible := novel.WorldBible{
		Characters: []novel.Character{{Name: "Alex Rivera"}},
	}
	entities := []novel.WorldEntity{
		{Name: "Alex", Type: novel.EntityCharacter, Attributes: map[string]string{"eyes": "green"}, Status: "active"},
	}

	once := SyncEntitiesIntoWorldBible(bible, entities, nil, nil)
	twice := SyncEntitiesIntoWorldBible(once, entities, nil, nil)

	if !reflect.DeepEqual(once.Characters, twice.Characters) {
		t.Fatalf("syncing twice must be idempotent:\nonce=%+v\ntwice=%+v", once.Characters, twice.Characters)
	}
}

func TestSyncEntitiesIntoWorldBibleCreatesUnknownCharacter(t *testing.T) {
	bible := novel.WorldBible{}
	entities := []novel.WorldEntity{{Name: "Nuevo Personaje", Type: novel.EntityCharacter, Status: "active"}}

	out := SyncEntitiesIntoWorldBible(bible, entities, nil, nil)

	if len(out.Characters) != 1 || out.Characters[0].Name != "Nuevo Personaje" {
		t.Fatalf("expected unknown character entity to become a new World Bible entry, got %+v", out.Characters)
	}
}

func TestSyncEntitiesIntoWorldBiblePhysicalTraitsWriteOnce(t *testing.T) {
	bible := novel.WorldBible{
		Characters: []novel.Character{{Name: "Clara", PhysicalTraits: map[string]string{"eyes": "green"}}},
	}
	entities := []novel.WorldEntity{
		{Name: "Clara", Type: novel.EntityCharacter, Attributes: map[string]string{"eyes": "blue"}},
	}

	out := SyncEntitiesIntoWorldBible(bible, entities, nil, nil)

	if out.Characters[0].PhysicalTraits["eyes"] != "green" {
		t.Fatalf("physical trait must stay write-once, got %q", out.Characters[0].PhysicalTraits["eyes"])
	}
}

func TestSyncEntitiesIntoWorldBibleStatusMonotonicallyDead(t *testing.T) {
	bible := novel.WorldBible{
		Characters: []novel.Character{{Name: "Darek", Status: "dead"}},
	}
	entities := []novel.WorldEntity{
		{Name: "Darek", Type: novel.EntityCharacter, Status: "active"},
	}

	out := SyncEntitiesIntoWorldBible(bible, entities, nil, nil)

	if out.Characters[0].Status != "dead" {
		t.Fatalf("character status must not revert from dead, got %q", out.Characters[0].Status)
	}
}

func TestSyncEntitiesIntoWorldBibleFiltersResolvedInjuries(t *testing.T) {
	injuries := []novel.PersistentInjury{
		{Character: "Alex", InjuryType: "fractura", CurrentStatus: "resolved"},
		{Character: "Alex", InjuryType: "herida", CurrentStatus: "activa"},
	}

	out := SyncEntitiesIntoWorldBible(novel.WorldBible{}, nil, injuries, nil)

	if len(out.PersistentInjuries) != 1 || out.PersistentInjuries[0].InjuryType != "herida" {
		t.Fatalf("expected only the unresolved injury to be projected, got %+v", out.PersistentInjuries)
	}
}

func TestInjuryCapabilitiesLegFracture(t *testing.T) {
	got := InjuryCapabilities(novel.PersistentInjury{InjuryType: "fractura", BodyPart: "pierna"})
	want := "NO PUEDE: correr, saltar; CON DIFICULTAD: caminar cojeando; PUEDE: sentarse"
	if got != want {
		t.Fatalf("InjuryCapabilities(leg fracture) = %q, want %q", got, want)
	}
}
