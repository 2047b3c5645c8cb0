package review

import (
	"strings"
	"testing"
)

func TestApplyPatchesExactMatch(t *testing.T) {
	text := "Elena encontró la carta bajo la manta raída del ático."
	result := ApplyPatches(text, []Patch{{Locator: "la carta", Replacement: "el diario"}})
	if !result.Success || result.AppliedCount != 1 {
		t.Fatalf("expected one applied patch, got %+v", result)
	}
	if !strings.Contains(result.PatchedText, "el diario") || strings.Contains(result.PatchedText, "la carta") {
		t.Fatalf("replacement not applied: %q", result.PatchedText)
	}
}

func TestApplyPatchesFuzzyMatchesReflowedProse(t *testing.T) {
	text := "Elena encontró la carta\nbajo la manta raída del ático."
	// The reviewer quoted the passage on one line with different casing.
	result := ApplyPatches(text, []Patch{{Locator: "La carta bajo la manta", Replacement: "el diario bajo la manta"}})
	if !result.Success {
		t.Fatalf("expected the fuzzy matcher to tolerate reflowed, recased prose: %+v", result)
	}
	if !strings.Contains(result.PatchedText, "el diario bajo la manta") {
		t.Fatalf("unexpected patched text: %q", result.PatchedText)
	}
}

func TestApplyPatchesUnmatchedLocatorLeavesTextUnchanged(t *testing.T) {
	text := "Elena encontró la carta."
	result := ApplyPatches(text, []Patch{{Locator: "un pasaje que no existe", Replacement: "x"}})
	if result.Success || result.AppliedCount != 0 {
		t.Fatalf("unmatched patch must not count as success, got %+v", result)
	}
	if result.PatchedText != text {
		t.Fatalf("unmatched patch must leave the text unchanged")
	}
	if len(result.Log) != 1 || !strings.Contains(result.Log[0], "not found") {
		t.Fatalf("unmatched patch must be logged, got %v", result.Log)
	}
}

func TestApplyPatchesMixedBatchAppliesWhatItCan(t *testing.T) {
	text := "Primera frase. Segunda frase. Tercera frase."
	result := ApplyPatches(text, []Patch{
		{Locator: "Segunda frase", Replacement: "Frase intermedia"},
		{Locator: "frase inexistente", Replacement: "x"},
		{Locator: "Tercera frase", Replacement: "Frase final"},
	})
	if result.AppliedCount != 2 || !result.Success {
		t.Fatalf("expected 2 of 3 patches applied, got %+v", result)
	}
	if result.PatchedText != "Primera frase. Frase intermedia. Frase final." {
		t.Fatalf("unexpected patched text: %q", result.PatchedText)
	}
	if len(result.Log) != 3 {
		t.Fatalf("expected one log line per patch, got %v", result.Log)
	}
}

func TestApplyPatchesEmptyLocatorSkipped(t *testing.T) {
	result := ApplyPatches("texto", []Patch{{Locator: "  ", Replacement: "x"}})
	if result.Success || result.PatchedText != "texto" {
		t.Fatalf("empty locator must be skipped, got %+v", result)
	}
}
