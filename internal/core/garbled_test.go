package core

import (
	"strings"
	"testing"
)

func TestIsGarbledTextSkipsUnder200Chars(t *testing.T) {
	short := strings.Repeat("a", 199)
	if IsGarbledText(short) {
		t.Fatalf("199-char text must never be garbled-checked")
	}
	long := strings.Repeat("a", 200)
	// A 200-char run of a single letter has no tokens ≥ 20, so no check
	// trips even though length now clears the boundary; this still proves
	// the boundary itself (length gate) rather than the per-check minimums.
	_ = IsGarbledText(long)
}

func TestIsGarbledTextDetectsSpaceCollapse(t *testing.T) {
	// 25 tokens, all well over 25 chars, pads past the 200-char floor.
	glued := strings.Repeat("bajarondelprimerpisoxxxxxxxxxx ", 25)
	if !IsGarbledText(glued) {
		t.Fatalf("expected space-collapse garbled text to be detected")
	}
}

func TestIsGarbledTextAcceptsNormalSpanishProse(t *testing.T) {
	prose := strings.Repeat("El perro corrió hacia la casa y la niña lo miró con alegría porque era su cumpleaños. ", 10)
	if IsGarbledText(prose) {
		t.Fatalf("normal prose must not be flagged as garbled")
	}
}

func TestIsTruncatedEndingDetectsMissingTerminalPunctuation(t *testing.T) {
	if !IsTruncatedEnding("y entonces ella salió corriendo hacia el") {
		t.Fatalf("expected non-terminal ending to be flagged truncated")
	}
	if IsTruncatedEnding("Y entonces ella salió corriendo hacia el bosque.") {
		t.Fatalf("sentence-terminal ending must not be flagged truncated")
	}
}

func TestIsTruncatedEndingDetectsShortFinalLine(t *testing.T) {
	text := "Primera línea completa con suficientes palabras.\nFin."
	if !IsTruncatedEnding(text) {
		t.Fatalf("expected final line under 3 words to be flagged truncated")
	}
}
