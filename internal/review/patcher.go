package review

import (
	"fmt"
	"strings"
)

// Patch is one surgical edit the Smart Editor proposes: replace the prose
// located by Locator with Replacement.
type Patch struct {
	Locator     string `json:"locator"`
	Replacement string `json:"replacement"`
}

// PatchResult reports what ApplyPatches did: the (possibly unchanged) text,
// how many patches landed, a per-patch log, and whether at least one patch
// applied cleanly.
type PatchResult struct {
	PatchedText  string
	AppliedCount int
	Log          []string
	Success      bool
}

// ApplyPatches applies each patch in order via fuzzy locator matching.
// A patch whose locator cannot be found leaves the text unchanged and is
// logged; later patches still run against the text as patched so far.
func ApplyPatches(text string, patches []Patch) PatchResult {
	result := PatchResult{PatchedText: text}
	for i, p := range patches {
		if strings.TrimSpace(p.Locator) == "" {
			result.Log = append(result.Log, fmt.Sprintf("patch %d: empty locator, skipped", i+1))
			continue
		}
		start, end, ok := fuzzyFind(result.PatchedText, p.Locator)
		if !ok {
			result.Log = append(result.Log, fmt.Sprintf("patch %d: locator %q not found, text unchanged", i+1, snippet(p.Locator)))
			continue
		}
		result.PatchedText = result.PatchedText[:start] + p.Replacement + result.PatchedText[end:]
		result.AppliedCount++
		result.Log = append(result.Log, fmt.Sprintf("patch %d: applied at offset %d", i+1, start))
	}
	result.Success = result.AppliedCount > 0
	return result
}

func snippet(s string) string {
	runes := []rune(s)
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return s
}

// fuzzyFind locates locator inside text: an exact match first, then a
// case-insensitive, whitespace-insensitive scan that tolerates prose
// reflowed across lines since the reviewer quoted it.
func fuzzyFind(text, locator string) (start, end int, ok bool) {
	if idx := strings.Index(text, locator); idx >= 0 {
		return idx, idx + len(locator), true
	}

	words := strings.Fields(strings.ToLower(locator))
	if len(words) == 0 {
		return 0, 0, false
	}
	lower := strings.ToLower(text)

	searchFrom := 0
	for {
		pos := strings.Index(lower[searchFrom:], words[0])
		if pos < 0 {
			return 0, 0, false
		}
		candidate := searchFrom + pos
		if matchEnd, matched := matchWordsAt(lower, candidate, words); matched {
			return candidate, matchEnd, true
		}
		searchFrom = candidate + 1
	}
}

// matchWordsAt checks that words occur in order starting at start,
// separated only by whitespace, and returns the byte offset just past the
// last word.
func matchWordsAt(lower string, start int, words []string) (int, bool) {
	i := start
	for w, word := range words {
		if w > 0 {
			j := i
			for j < len(lower) && isSpaceByte(lower[j]) {
				j++
			}
			if j == i {
				return 0, false
			}
			i = j
		}
		if !strings.HasPrefix(lower[i:], word) {
			return 0, false
		}
		i += len(word)
	}
	return i, true
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
