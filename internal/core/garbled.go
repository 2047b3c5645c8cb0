package core

import (
	"strings"
	"unicode"
)

// validFinalChars is the set of characters a Spanish content word may
// legitimately end in; a low fraction of words ending outside this set
// signals truncated/corrupted endings.
var validFinalChars = map[rune]bool{
	'a': true, 'e': true, 'i': true, 'o': true, 'u': true, 'y': true,
	'á': true, 'é': true, 'í': true, 'ó': true, 'ú': true,
	'n': true, 's': true, 'l': true, 'r': true, 'd': true, 'z': true,
}

// spanishFunctionWords is a closed set of ~80 common Spanish function
// words (articles, prepositions, conjunctions, pronouns) used by the
// telegram-mode check: normal prose runs roughly 40% function words.
var spanishFunctionWords = buildFunctionWordSet([]string{
	"el", "la", "los", "las", "un", "una", "unos", "unas",
	"de", "del", "a", "al", "en", "con", "por", "para", "sin", "sobre",
	"entre", "hacia", "hasta", "desde", "durante", "mediante", "según",
	"y", "e", "o", "u", "ni", "pero", "mas", "sino", "aunque", "porque",
	"pues", "que", "si", "cuando", "mientras", "como",
	"yo", "tú", "tu", "él", "ella", "usted", "nosotros", "nosotras",
	"vosotros", "vosotras", "ellos", "ellas", "ustedes",
	"me", "te", "se", "nos", "os", "le", "les", "lo", "la", "los", "las",
	"mi", "mis", "su", "sus", "nuestro", "nuestra", "nuestros", "nuestras",
	"este", "esta", "estos", "estas", "ese", "esa", "esos", "esas",
	"aquel", "aquella", "aquellos", "aquellas", "esto", "eso", "aquello",
	"es", "son", "era", "eran", "fue", "fueron", "ha", "han", "había",
	"no", "más", "muy", "también", "ya",
})

func buildFunctionWordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func isAllAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func tokenize(segment string) []string {
	return strings.Fields(segment)
}

func stripPunctuation(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// segments splits the full chapter text into 1 or 3 analysis segments: the
// whole text if it's ≤ 6000 chars, otherwise the first/middle/last 2 KB so
// corruption in a tail is not diluted by a long clean body.
func segments(text string) []string {
	if len(text) <= 6000 {
		return []string{text}
	}
	const window = 2000
	first := text[:window]
	mid := len(text) / 2
	midStart := mid - window/2
	if midStart < 0 {
		midStart = 0
	}
	midEnd := midStart + window
	if midEnd > len(text) {
		midEnd = len(text)
	}
	last := text[len(text)-window:]
	return []string{first, text[midStart:midEnd], last}
}

// checkTruncatedEndings flags a segment if more than 15% of its content
// words (4+ letters, fully alphabetic, ≥20 instances required) end in a
// character outside the valid-final set.
func checkTruncatedEndings(tokens []string) bool {
	var contentWords []string
	for _, t := range tokens {
		w := strings.ToLower(stripPunctuation(t))
		if len(w) >= 4 && isAllAlpha(w) {
			contentWords = append(contentWords, w)
		}
	}
	if len(contentWords) < 20 {
		return false
	}
	bad := 0
	for _, w := range contentWords {
		last := []rune(w)[len([]rune(w))-1]
		if !validFinalChars[last] {
			bad++
		}
	}
	return float64(bad)/float64(len(contentWords)) > 0.15
}

// checkTelegramMode flags a segment if fewer than 20% of its alphabetic
// words (≥40 instances required) are Spanish function words.
func checkTelegramMode(tokens []string) bool {
	var alphaWords []string
	for _, t := range tokens {
		w := strings.ToLower(stripPunctuation(t))
		if isAllAlpha(w) {
			alphaWords = append(alphaWords, w)
		}
	}
	if len(alphaWords) < 40 {
		return false
	}
	fnCount := 0
	for _, w := range alphaWords {
		if spanishFunctionWords[w] {
			fnCount++
		}
	}
	return float64(fnCount)/float64(len(alphaWords)) < 0.20
}

// checkSpaceCollapse flags a segment if more than 5% of its tokens (≥20
// instances required) exceed 25 characters — words glued together from
// lost whitespace.
func checkSpaceCollapse(tokens []string) bool {
	if len(tokens) < 20 {
		return false
	}
	long := 0
	for _, t := range tokens {
		if len(stripPunctuation(t)) > 25 {
			long++
		}
	}
	return float64(long)/float64(len(tokens)) > 0.05
}

// checkCaseCorruption flags a segment if more than 5% of its length-≥3
// tokens (≥20 instances required) start lowercase but contain a mid-word
// uppercase letter.
func checkCaseCorruption(tokens []string) bool {
	var eligible []string
	for _, t := range tokens {
		w := stripPunctuation(t)
		if len([]rune(w)) >= 3 {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) < 20 {
		return false
	}
	corrupted := 0
	for _, w := range eligible {
		runes := []rune(w)
		if unicode.IsUpper(runes[0]) {
			continue
		}
		for _, r := range runes[1:] {
			if unicode.IsUpper(r) {
				corrupted++
				break
			}
		}
	}
	return float64(corrupted)/float64(len(eligible)) > 0.05
}

// IsGarbledText applies the four independent segment checks. Text shorter
// than 200 chars is never checked (boundary: 199 chars skipped, 200
// checked).
func IsGarbledText(text string) bool {
	if len(text) < 200 {
		return false
	}
	for _, seg := range segments(text) {
		tokens := tokenize(seg)
		if len(tokens) < 20 {
			continue
		}
		if checkTruncatedEndings(tokens) ||
			checkTelegramMode(tokens) ||
			checkSpaceCollapse(tokens) ||
			checkCaseCorruption(tokens) {
			return true
		}
	}
	return false
}

// sentenceTerminal reports whether r ends a sentence.
func sentenceTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '"', '\'', '»', '”':
		return true
	}
	return false
}

// IsTruncatedEnding detects end-of-chapter truncation: the last
// non-whitespace character is not sentence-terminal, or the last non-empty
// line has fewer than 3 words.
func IsTruncatedEnding(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\r")
	if trimmed == "" {
		return true
	}
	runes := []rune(trimmed)
	if !sentenceTerminal(runes[len(runes)-1]) {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return len(strings.Fields(line)) < 3
	}
	return true
}
