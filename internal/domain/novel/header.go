package novel

import (
	"fmt"
	"strings"
)

// ChapterHeader returns the canonical markdown header for a chapter:
// "# Capítulo N", "# Prólogo", "# Epílogo", or "# Nota del Autor", with an
// optional ": Title" suffix for all but the author's note.
func ChapterHeader(number int, title string) string {
	var base string
	switch NormalizeChapterNumber(number) {
	case 0:
		base = "# Prólogo"
	case EpilogueDB:
		base = "# Epílogo"
	case AuthorNoteDB:
		return "# Nota del Autor"
	default:
		base = fmt.Sprintf("# Capítulo %d", NormalizeChapterNumber(number))
	}
	if strings.TrimSpace(title) != "" {
		return base + ": " + strings.TrimSpace(title)
	}
	return base
}

// NormalizeChapterHeader ensures content starts with the canonical header
// for the given chapter number, replacing any existing markdown header on
// the first non-empty line. Remapping a chapter's number (epilogue alias,
// renumbering after a prologue) must rewrite the header rather than stack a
// second one.
func NormalizeChapterHeader(content string, number int, title string) string {
	header := ChapterHeader(number, title)
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			lines[i] = header
			return strings.Join(lines, "\n")
		}
		break
	}
	if strings.TrimSpace(content) == "" {
		return header + "\n"
	}
	return header + "\n\n" + strings.TrimLeft(content, "\n")
}
