package novel

import "testing"

func TestChapterHeaderForms(t *testing.T) {
	cases := []struct {
		number int
		title  string
		want   string
	}{
		{1, "", "# Capítulo 1"},
		{7, "La Huida", "# Capítulo 7: La Huida"},
		{0, "", "# Prólogo"},
		{0, "Antes", "# Prólogo: Antes"},
		{EpilogueDB, "", "# Epílogo"},
		{EpilogueSigned, "Después", "# Epílogo: Después"},
		{AuthorNoteDB, "ignorado", "# Nota del Autor"},
		{AuthorNoteSigned, "", "# Nota del Autor"},
	}
	for _, c := range cases {
		if got := ChapterHeader(c.number, c.title); got != c.want {
			t.Errorf("ChapterHeader(%d, %q) = %q, want %q", c.number, c.title, got, c.want)
		}
	}
}

func TestNormalizeChapterHeaderReplacesExisting(t *testing.T) {
	content := "# Capítulo 3: Viejo Título\n\nEl texto del capítulo continúa aquí."
	got := NormalizeChapterHeader(content, EpilogueSigned, "Nuevo")
	want := "# Epílogo: Nuevo\n\nEl texto del capítulo continúa aquí."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeChapterHeaderPrependsWhenAbsent(t *testing.T) {
	got := NormalizeChapterHeader("El texto empieza sin encabezado.", 2, "Dos")
	want := "# Capítulo 2: Dos\n\nEl texto empieza sin encabezado."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeChapterHeaderDoesNotStackHeaders(t *testing.T) {
	once := NormalizeChapterHeader("# Capítulo 5\n\nTexto.", 5, "")
	twice := NormalizeChapterHeader(once, 5, "")
	if once != twice {
		t.Fatalf("normalization must be idempotent: %q vs %q", once, twice)
	}
}
