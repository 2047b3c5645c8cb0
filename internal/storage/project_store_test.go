package storage

import (
	"context"
	"os"
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func newTestStore(t *testing.T) *ProjectStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "orc-store-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return NewProjectStore(NewFileSystem(tempDir))
}

func TestViolationsAppendAndFilterByChapter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []novel.ConsistencyViolation{
		{ProjectID: "p1", Chapter: 3, ViolationType: novel.ViolationContradiction, Severity: novel.SeverityCritical, Description: "ojos cambian de color", Status: novel.ViolationPending},
	}
	second := []novel.ConsistencyViolation{
		{ProjectID: "p1", Chapter: 5, ViolationType: novel.ViolationWarning, Severity: novel.SeverityMajor, Description: "salto temporal", Status: novel.ViolationPending},
		{ProjectID: "p1", Chapter: 3, ViolationType: novel.ViolationWarning, Severity: novel.SeverityMinor, Description: "atrezzo", Status: novel.ViolationPending},
	}

	if err := store.SaveViolations(ctx, "p1", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.SaveViolations(ctx, "p1", second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := store.LoadViolations(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected the log to accumulate 3 violations, got %d", len(all))
	}

	ch3, err := store.LoadViolationsByChapter(ctx, "p1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch3) != 2 {
		t.Fatalf("expected 2 violations for chapter 3, got %d", len(ch3))
	}
}

func TestViolationsEmptyProjectLoadsNothing(t *testing.T) {
	store := newTestStore(t)
	violations, err := store.LoadViolations(context.Background(), "desconocido")
	if err != nil {
		t.Fatalf("a project with no violations must load an empty list, got %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %d", len(violations))
	}
}

func TestSaveChapterNormalizesAliasToOneFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	epilogue := novel.Chapter{ProjectID: "p1", ChapterNumber: novel.EpilogueSigned, Title: "Epílogo", Content: "fin"}
	if err := store.SaveChapter(ctx, epilogue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	epilogue.ChapterNumber = novel.EpilogueDB
	epilogue.Content = "fin revisado"
	if err := store.SaveChapter(ctx, epilogue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chapters, err := store.LoadChapters(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chapters) != 1 {
		t.Fatalf("epilogue aliases must collapse onto one chapter file, got %d", len(chapters))
	}
	if chapters[0].Content != "fin revisado" {
		t.Fatalf("the re-save must have overwritten the aliased file, got %q", chapters[0].Content)
	}
}
