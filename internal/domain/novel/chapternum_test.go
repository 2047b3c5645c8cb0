package novel

import "testing"

func TestNormalizeChapterNumberAliases(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{EpilogueSigned, EpilogueDB},
		{EpilogueDB, EpilogueDB},
		{AuthorNoteSigned, AuthorNoteDB},
		{AuthorNoteDB, AuthorNoteDB},
		{1, 1},
		{0, 0},
		{-5, -5}, // unspecified alias set passes through unchanged
	}
	for _, c := range cases {
		if got := NormalizeChapterNumber(c.in); got != c.want {
			t.Errorf("NormalizeChapterNumber(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestChaptersEqualTreatsAliasesAsSameChapter(t *testing.T) {
	if !ChaptersEqual(-1, 998) {
		t.Fatalf("-1 and 998 must be treated as the same chapter")
	}
	if !ChaptersEqual(-2, 999) {
		t.Fatalf("-2 and 999 must be treated as the same chapter")
	}
	if ChaptersEqual(1, 2) {
		t.Fatalf("distinct regular chapters must not compare equal")
	}
}

func TestFindChapterByNumberIgnoresAliasForm(t *testing.T) {
	chapters := []Chapter{{ChapterNumber: 998, Title: "Epilogue"}}
	found := FindChapterByNumber(chapters, -1)
	if found == nil || found.Title != "Epilogue" {
		t.Fatalf("expected alias lookup -1 to find the chapter stored as 998")
	}
}

func TestIsSpecialChapter(t *testing.T) {
	for _, n := range []int{0, EpilogueDB, AuthorNoteDB} {
		if !IsSpecialChapter(n) {
			t.Errorf("expected %d to be a special chapter", n)
		}
	}
	if IsSpecialChapter(1) {
		t.Errorf("regular chapter 1 must not be special")
	}
}

func TestMinApprovedWordThreshold(t *testing.T) {
	if got := MinApprovedWordThreshold(1); got != 500 {
		t.Errorf("regular chapter threshold = %d, want 500", got)
	}
	if got := MinApprovedWordThreshold(0); got != 150 {
		t.Errorf("prologue threshold = %d, want 150", got)
	}
	if got := MinApprovedWordThreshold(EpilogueDB); got != 150 {
		t.Errorf("epilogue threshold = %d, want 150", got)
	}
}

func TestPipelineMinWordCountPrologueIsSixtyPercent(t *testing.T) {
	if got := PipelineMinWordCount(0, 1500); got != 900 {
		t.Errorf("prologue min word count = %d, want 900 (60%% of 1500)", got)
	}
	if got := PipelineMinWordCount(1, 1500); got != 1500 {
		t.Errorf("regular chapter min word count = %d, want 1500", got)
	}
	if got := PipelineMinWordCount(1, 0); got != 1500 {
		t.Errorf("zero/unset project minimum must default to 1500, got %d", got)
	}
}
