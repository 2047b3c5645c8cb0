package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// ProjectStore persists Projects, Chapters, and World Bibles as JSON
// documents under a FileSystem, one directory per project. It implements
// core.ProjectStore.
type ProjectStore struct {
	fs *FileSystem
}

func NewProjectStore(fs *FileSystem) *ProjectStore {
	return &ProjectStore{fs: fs}
}

func projectPath(projectID string) string {
	return fmt.Sprintf("projects/%s/project.json", projectID)
}

// chapterPath keys chapter files by the normalized DB-form number so the
// epilogue saved as -1 and later re-saved as 998 lands on the same file
// instead of creating a duplicate.
func chapterPath(projectID string, chapterNumber int) string {
	return fmt.Sprintf("projects/%s/chapters/%d.json", projectID, novel.NormalizeChapterNumber(chapterNumber))
}

func worldBiblePath(projectID string) string {
	return fmt.Sprintf("projects/%s/world_bible.json", projectID)
}

func (s *ProjectStore) LoadProject(ctx context.Context, projectID string) (*novel.Project, error) {
	data, err := s.fs.Load(ctx, projectPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", projectID, err)
	}
	var project novel.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("unmarshaling project %s: %w", projectID, err)
	}
	return &project, nil
}

func (s *ProjectStore) SaveProject(ctx context.Context, project *novel.Project) error {
	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling project %s: %w", project.ID, err)
	}
	return s.fs.Save(ctx, projectPath(project.ID), data)
}

func (s *ProjectStore) LoadChapters(ctx context.Context, projectID string) ([]novel.Chapter, error) {
	files, err := s.fs.List(ctx, fmt.Sprintf("projects/%s/chapters/*.json", projectID))
	if err != nil {
		return nil, fmt.Errorf("listing chapters for %s: %w", projectID, err)
	}
	chapters := make([]novel.Chapter, 0, len(files))
	for _, file := range files {
		data, err := s.fs.Load(ctx, file)
		if err != nil {
			continue
		}
		var ch novel.Chapter
		if err := json.Unmarshal(data, &ch); err != nil {
			continue
		}
		chapters = append(chapters, ch)
	}
	sort.Slice(chapters, func(i, j int) bool {
		return novel.NormalizeChapterNumber(chapters[i].ChapterNumber) < novel.NormalizeChapterNumber(chapters[j].ChapterNumber)
	})
	return chapters, nil
}

func (s *ProjectStore) SaveChapter(ctx context.Context, chapter novel.Chapter) error {
	chapter.ChapterNumber = novel.NormalizeChapterNumber(chapter.ChapterNumber)
	data, err := json.MarshalIndent(chapter, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chapter %d: %w", chapter.ChapterNumber, err)
	}
	return s.fs.Save(ctx, chapterPath(chapter.ProjectID, chapter.ChapterNumber), data)
}

func violationsPath(projectID string) string {
	return fmt.Sprintf("projects/%s/violations.json", projectID)
}

// SaveViolations appends to the project's violation log. The log is
// append-only: nothing ever rewrites or removes an entry, matching how the
// orchestrator records violations regardless of fix outcome.
func (s *ProjectStore) SaveViolations(ctx context.Context, projectID string, violations []novel.ConsistencyViolation) error {
	if len(violations) == 0 {
		return nil
	}
	existing, err := s.LoadViolations(ctx, projectID)
	if err != nil {
		return err
	}
	all := append(existing, violations...)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling violations for %s: %w", projectID, err)
	}
	return s.fs.Save(ctx, violationsPath(projectID), data)
}

func (s *ProjectStore) LoadViolations(ctx context.Context, projectID string) ([]novel.ConsistencyViolation, error) {
	if !s.fs.Exists(ctx, violationsPath(projectID)) {
		return nil, nil
	}
	data, err := s.fs.Load(ctx, violationsPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("loading violations for %s: %w", projectID, err)
	}
	var violations []novel.ConsistencyViolation
	if err := json.Unmarshal(data, &violations); err != nil {
		return nil, fmt.Errorf("unmarshaling violations for %s: %w", projectID, err)
	}
	return violations, nil
}

func (s *ProjectStore) LoadViolationsByChapter(ctx context.Context, projectID string, chapter int) ([]novel.ConsistencyViolation, error) {
	all, err := s.LoadViolations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	target := novel.NormalizeChapterNumber(chapter)
	var out []novel.ConsistencyViolation
	for _, v := range all {
		if novel.NormalizeChapterNumber(v.Chapter) == target {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *ProjectStore) LoadWorldBible(ctx context.Context, projectID string) (novel.WorldBible, error) {
	if !s.fs.Exists(ctx, worldBiblePath(projectID)) {
		return novel.WorldBible{ProjectID: projectID}, nil
	}
	data, err := s.fs.Load(ctx, worldBiblePath(projectID))
	if err != nil {
		return novel.WorldBible{}, fmt.Errorf("loading world bible for %s: %w", projectID, err)
	}
	var bible novel.WorldBible
	if err := json.Unmarshal(data, &bible); err != nil {
		return novel.WorldBible{}, fmt.Errorf("unmarshaling world bible for %s: %w", projectID, err)
	}
	return bible, nil
}

func (s *ProjectStore) SaveWorldBible(ctx context.Context, bible novel.WorldBible) error {
	data, err := json.MarshalIndent(bible, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling world bible %s: %w", bible.ProjectID, err)
	}
	return s.fs.Save(ctx, worldBiblePath(bible.ProjectID), data)
}

var _ core.ProjectStore = (*ProjectStore)(nil)
