package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ResumeState is the durable snapshot of everything a restarted orchestrator
// instance needs to reconstruct its in-memory state without replaying work:
// the detect-and-fix cycle counters, resolved issue hashes, per-chapter
// correction counts, and the narrative timeline backfilled from chapters
// already written. Persisted before and after each checkpoint boundary
// after a crash or restart.
type ResumeState struct {
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`

	RevisionCycle         int  `json:"revision_cycle"`
	ConsecutiveHighScores int  `json:"consecutive_high_scores"`
	QAAuditCompleted      bool `json:"qa_audit_completed"`

	ResolvedIssueHashes     map[string]bool `json:"resolved_issue_hashes"`
	ChapterCorrectionCounts map[string]int  `json:"chapter_correction_counts"`

	// NarrativeTimelineBackfilled marks checkpoint ranges (by chapter
	// number, DB form) whose narrative-time fingerprints have already been
	// extracted, so a restart does not re-derive them from scratch.
	NarrativeTimelineBackfilled []int `json:"narrative_timeline_backfilled,omitempty"`

	ResumeCount    int        `json:"resume_count"`
	LastResumeTime *time.Time `json:"last_resume_time,omitempty"`
}

// CheckpointManager persists and reloads ResumeState, one record per
// project, so a crashed or superseded run can pick back up from the last
// safe boundary instead of from scratch.
type CheckpointManager struct {
	storage Storage
}

func NewCheckpointManager(storage Storage) *CheckpointManager {
	return &CheckpointManager{storage: storage}
}

func checkpointFilename(projectID string) string {
	return fmt.Sprintf("checkpoints/%s.json", projectID)
}

// Save persists the resume state for a project, stamping the current time.
func (cm *CheckpointManager) Save(ctx context.Context, state *ResumeState) error {
	state.Timestamp = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling resume state: %w", err)
	}
	return cm.storage.Save(ctx, checkpointFilename(state.ProjectID), data)
}

// MarkResumed loads the existing state, stamps a resume, and saves it back.
// Returns ErrNotFound-shaped error from storage if no checkpoint exists yet.
func (cm *CheckpointManager) MarkResumed(ctx context.Context, projectID string) (*ResumeState, error) {
	state, err := cm.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	state.LastResumeTime = &now
	state.ResumeCount++
	if err := cm.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (cm *CheckpointManager) Load(ctx context.Context, projectID string) (*ResumeState, error) {
	data, err := cm.storage.Load(ctx, checkpointFilename(projectID))
	if err != nil {
		return nil, fmt.Errorf("loading resume state: %w", err)
	}
	var state ResumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling resume state: %w", err)
	}
	return &state, nil
}

func (cm *CheckpointManager) List(ctx context.Context) ([]*ResumeState, error) {
	files, err := cm.storage.List(ctx, "checkpoints/*.json")
	if err != nil {
		return nil, fmt.Errorf("listing resume states: %w", err)
	}
	states := make([]*ResumeState, 0, len(files))
	for _, file := range files {
		data, err := cm.storage.Load(ctx, file)
		if err != nil {
			continue
		}
		var state ResumeState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		states = append(states, &state)
	}
	return states, nil
}

func (cm *CheckpointManager) Delete(ctx context.Context, projectID string) error {
	return cm.storage.Delete(ctx, checkpointFilename(projectID))
}
