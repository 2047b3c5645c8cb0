package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dotcommander/novelorc/internal/agent"
	"github.com/dotcommander/novelorc/internal/core"
	"github.com/dotcommander/novelorc/internal/pipeline"
	"github.com/dotcommander/novelorc/internal/review"
	"github.com/dotcommander/novelorc/internal/storage"
)

// app bundles the wired collaborators one CLI invocation needs: the
// orchestrator plus the raw storage handle checkpointing shares with it.
type app struct {
	orchestrator *core.Orchestrator
	projectID    string
}

// buildApp wires the Orchestrator from persistent flags: a
// ProjectStore-backed filesystem store, an
// AgentFactory over either a live provider client or the in-process mock,
// a pipeline.Pipeline, and a review.Reviewer/Corrector pair.
func buildApp(cmd *cobra.Command) (*app, error) {
	_ = godotenv.Load()

	projectID, err := cmd.Flags().GetString("project")
	if err != nil || projectID == "" {
		return nil, fmt.Errorf("--project is required")
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	promptsDir, _ := cmd.Flags().GetString("prompts-dir")
	useMock, _ := cmd.Flags().GetBool("mock")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("preparing data dir: %w", err)
	}

	fs := storage.NewFileSystem(dataDir)
	projectStore := storage.NewProjectStore(fs)

	var client agent.AIClient
	if useMock {
		client = agent.NewMockClient()
	} else {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("no API key found in ANTHROPIC_API_KEY or OPENAI_API_KEY; pass --mock for local testing")
		}
		raw := agent.NewClient(apiKey)
		cached := agent.WithCache(raw, agent.NewResponseCache(fs, 24*time.Hour))
		client = agent.NewGeminiBackoffClient(cached, 30)
	}

	factory := agent.NewAgentFactory(client, promptsDir)
	usage := core.NewUsageAccount()
	patterns := core.NewPatternTracker()

	callbacks := core.Callbacks{
		OnAgentStatus: func(role, status, message string) {
			fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", role, status, message)
		},
		OnSceneComplete: func(chapter, scene, totalScenes, words int) {
			fmt.Fprintf(os.Stderr, "chapter %d scene %d/%d done (%d words)\n", chapter, scene, totalScenes, words)
		},
		OnChapterComplete: func(chapter, words int, title string) {
			fmt.Fprintf(os.Stderr, "chapter %d complete: %q (%d words)\n", chapter, title, words)
		},
		OnProjectComplete: func() {
			fmt.Fprintln(os.Stderr, "project complete")
		},
		OnError: func(message string) {
			fmt.Fprintln(os.Stderr, "error:", message)
		},
		OnChaptersBeingCorrected: func(chapters []int, cycle int) {
			fmt.Fprintf(os.Stderr, "cycle %d correcting chapters %v\n", cycle, chapters)
		},
		OnDetectAndFixProgress: func(phase string, current, total int, details string) {
			fmt.Fprintf(os.Stderr, "detect-and-fix %s %d/%d %s\n", phase, current, total, details)
		},
	}

	chapterPipeline := pipeline.New(factory, patterns,
		pipeline.WithUsageAccount(usage),
		pipeline.WithSceneTracking(fs),
		pipeline.WithCallbacks(callbacks),
	)
	planner := pipeline.NewPlanner(factory)
	reviewer := review.NewReviewer(factory)
	corrector := review.NewCorrector(factory)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	orchestrator := core.New(projectStore, chapterPipeline, reviewer, corrector, fs,
		core.WithLogger(logger),
		core.WithCallbacks(callbacks),
		core.WithPlanner(planner),
	)

	return &app{orchestrator: orchestrator, projectID: projectID}, nil
}

func ctx() context.Context {
	return context.Background()
}
