package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Run full first-draft generation followed by the detect-and-fix cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			if err := a.orchestrator.GenerateNovel(ctx(), a.projectID); err != nil {
				return fmt.Errorf("generate: %w", err)
			}
			fmt.Println("generation complete for project", a.projectID)
			return nil
		},
	}
}

func newExtendCmd() *cobra.Command {
	var fromCh, toCh int
	cmd := &cobra.Command{
		Use:   "extend",
		Short: "Append chapters beyond the manuscript's current end",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			var additional []novel.ChapterOutlineEntry
			for n := fromCh + 1; n <= toCh; n++ {
				additional = append(additional, novel.ChapterOutlineEntry{Number: n})
			}
			if len(additional) == 0 {
				return fmt.Errorf("--to must be greater than --from")
			}
			if err := a.orchestrator.ExtendNovel(ctx(), a.projectID, additional); err != nil {
				return fmt.Errorf("extend: %w", err)
			}
			fmt.Printf("extended project %s with chapters %d..%d\n", a.projectID, fromCh+1, toCh)
			return nil
		},
	}
	cmd.Flags().IntVar(&fromCh, "from", 0, "last existing chapter number")
	cmd.Flags().IntVar(&toCh, "to", 0, "new final chapter number")
	return cmd
}

func newRegenerateTruncatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate-truncated",
		Short: "Replace every chapter flagged by garbled-text or truncation detection",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			if err := a.orchestrator.RegenerateTruncated(ctx(), a.projectID); err != nil {
				return fmt.Errorf("regenerate-truncated: %w", err)
			}
			fmt.Println("truncated-chapter repair complete for project", a.projectID)
			return nil
		},
	}
}

func newFillMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fill-missing",
		Short: "Create any outline entry with no corresponding chapter row",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			if err := a.orchestrator.GenerateMissingChapters(ctx(), a.projectID); err != nil {
				return fmt.Errorf("fill-missing: %w", err)
			}
			fmt.Println("missing-chapter backfill complete for project", a.projectID)
			return nil
		},
	}
}

func newReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "Invoke the Final Reviewer and persist its score and issue list",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			score, issues, err := a.orchestrator.RunFinalReviewOnly(ctx(), a.projectID)
			if err != nil {
				return fmt.Errorf("review: %w", err)
			}
			fmt.Printf("final review score: %.2f (%d issues)\n", score, len(issues))
			for _, issue := range issues {
				fmt.Printf("  [%s/%s] %s (chapters %v)\n", issue.Category, issue.Severity, issue.Description, issue.AffectedChapters)
			}
			return nil
		},
	}
}

func newSentinelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sentinel",
		Short: "Re-run the consistency validator over the manuscript read-only",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			violations, err := a.orchestrator.RunContinuitySentinel(ctx(), a.projectID)
			if err != nil {
				return fmt.Errorf("sentinel: %w", err)
			}
			fmt.Printf("continuity sentinel found %d violation(s)\n", len(violations))
			for _, v := range violations {
				fmt.Printf("  [ch %d/%s/%s] %s\n", v.Chapter, v.ViolationType, v.Severity, v.Description)
			}
			return nil
		},
	}
}
