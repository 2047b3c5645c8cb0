// Command novelorc exposes the six public orchestrator operations as CLI
// subcommands: generate, extend, regenerate-truncated, fill-missing,
// review, and sentinel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "novelorc",
		Short: "Multi-agent novel-generation orchestrator",
		Long: `novelorc drives a pipeline of LLM-backed agents to produce a
book-length manuscript that is internally consistent, stylistically
coherent, and structurally sound.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("project", "", "project id to operate on (required)")
	root.PersistentFlags().String("data-dir", defaultDataDir(), "filesystem-backed storage root for projects, chapters, and checkpoints")
	root.PersistentFlags().String("prompts-dir", defaultPromptsDir(), "directory holding one prompt file per agent persona")
	root.PersistentFlags().Bool("mock", false, "use the in-process mock AI client instead of a live provider (no API key required)")

	root.AddCommand(
		newGenerateCmd(),
		newExtendCmd(),
		newRegenerateTruncatedCmd(),
		newFillMissingCmd(),
		newReviewCmd(),
		newSentinelCmd(),
	)
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./novelorc-data"
	}
	return home + "/.local/share/novelorc/data"
}

func defaultPromptsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./novelorc-prompts"
	}
	return home + "/.local/share/novelorc/prompts"
}
