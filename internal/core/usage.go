package core

import (
	"sync"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

// UsageAccount accumulates per-agent token counts and cost for a single
// project run.
type UsageAccount struct {
	mu     sync.Mutex
	events []novel.AIUsageEvent

	totalInput    int64
	totalOutput   int64
	totalThinking int64
}

func NewUsageAccount() *UsageAccount {
	return &UsageAccount{}
}

// Record appends one usage event and updates the running totals.
func (a *UsageAccount) Record(event novel.AIUsageEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.totalInput += event.InputTokens
	a.totalOutput += event.OutputTokens
	a.totalThinking += event.ThinkingTokens
}

// Totals returns the cumulative input/output/thinking token counts.
func (a *UsageAccount) Totals() (input, output, thinking int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalInput, a.totalOutput, a.totalThinking
}

// Events returns a copy of all recorded usage events.
func (a *UsageAccount) Events() []novel.AIUsageEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]novel.AIUsageEvent, len(a.events))
	copy(out, a.events)
	return out
}

// ApplyTo writes the account's running totals onto a project's cumulative
// counters, as done after every chapter.
func (a *UsageAccount) ApplyTo(project *novel.Project) {
	input, output, thinking := a.Totals()
	project.CumulativeInputTokens = input
	project.CumulativeOutputTokens = output
	project.CumulativeThinkingTokens = thinking
}
