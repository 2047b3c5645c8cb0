package novel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ReviewIssue is the unified shape final-review and QA-audit issues are
// normalized into before hashing, deduplication, and correction.
type ReviewIssue struct {
	Category              string
	Severity               ViolationSeverity
	Description            string
	AffectedChapters       []int // boundary-form, may be signed
	CorrectionInstructions string
}

// djb2 is a small deterministic string hash: stable across processes and
// cheap, which is all an issue-resolution key needs.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint32(s[i])
	}
	return h
}

// normalizedDescription lowercases, trims, and truncates a description to
// its first 100 characters for stable hashing regardless of minor
// downstream rewording.
func normalizedDescription(desc string) string {
	d := strings.ToLower(strings.TrimSpace(desc))
	if len(d) > 100 {
		d = d[:100]
	}
	return d
}

// IssueHash computes the stable, deterministic issue_ prefixed hash used to
// deduplicate and track an issue's persistence across detect-and-fix
// cycles: hash("{category}|{description[:100] normalized}|{sorted normalized chapters}").
func IssueHash(category, description string, affectedChapters []int) string {
	normChapters := make([]int, len(affectedChapters))
	for i, c := range affectedChapters {
		normChapters[i] = NormalizeChapterNumber(c)
	}
	sort.Ints(normChapters)

	parts := make([]string, len(normChapters))
	for i, c := range normChapters {
		parts[i] = strconv.Itoa(c)
	}

	key := fmt.Sprintf("%s|%s|%s", strings.ToLower(strings.TrimSpace(category)), normalizedDescription(description), strings.Join(parts, ","))
	return fmt.Sprintf("issue_%x", djb2(key))
}

// Hash computes the stable hash for this issue (see IssueHash).
func (i ReviewIssue) Hash() string {
	return IssueHash(i.Category, i.Description, i.AffectedChapters)
}

// MarkIssuesResolved performs an idempotent set union:
// the project's resolved set grows to include every hash in issues, never
// shrinking or otherwise mutating existing entries.
func MarkIssuesResolved(resolved map[string]bool, issues []ReviewIssue) map[string]bool {
	if resolved == nil {
		resolved = make(map[string]bool, len(issues))
	}
	for _, issue := range issues {
		resolved[issue.Hash()] = true
	}
	return resolved
}

// FilterUnresolved returns the subset of issues whose hash is not already
// present in resolved.
func FilterUnresolved(issues []ReviewIssue, resolved map[string]bool) []ReviewIssue {
	out := make([]ReviewIssue, 0, len(issues))
	for _, issue := range issues {
		if resolved[issue.Hash()] {
			continue
		}
		out = append(out, issue)
	}
	return out
}
