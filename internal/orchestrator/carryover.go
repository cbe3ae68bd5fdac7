package orchestrator

import (
	"fmt"
	"strings"
)

const (
	truncatedMark     = "\n[truncated]"
	frontTruncateMark = "[earlier rounds truncated]\n"
	roundHeaderPrefix = "\n=== Round "
)

// contextBudget bounds the carryover text fed into later rounds.
type contextBudget struct {
	PerAgentChars int
	TotalChars    int
}

// budgetForLevel maps the context-budget policy level to character limits.
func budgetForLevel(level string, perAgent, total int) contextBudget {
	b := contextBudget{PerAgentChars: 1200, TotalChars: 12000} // balanced
	switch level {
	case "compact":
		b = contextBudget{PerAgentChars: 600, TotalChars: 4000}
	case "rich":
		b = contextBudget{PerAgentChars: 2400, TotalChars: 24000}
	}
	if perAgent > 0 {
		b.PerAgentChars = perAgent
	}
	if total > 0 {
		b.TotalChars = total
	}
	return b
}

// truncateContribution bounds one response, preferring a paragraph boundary
// near the end of the window over a hard cut.
func truncateContribution(text string, max int) (string, bool) {
	if max <= 0 || len(text) <= max {
		return text, false
	}
	window := text[:max]
	cut := max
	if i := strings.LastIndex(window, "\n\n"); i >= max-max/5 {
		cut = i
	}
	return strings.TrimRight(text[:cut], "\n") + truncatedMark, true
}

// renderRoundBlock assembles one round's carryover block with a round header
// and a banner per contribution.
func renderRoundBlock(round int, order []string, texts map[string]string, budget contextBudget) (string, bool) {
	var b strings.Builder
	truncatedAny := false
	fmt.Fprintf(&b, "=== Round %d ===\n", round)
	for _, name := range order {
		text, ok := texts[name]
		if !ok {
			continue
		}
		bounded, truncated := truncateContribution(text, budget.PerAgentChars)
		truncatedAny = truncatedAny || truncated
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", name, strings.TrimSpace(bounded))
	}
	return b.String(), truncatedAny
}

// mergeCarryover joins round blocks and bounds the total from the front,
// keeping the most recent rounds. The cut prefers the nearest round header so
// a kept round stays whole; when the cut splits the newest round, that round's
// header line is kept after the marker.
func mergeCarryover(blocks []string, budget contextBudget) (string, bool) {
	merged := strings.Join(blocks, "\n")
	if budget.TotalChars <= 0 || len(merged) <= budget.TotalChars {
		return merged, false
	}

	cut := len(merged) - budget.TotalChars
	if i := strings.Index(merged[cut:], roundHeaderPrefix); i >= 0 {
		cut += i + 1 // keep the header line itself
		return frontTruncateMark + merged[cut:], true
	}

	// The cut splits the newest round: keep its header line.
	header := roundHeaderPrefix[1:]
	lineStart := strings.LastIndexByte(merged[:cut], '\n') + 1
	if strings.HasPrefix(merged[lineStart:], header) {
		cut = lineStart
	} else if h := strings.LastIndex(merged[:cut], header); h >= 0 {
		if nl := strings.IndexByte(merged[h:], '\n'); nl >= 0 && h+nl < cut {
			return frontTruncateMark + merged[h:h+nl+1] + merged[cut:], true
		}
	}
	return frontTruncateMark + merged[cut:], true
}
