package prompt

import "github.com/kalambet/convqa/internal/conversation"

// DefaultContextTokens is the evidence budget of the drafting prompt.
const DefaultContextTokens = 4000

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// FitPassages returns the passages whose rendered evidence fits in maxTokens,
// in their original order. A passage that does not fit is skipped and later,
// shorter ones are still considered. The first passage is always kept.
// maxTokens <= 0 disables the budget.
func FitPassages(passages []conversation.Passage, maxTokens int) []conversation.Passage {
	if maxTokens <= 0 || len(passages) == 0 {
		return passages
	}

	out := make([]conversation.Passage, 0, len(passages))
	remaining := maxTokens
	for i, p := range passages {
		tokens := EstimateTokens(p.Evidence())
		if i > 0 && tokens > remaining {
			continue
		}
		out = append(out, p)
		remaining -= tokens
	}
	return out
}
