package context

import (
	"sync"
	"unicode/utf8"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for context budget management. The heuristic is
// calibrated for common open-model tokenizers (~4 characters per token).

// TokenCounter approximates token counts. Implementations must be safe for
// concurrent use; injected into the orchestrator rather than read from
// process-wide state.
type TokenCounter interface {
	CountTokens(text string) int

	// CountTokensCached counts text, memoizing by message id. Messages are
	// immutable, so the cache never goes stale.
	CountTokensCached(id, text string) int
}

// EstimatingCounter is the default heuristic TokenCounter.
type EstimatingCounter struct {
	charsPerToken float64

	mu    sync.RWMutex
	cache map[string]int
}

// NewEstimatingCounter creates a counter with the default calibration.
func NewEstimatingCounter() *EstimatingCounter {
	return &EstimatingCounter{
		charsPerToken: 4.0,
		cache:         make(map[string]int),
	}
}

// CountTokens estimates tokens in a string.
func (c *EstimatingCounter) CountTokens(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	n := int(float64(runeCount) / c.charsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// CountTokensCached estimates tokens, memoized by id.
func (c *EstimatingCounter) CountTokensCached(id, text string) int {
	if id == "" {
		return c.CountTokens(text)
	}

	c.mu.RLock()
	if n, ok := c.cache[id]; ok {
		c.mu.RUnlock()
		return n
	}
	c.mu.RUnlock()

	n := c.CountTokens(text)

	c.mu.Lock()
	c.cache[id] = n
	c.mu.Unlock()
	return n
}

// =============================================================================
// Structure-aware counting helpers
// =============================================================================

// messageOverheadTokens covers role tags and separators added when a
// message is serialized into the prompt.
const messageOverheadTokens = 4

// CountMessage estimates tokens for a single message as serialized.
func CountMessage(tc TokenCounter, m Message) int {
	return messageOverheadTokens + tc.CountTokensCached(m.ID, m.Content)
}

// CountMessages estimates tokens for a slice of messages.
func CountMessages(tc TokenCounter, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(tc, m)
	}
	return total
}

// CountCheckpoint estimates tokens for a checkpoint rendered as a synthetic
// system message. Checkpoint summaries shrink as they age, so this never
// uses the id-keyed cache.
func CountCheckpoint(tc TokenCounter, cp Checkpoint) int {
	return messageOverheadTokens + tc.CountTokens(cp.Summary)
}

// CountCheckpoints estimates tokens for all checkpoints.
func CountCheckpoints(tc TokenCounter, cps []Checkpoint) int {
	total := 0
	for _, cp := range cps {
		total += CountCheckpoint(tc, cp)
	}
	return total
}

// CountContext recomputes the full token breakdown for a working set,
// matching exactly what BuildPrompt serializes.
func CountContext(tc TokenCounter, cc *ConversationContext) TokenBreakdown {
	var b TokenBreakdown
	if cc == nil {
		return b
	}

	if cc.SystemPrompt != "" {
		b.System += messageOverheadTokens + tc.CountTokens(cc.SystemPrompt)
	}
	if cc.TaskDefinition != "" {
		b.System += messageOverheadTokens + tc.CountTokens(cc.TaskDefinition)
	}
	if cc.ArchitectureDecisions != "" {
		b.System += messageOverheadTokens + tc.CountTokens(cc.ArchitectureDecisions)
	}

	b.Checkpoints = CountCheckpoints(tc, cc.Checkpoints)
	b.Recent = CountMessages(tc, cc.RecentMessages)
	b.Total = b.System + b.Checkpoints + b.Recent
	return b
}
