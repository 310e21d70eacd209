package context

import (
	"strings"
	"testing"
)

func TestEstimatingCounter_Basics(t *testing.T) {
	c := NewEstimatingCounter()

	if got := c.CountTokens(""); got != 0 {
		t.Errorf("empty string should be 0 tokens, got %d", got)
	}
	if got := c.CountTokens("a"); got != 1 {
		t.Errorf("non-empty string should be at least 1 token, got %d", got)
	}
	if got := c.CountTokens(strings.Repeat("x", 400)); got != 100 {
		t.Errorf("400 chars should be 100 tokens, got %d", got)
	}
}

func TestEstimatingCounter_CacheByID(t *testing.T) {
	c := NewEstimatingCounter()

	text := strings.Repeat("hello ", 50)
	first := c.CountTokensCached("m1", text)
	second := c.CountTokensCached("m1", text)
	if first != second {
		t.Errorf("cached count changed: %d then %d", first, second)
	}

	// Empty id bypasses the cache entirely.
	if got := c.CountTokensCached("", text); got != first {
		t.Errorf("uncached count %d differs from cached %d", got, first)
	}
}

func TestCountCheckpoint_TracksMutatedSummary(t *testing.T) {
	c := NewEstimatingCounter()
	cp := Checkpoint{ID: "cp-1", Summary: strings.Repeat("detail ", 100)}

	before := CountCheckpoint(c, cp)
	cp.Summary = "short"
	after := CountCheckpoint(c, cp)

	if after >= before {
		t.Errorf("count should shrink after the summary is trimmed: before=%d after=%d", before, after)
	}
}

func TestCountContext_TotalsMatchParts(t *testing.T) {
	c := NewEstimatingCounter()
	cc := &ConversationContext{
		SessionID:             "s1",
		SystemPrompt:          "You are a terminal assistant.",
		TaskDefinition:        "Refactor the storage layer.",
		ArchitectureDecisions: "SQLite for persistence.",
		Checkpoints: []Checkpoint{
			{ID: "cp-1", Summary: strings.Repeat("earlier work ", 20)},
		},
		RecentMessages: testMessages(6, 30),
	}

	b := CountContext(c, cc)
	if b.Total != b.System+b.Checkpoints+b.Recent {
		t.Errorf("Total %d != System %d + Checkpoints %d + Recent %d",
			b.Total, b.System, b.Checkpoints, b.Recent)
	}
	if b.System == 0 || b.Checkpoints == 0 || b.Recent == 0 {
		t.Errorf("all parts should be non-zero: %+v", b)
	}
}

func TestCountContext_Nil(t *testing.T) {
	c := NewEstimatingCounter()
	if b := CountContext(c, nil); b.Total != 0 {
		t.Errorf("nil context should count as zero, got %+v", b)
	}
}
