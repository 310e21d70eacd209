package context

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func reasoningConfig(recent, archived int) EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.MaxRecentTraces = recent
	cfg.MaxArchivedTraces = archived
	return cfg
}

func TestExtractThinking(t *testing.T) {
	raw := "Let me check. <think>The user wants X because of Y.</think>Here is the answer."
	visible, thinking := ExtractThinking(raw)

	if strings.Contains(visible, "because of Y") {
		t.Errorf("thinking leaked into visible output: %q", visible)
	}
	if !strings.Contains(visible, "Here is the answer.") {
		t.Errorf("visible output lost content: %q", visible)
	}
	if !strings.Contains(thinking, "because of Y") {
		t.Errorf("thinking not extracted: %q", thinking)
	}
}

func TestExtractThinking_BothTagForms(t *testing.T) {
	raw := "<thinking>first</thinking> answer <think>second</think>"
	_, thinking := ExtractThinking(raw)
	if !strings.Contains(thinking, "first") || !strings.Contains(thinking, "second") {
		t.Errorf("both tag spellings should be captured, got %q", thinking)
	}
}

func TestExtractThinking_NoBlocks(t *testing.T) {
	visible, thinking := ExtractThinking("plain answer")
	if visible != "plain answer" || thinking != "" {
		t.Errorf("plain text should pass through: visible=%q thinking=%q", visible, thinking)
	}
}

func TestCapture_BoundsRecentAndArchivesOverflow(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(3, 50))

	for i := 0; i < 5; i++ {
		r.Capture(fmt.Sprintf("msg-%d", i), fmt.Sprintf("I decided to take path %d.", i), nil)
	}

	recent := r.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent traces = %d, want 3", len(recent))
	}
	// The newest survive verbatim; the two oldest were archived.
	if recent[0].MessageID != "msg-2" {
		t.Errorf("oldest surviving trace should be msg-2, got %s", recent[0].MessageID)
	}

	archived := r.Archived()
	if len(archived) != 2 {
		t.Fatalf("archived traces = %d, want 2", len(archived))
	}
	if archived[0].MessageID != "msg-0" {
		t.Errorf("first archived trace should be msg-0, got %s", archived[0].MessageID)
	}
}

func TestArchive_SummaryBoundAndInsights(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(1, 50))

	long := strings.Repeat("padding text here. ", 30) +
		"I decided to use the streaming API because the payload is large."
	r.Capture("msg-a", long, nil)
	r.Capture("msg-b", "displacer", nil) // pushes msg-a into the archive

	archived := r.Archived()
	if len(archived) != 1 {
		t.Fatalf("archived = %d, want 1", len(archived))
	}
	got := archived[0]
	if len(got.Summary) > 203 { // 200 chars plus the ellipsis rune
		t.Errorf("archived summary too long: %d chars", len(got.Summary))
	}
	found := false
	for _, ins := range got.KeyInsights {
		if strings.Contains(ins, "decided") || strings.Contains(ins, "because") {
			found = true
		}
	}
	if !found {
		t.Errorf("decision sentence should surface as a key insight, got %v", got.KeyInsights)
	}
}

func TestArchive_SummaryCutsOnRuneBoundary(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(1, 10))

	// Multibyte content long enough that the cap lands mid-rune if the cut
	// is byte-indexed.
	r.Capture("msg-1", strings.Repeat("é", 300), nil)
	r.ArchiveAll()

	archived := r.Archived()
	if len(archived) != 1 {
		t.Fatalf("expected 1 archived trace, got %d", len(archived))
	}
	if !utf8.ValidString(archived[0].Summary) {
		t.Errorf("archived summary is not valid UTF-8: %q", archived[0].Summary)
	}
	if len(archived[0].Summary) > archivedSummaryLimit+len("…") {
		t.Errorf("archived summary too long: %d bytes", len(archived[0].Summary))
	}
}

func TestArchive_BoundDropsOldest(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(1, 3))

	for i := 0; i < 6; i++ {
		r.Capture(fmt.Sprintf("msg-%d", i), fmt.Sprintf("trace %d content", i), nil)
	}
	r.ArchiveAll()

	archived := r.Archived()
	if len(archived) != 3 {
		t.Fatalf("archive bound not enforced: %d entries", len(archived))
	}
	if archived[0].MessageID != "msg-3" {
		t.Errorf("oldest archived should be msg-3 after the bound dropped earlier ones, got %s", archived[0].MessageID)
	}
}

func TestCapture_AttachesGoal(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(5, 50))
	trace := r.Capture("msg-1", "thinking", &Goal{ID: "goal-7", Title: "ship it"})
	if trace.GoalID != "goal-7" {
		t.Errorf("goal id not recorded: %q", trace.GoalID)
	}
}

func TestArchiveAll_EmptiesRecent(t *testing.T) {
	r := NewReasoningManager(reasoningConfig(5, 50))
	r.Capture("msg-1", "alpha", nil)
	r.Capture("msg-2", "beta", nil)

	r.ArchiveAll()

	if len(r.Recent()) != 0 {
		t.Error("ArchiveAll should empty the verbatim traces")
	}
	if len(r.Archived()) != 2 {
		t.Errorf("both traces should be archived, got %d", len(r.Archived()))
	}
}
