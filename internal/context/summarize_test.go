package context

import (
	"context"
	"strings"
	"testing"

	"ollm/internal/provider"
)

func TestSummarize_Success(t *testing.T) {
	client := &mockClient{}
	s := NewSummarizationService(client, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), testMessages(10, 40), LevelModerate)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Summary == "" || res.TokenCount == 0 {
		t.Errorf("summary should be populated: %+v", res)
	}
	if res.Model != "test-model" || res.Level != LevelModerate {
		t.Errorf("result metadata wrong: %+v", res)
	}
}

func TestSetFocus_ConcurrentWithSummarize(t *testing.T) {
	// Mode changes arrive from the user while the coordinator may be
	// mid-summarization on another goroutine. Run both under the race
	// detector.
	s := NewSummarizationService(&mockClient{}, NewEstimatingCounter(), "test-model")
	msgs := testMessages(10, 40)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, m := range []Mode{ModePlanning, ModeDeveloper, ModeDebugger, ModeAssistant} {
			s.SetFocus(SummaryFocus(m))
		}
	}()

	for i := 0; i < 4; i++ {
		if res := s.Summarize(context.Background(), msgs, LevelModerate); !res.Success {
			t.Fatalf("summarize failed: %q", res.Error)
		}
	}
	<-done
}

func TestSummarize_NoProviderIsCleanFailure(t *testing.T) {
	s := NewSummarizationService(nil, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), testMessages(4, 10), LevelCompact)
	if res.Success {
		t.Error("expected failure without a provider")
	}
	if res.Error == "" {
		t.Error("failure must carry a reason")
	}
}

func TestSummarize_EmptyInput(t *testing.T) {
	s := NewSummarizationService(&mockClient{}, NewEstimatingCounter(), "test-model")
	if res := s.Summarize(context.Background(), nil, LevelCompact); res.Success {
		t.Error("summarizing nothing should fail cleanly")
	}
}

func TestSummarize_TinyInputDoesNotPanic(t *testing.T) {
	// A provider echoing nothing useful for a 2-character message must come
	// back as Success=false, never as a panic.
	client := &mockClient{ReplyFunc: func(req provider.ChatRequest) (string, error) {
		return "", nil
	}}
	s := NewSummarizationService(client, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), []Message{
		{ID: "m1", Role: RoleUser, Content: "ab"},
	}, LevelCompact)

	if res.Success {
		t.Error("empty summary must be rejected")
	}
	if res.Error == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestSummarize_RejectsTooShort(t *testing.T) {
	client := &mockClient{ReplyFunc: func(req provider.ChatRequest) (string, error) {
		return "too short", nil
	}}
	s := NewSummarizationService(client, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), testMessages(6, 30), LevelCompact)
	if res.Success {
		t.Error("a sub-minimum summary must be rejected")
	}
}

func TestSummarize_RejectsNotShorter(t *testing.T) {
	blob := strings.Repeat("verbatim repetition of everything said ", 50)
	client := &mockClient{ReplyFunc: func(req provider.ChatRequest) (string, error) {
		return blob + blob, nil
	}}
	s := NewSummarizationService(client, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), []Message{
		{ID: "m1", Role: RoleUser, Content: blob},
	}, LevelModerate)
	if res.Success {
		t.Error("a summary longer than the original must be rejected")
	}
}

func TestSummarize_RejectsInstructionEcho(t *testing.T) {
	client := &mockClient{ReplyFunc: func(req provider.ChatRequest) (string, error) {
		// Parrot the system instruction back.
		return req.Messages[0].Content, nil
	}}
	s := NewSummarizationService(client, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), testMessages(6, 100), LevelModerate)
	if res.Success {
		t.Error("an instruction echo must be rejected")
	}
}

func TestSummarize_ProviderErrorSurfacesCleanly(t *testing.T) {
	s := NewSummarizationService(&failingClient{err: context.DeadlineExceeded}, NewEstimatingCounter(), "test-model")

	res := s.Summarize(context.Background(), testMessages(6, 30), LevelModerate)
	if res.Success {
		t.Error("provider failure must produce Success=false")
	}
	if !strings.Contains(res.Error, "provider") {
		t.Errorf("error should name the provider boundary, got %q", res.Error)
	}
}

func TestBuildInstruction_ScalesWithLevel(t *testing.T) {
	s := NewSummarizationService(nil, NewEstimatingCounter(), "test-model")
	original := strings.Repeat("word ", 200)

	compact := s.buildInstruction(LevelCompact, original)
	detailed := s.buildInstruction(LevelDetailed, original)

	if !strings.Contains(compact, "30%") {
		t.Errorf("compact instruction should target 30%%, got %q", compact)
	}
	if !strings.Contains(detailed, "70%") {
		t.Errorf("detailed instruction should target 70%%, got %q", detailed)
	}
}
