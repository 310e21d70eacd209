package context

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ollm/internal/logging"
	"ollm/internal/provider"
)

// =============================================================================
// Summarization Service
// =============================================================================
// Drives the external text-generation provider to produce a natural-language
// summary at a requested compression level, with quality/length validation.
// This boundary never lets a provider failure escape as a panic or error:
// callers get Success=false with a reason and decide whether to retry, fall
// back to truncate, or surface to the user.

// level targets as a fraction of the original content length.
var levelTargets = map[CompressionLevel]float64{
	LevelCompact:  0.30,
	LevelModerate: 0.50,
	LevelDetailed: 0.70,
}

// minSummaryChars is the validation floor for a usable summary.
const minSummaryChars = 20

// SummarizationService produces LLM-backed summaries of message spans.
type SummarizationService struct {
	client  provider.Client
	counter TokenCounter
	model   string

	// focus is the mode-derived instruction fragment; see SummaryFocus.
	// Mode changes may land while a summarization is streaming.
	mu    sync.Mutex
	focus string
}

// NewSummarizationService creates a summarizer bound to a provider client.
func NewSummarizationService(client provider.Client, counter TokenCounter, model string) *SummarizationService {
	return &SummarizationService{
		client:  client,
		counter: counter,
		model:   model,
		focus:   SummaryFocus(ModeAssistant),
	}
}

// SetFocus updates the mode-derived summary focus.
func (s *SummarizationService) SetFocus(focus string) {
	s.mu.Lock()
	s.focus = focus
	s.mu.Unlock()
}

// Summarize produces a summary of messages at the requested level.
// Cancellation of ctx is a clean failure, not a crash.
func (s *SummarizationService) Summarize(ctx context.Context, messages []Message, level CompressionLevel) SummaryResult {
	timer := logging.StartTimer(logging.CategoryAPI, "Summarize")
	defer timer.StopWithThreshold(10 * time.Second)

	result := SummaryResult{Level: level, Model: s.model}

	if s.client == nil {
		result.Error = "no provider configured"
		return result
	}
	if len(messages) == 0 {
		result.Error = "nothing to summarize"
		return result
	}

	original := renderTranscript(messages)
	instruction := s.buildInstruction(level, original)

	req := provider.ChatRequest{
		Model: s.model,
		Messages: []provider.ChatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: original},
		},
	}

	stream, err := s.client.ChatStream(ctx, req)
	if err != nil {
		result.Error = fmt.Sprintf("provider call failed: %v", err)
		return result
	}

	var sb strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkText:
			sb.WriteString(chunk.Text)
		case provider.ChunkError:
			result.Error = fmt.Sprintf("provider stream failed: %v", chunk.Err)
			return result
		case provider.ChunkFinish:
			// Stream is about to close.
		}
	}

	summary := strings.TrimSpace(sb.String())
	if reason := validateSummary(summary, original, instruction); reason != "" {
		logging.APIDebug("Summary rejected: %s (len=%d)", reason, len(summary))
		result.Error = reason
		return result
	}

	result.Summary = summary
	result.TokenCount = s.counter.CountTokens(summary)
	result.Success = true
	return result
}

// buildInstruction composes the level-specific summarization prompt.
func (s *SummarizationService) buildInstruction(level CompressionLevel, original string) string {
	target := levelTargets[level]
	if target == 0 {
		target = 0.50
	}
	approxWords := int(float64(len(strings.Fields(original))) * target)
	if approxWords < 15 {
		approxWords = 15
	}

	s.mu.Lock()
	focus := s.focus
	s.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Summarize the following conversation excerpt so another assistant can resume the session seamlessly. ")
	fmt.Fprintf(&sb, "Target roughly %d%% of the original length (about %d words). ", int(target*100), approxWords)
	sb.WriteString(focus)
	sb.WriteString(" Preserve concrete facts, decisions, and anything the user asked for explicitly. Reply with the summary only.")
	return sb.String()
}

// validateSummary applies the quality floor. Returns an empty string when
// the summary is acceptable, otherwise the rejection reason.
func validateSummary(summary, original, instruction string) string {
	if summary == "" {
		return "summary is empty"
	}
	if len(summary) < minSummaryChars {
		return fmt.Sprintf("summary too short (%d chars, minimum %d)", len(summary), minSummaryChars)
	}
	// Tolerate pathologically short inputs: the strictly-shorter rule only
	// applies when the original is long enough for it to be meaningful.
	if len(original) > minSummaryChars*2 && len(summary) >= len(original) {
		return "summary is not shorter than original content"
	}
	// Reject echoes of the instruction prompt.
	prefix := summary
	if len(prefix) > 80 {
		cut := 80
		for cut > 0 && !utf8.RuneStart(prefix[cut]) {
			cut--
		}
		prefix = prefix[:cut]
	}
	if strings.Contains(instruction, prefix) {
		return "summary echoes the instruction prompt"
	}
	return ""
}

// renderTranscript serializes messages as a plain transcript for the
// summarization prompt.
func renderTranscript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}
