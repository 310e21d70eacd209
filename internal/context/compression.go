package context

import (
	"context"
	"fmt"
	"time"

	"ollm/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// Compression Service
// =============================================================================
// Pure strategy layer: given messages and a strategy, produce a compressed
// result with guardrails. Holds no conversation state; the orchestrator and
// coordinator decide whether to apply a result.

// CompressionService shrinks message spans via truncation, summarization,
// or a hybrid of both.
type CompressionService struct {
	counter    TokenCounter
	summarizer *SummarizationService
	cfg        EngineConfig
}

// NewCompressionService creates the strategy layer.
func NewCompressionService(counter TokenCounter, summarizer *SummarizationService, cfg EngineConfig) *CompressionService {
	return &CompressionService{
		counter:    counter,
		summarizer: summarizer,
		cfg:        cfg,
	}
}

// ShouldCompress reports whether current usage exceeds the threshold.
// Strict inequality: exactly-at-threshold does not trigger.
func (s *CompressionService) ShouldCompress(currentTokens, thresholdTokens int) bool {
	return currentTokens > thresholdTokens
}

// Compress applies the named strategy to messages. The returned result may
// carry StatusInflated, which is expected for very small inputs and means
// "do not apply if avoidable", not an error.
func (s *CompressionService) Compress(ctx context.Context, messages []Message, strategy CompressionStrategy) (CompressionResult, error) {
	timer := logging.StartTimer(logging.CategoryContext, fmt.Sprintf("Compress(%s)", strategy))
	defer timer.Stop()

	switch strategy {
	case StrategyTruncate:
		return s.truncate(messages), nil
	case StrategySummarize:
		return s.summarize(ctx, messages)
	case StrategyHybrid:
		return s.hybrid(ctx, messages)
	default:
		return CompressionResult{Status: StatusFailed}, fmt.Errorf("unknown compression strategy %q", strategy)
	}
}

// EstimateCompression previews a hybrid pass. Read-only: touches neither
// conversation state nor persisted state. Used for UI previews.
func (s *CompressionService) EstimateCompression(messages []Message) CompressionEstimate {
	original := CountMessages(s.counter, messages)
	if original == 0 {
		return CompressionEstimate{EstimatedTokens: 0, EstimatedRatio: 1.0}
	}

	_, recent := s.splitAtRecentBudget(messages)
	recentTokens := CountMessages(s.counter, recent)
	olderTokens := original - recentTokens

	// Summaries land near the compact level target in practice.
	estimated := recentTokens + int(float64(olderTokens)*levelTargets[LevelCompact])
	if floor := s.preservationFloor(original); estimated < floor {
		estimated = floor
	}
	if estimated > original {
		estimated = original
	}

	return CompressionEstimate{
		EstimatedTokens: estimated,
		EstimatedRatio:  float64(estimated) / float64(original),
	}
}

// truncate keeps the newest messages within the preserve-recent budget but
// never drops below the minimum-preservation floor of the original tokens.
func (s *CompressionService) truncate(messages []Message) CompressionResult {
	original := CountMessages(s.counter, messages)
	result := CompressionResult{OriginalTokens: original, Status: StatusSuccess}

	if len(messages) == 0 {
		result.CompressionRatio = 1.0
		return result
	}

	floor := s.preservationFloor(original)

	// Walk newest-first until the recent budget is met, then keep extending
	// until the floor is satisfied. The floor wins unconditionally.
	kept := 0
	keptTokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		t := CountMessage(s.counter, messages[i])
		if keptTokens >= s.cfg.PreserveRecentTokens && keptTokens >= floor {
			break
		}
		keptTokens += t
		kept++
	}

	cut := len(messages) - kept
	preserved := make([]Message, 0, kept+1)
	dropped := messages[:cut]

	if len(dropped) > 0 {
		note := Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   describeDiscardedSpan(dropped),
			Timestamp: time.Now(),
		}
		result.Summary = note.Content
		preserved = append(preserved, note)
	}
	preserved = append(preserved, messages[cut:]...)

	result.Preserved = preserved
	result.CompressedTokens = CountMessages(s.counter, preserved)
	result.CompressionRatio = ratio(result.CompressedTokens, original)
	if result.CompressedTokens >= original && len(dropped) > 0 {
		result.Status = StatusInflated
	}
	return result
}

// summarize delegates the whole span to the summarization service.
func (s *CompressionService) summarize(ctx context.Context, messages []Message) (CompressionResult, error) {
	original := CountMessages(s.counter, messages)
	result := CompressionResult{OriginalTokens: original}

	sr := s.summarizer.Summarize(ctx, messages, LevelModerate)
	if !sr.Success {
		result.Status = StatusFailed
		return result, fmt.Errorf("summarization failed: %s", sr.Error)
	}

	result.Summary = sr.Summary
	result.CompressedTokens = sr.TokenCount + messageOverheadTokens
	result.CompressionRatio = ratio(result.CompressedTokens, original)
	result.Status = StatusSuccess
	if result.CompressedTokens >= original {
		result.Status = StatusInflated
	}
	return result, nil
}

// hybrid summarizes the older portion and preserves the newer portion
// verbatim within the preserve-recent budget.
func (s *CompressionService) hybrid(ctx context.Context, messages []Message) (CompressionResult, error) {
	original := CountMessages(s.counter, messages)
	older, recent := s.splitAtRecentBudget(messages)

	if len(older) == 0 {
		// Nothing old enough to summarize; the span already fits.
		return CompressionResult{
			Preserved:        recent,
			OriginalTokens:   original,
			CompressedTokens: original,
			CompressionRatio: 1.0,
			Status:           StatusSuccess,
		}, nil
	}

	sr := s.summarizer.Summarize(ctx, older, LevelModerate)
	if !sr.Success {
		return CompressionResult{OriginalTokens: original, Status: StatusFailed},
			fmt.Errorf("summarization failed: %s", sr.Error)
	}

	result := CompressionResult{
		Summary:        sr.Summary,
		Preserved:      recent,
		OriginalTokens: original,
		Status:         StatusSuccess,
	}
	result.CompressedTokens = CountMessages(s.counter, recent) + sr.TokenCount + messageOverheadTokens
	result.CompressionRatio = ratio(result.CompressedTokens, original)
	if result.CompressedTokens >= original {
		result.Status = StatusInflated
	}
	return result, nil
}

// splitAtRecentBudget partitions messages into (older, recent) where recent
// is the newest span within the preserve-recent token budget. Recent always
// holds at least the newest message when any exist.
func (s *CompressionService) splitAtRecentBudget(messages []Message) (older, recent []Message) {
	if len(messages) == 0 {
		return nil, nil
	}

	keptTokens := 0
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		t := CountMessage(s.counter, messages[i])
		if keptTokens+t > s.cfg.PreserveRecentTokens && cut < len(messages) {
			break
		}
		keptTokens += t
		cut = i
	}
	return messages[:cut], messages[cut:]
}

// preservationFloor returns the minimum token count truncate must keep.
func (s *CompressionService) preservationFloor(originalTokens int) int {
	floor := int(float64(originalTokens) * s.cfg.MinPreservationRatio)
	if floor < 0 {
		floor = 0
	}
	return floor
}

// describeDiscardedSpan renders the synthetic system note that replaces a
// truncated span.
func describeDiscardedSpan(dropped []Message) string {
	users := 0
	for _, m := range dropped {
		if m.Role == RoleUser {
			users++
		}
	}
	first := dropped[0].Timestamp.Format("15:04")
	last := dropped[len(dropped)-1].Timestamp.Format("15:04")
	return fmt.Sprintf("[%d earlier messages (%d from the user, %s-%s) were truncated to fit the context window]",
		len(dropped), users, first, last)
}

func ratio(compressed, original int) float64 {
	if original == 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}
