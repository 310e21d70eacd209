package context

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func createTestCompression(t *testing.T, client *mockClient, cfg EngineConfig) *CompressionService {
	t.Helper()
	counter := NewEstimatingCounter()
	var summarizer *SummarizationService
	if client != nil {
		summarizer = NewSummarizationService(client, counter, "test-model")
	} else {
		summarizer = NewSummarizationService(nil, counter, "test-model")
	}
	return NewCompressionService(counter, summarizer, cfg)
}

func TestShouldCompress_StrictThreshold(t *testing.T) {
	s := createTestCompression(t, nil, testEngineConfig())

	cases := []struct {
		current, threshold int
		want               bool
	}{
		{1000, 800, true},
		{801, 800, true},
		{800, 800, false}, // exactly at threshold does not trigger
		{500, 800, false},
		{0, 0, false},
	}
	for _, tc := range cases {
		if got := s.ShouldCompress(tc.current, tc.threshold); got != tc.want {
			t.Errorf("ShouldCompress(%d, %d) = %v, want %v", tc.current, tc.threshold, got, tc.want)
		}
	}
}

func TestTruncate_HonorsPreservationFloor(t *testing.T) {
	cfg := testEngineConfig()
	cfg.PreserveRecentTokens = 10 // far below the 30% floor
	s := createTestCompression(t, nil, cfg)

	msgs := testMessages(20, 40)
	res, err := s.Compress(context.Background(), msgs, StrategyTruncate)
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	floor := int(float64(res.OriginalTokens) * cfg.MinPreservationRatio)
	if res.CompressedTokens < floor {
		t.Errorf("compressed %d tokens is below the %d floor (original %d)",
			res.CompressedTokens, floor, res.OriginalTokens)
	}
	if res.Status != StatusSuccess {
		t.Errorf("expected success, got %s", res.Status)
	}
}

func TestTruncate_SyntheticNoteLeadsPreserved(t *testing.T) {
	s := createTestCompression(t, nil, testEngineConfig())

	msgs := testMessages(20, 40)
	res, err := s.Compress(context.Background(), msgs, StrategyTruncate)
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	if len(res.Preserved) == 0 {
		t.Fatal("nothing preserved")
	}
	note := res.Preserved[0]
	if note.Role != RoleSystem {
		t.Errorf("first preserved message should be the synthetic system note, got role %s", note.Role)
	}
	if !strings.Contains(note.Content, "truncated") {
		t.Errorf("note should describe the discarded span, got %q", note.Content)
	}

	// Every other preserved message is the newest tail, in order.
	rest := res.Preserved[1:]
	tail := msgs[len(msgs)-len(rest):]
	for i := range rest {
		if rest[i].ID != tail[i].ID {
			t.Fatalf("preserved[%d] = %s, want %s", i+1, rest[i].ID, tail[i].ID)
		}
	}
}

func TestTruncate_InflationIsSignalNotError(t *testing.T) {
	cfg := testEngineConfig()
	cfg.PreserveRecentTokens = 0
	cfg.MinPreservationRatio = 0
	s := createTestCompression(t, nil, cfg)

	// Tiny messages: the synthetic note costs more than it saves.
	msgs := []Message{
		{ID: "a", Role: RoleUser, Content: "hi"},
		{ID: "b", Role: RoleAssistant, Content: "yo"},
	}
	res, err := s.Compress(context.Background(), msgs, StrategyTruncate)
	if err != nil {
		t.Fatalf("inflation must not surface as an error: %v", err)
	}
	if res.Status != StatusInflated {
		t.Errorf("expected StatusInflated, got %s (original=%d compressed=%d)",
			res.Status, res.OriginalTokens, res.CompressedTokens)
	}
}

func TestCompress_UnknownStrategy(t *testing.T) {
	s := createTestCompression(t, nil, testEngineConfig())
	if _, err := s.Compress(context.Background(), testMessages(4, 10), CompressionStrategy("vanish")); err == nil {
		t.Error("unknown strategy should error")
	}
}

func TestHybrid_SummarizesOlderKeepsRecent(t *testing.T) {
	client := &mockClient{}
	s := createTestCompression(t, client, testEngineConfig())

	msgs := testMessages(20, 40)
	res, err := s.Compress(context.Background(), msgs, StrategyHybrid)
	if err != nil {
		t.Fatalf("hybrid failed: %v", err)
	}

	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	if res.Summary == "" {
		t.Error("hybrid should produce a summary of the older span")
	}
	if len(res.Preserved) == 0 || len(res.Preserved) >= len(msgs) {
		t.Errorf("expected a strict recent subset preserved, got %d of %d", len(res.Preserved), len(msgs))
	}
	if res.CompressedTokens >= res.OriginalTokens {
		t.Errorf("expected shrinkage: %d -> %d", res.OriginalTokens, res.CompressedTokens)
	}
	// Preserved messages are the newest ones.
	last := res.Preserved[len(res.Preserved)-1]
	if last.ID != msgs[len(msgs)-1].ID {
		t.Errorf("newest message must survive hybrid compression")
	}
}

func TestHybrid_ProviderFailureSurfacesAsError(t *testing.T) {
	counter := NewEstimatingCounter()
	summarizer := NewSummarizationService(&failingClient{err: fmt.Errorf("connection refused")}, counter, "test-model")
	s := NewCompressionService(counter, summarizer, testEngineConfig())

	res, err := s.Compress(context.Background(), testMessages(20, 40), StrategyHybrid)
	if err == nil {
		t.Fatal("expected error when the provider is down")
	}
	if res.Status != StatusFailed {
		t.Errorf("expected StatusFailed, got %s", res.Status)
	}
}

func TestEstimateCompression_ReadOnlyAndBounded(t *testing.T) {
	s := createTestCompression(t, nil, testEngineConfig())

	msgs := testMessages(20, 40)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	est := s.EstimateCompression(msgs)

	original := CountMessages(NewEstimatingCounter(), msgs)
	if est.EstimatedTokens <= 0 || est.EstimatedTokens > original {
		t.Errorf("estimate %d out of range (0, %d]", est.EstimatedTokens, original)
	}
	if est.EstimatedRatio <= 0 || est.EstimatedRatio > 1.0 {
		t.Errorf("ratio %v out of range", est.EstimatedRatio)
	}

	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Fatal("EstimateCompression mutated its input")
		}
	}
}

func TestEstimateCompression_Empty(t *testing.T) {
	s := createTestCompression(t, nil, testEngineConfig())
	est := s.EstimateCompression(nil)
	if est.EstimatedTokens != 0 || est.EstimatedRatio != 1.0 {
		t.Errorf("empty input should estimate to zero at ratio 1.0, got %+v", est)
	}
}
