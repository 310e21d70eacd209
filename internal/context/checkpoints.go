package context

import (
	"fmt"
	"strings"
	"time"

	"ollm/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// Checkpoint Aging & Merging
// =============================================================================
// Checkpoints form a hierarchy: a fresh checkpoint carries a detailed
// summary (level 3) and is progressively demoted toward compact (level 1)
// as newer checkpoints arrive behind it. When a tier's ceiling is exceeded
// the oldest entries are merged into a single checkpoint tagged merged-*.

// newCheckpoint builds a checkpoint from a compressed span. Fresh
// checkpoints start detailed; aging compacts them later.
func newCheckpoint(summary string, source []Message, tokenCount, compressionNumber int, meta CheckpointMetadata) Checkpoint {
	ids := make([]string, 0, len(source))
	var earliest time.Time
	for i, m := range source {
		ids = append(ids, m.ID)
		if i == 0 || m.Timestamp.Before(earliest) {
			earliest = m.Timestamp
		}
	}
	return Checkpoint{
		ID:                 uuid.NewString(),
		Summary:            summary,
		OriginalMessageIDs: ids,
		TokenCount:         tokenCount,
		CompressionLevel:   LevelDetailed,
		CompressionNumber:  compressionNumber,
		CreatedAt:          earliest,
		CompressedAt:       time.Now(),
		Metadata:           meta,
	}
}

// ageCheckpoints demotes older checkpoints toward the compact level. The
// newest third stays detailed, the middle third is moderate, the oldest
// third compact. Demotion also trims the summary to the level's share of
// its current length; checkpoints are never promoted back up.
func ageCheckpoints(tc TokenCounter, cps []Checkpoint) {
	n := len(cps)
	if n == 0 {
		return
	}

	for i := range cps {
		var target CompressionLevel
		switch {
		case i >= n-(n+2)/3: // newest third
			target = LevelDetailed
		case i >= n/3: // middle third
			target = LevelModerate
		default: // oldest third
			target = LevelCompact
		}
		if target >= cps[i].CompressionLevel {
			continue
		}

		share := levelTargets[target] / levelTargets[cps[i].CompressionLevel]
		cps[i].Summary = trimToShare(cps[i].Summary, share)
		cps[i].CompressionLevel = target
		cps[i].TokenCount = tc.CountTokens(cps[i].Summary)
		logging.ContextDebug("Checkpoint %s aged to level %d (%d tokens)", cps[i].ID, target, cps[i].TokenCount)
	}
}

// mergeOldest merges the oldest checkpoints so that len(result) <= ceiling.
// At least the two oldest are merged whenever merging happens at all. The
// merged summary is bounded by maxSummaryTokens.
func mergeOldest(tc TokenCounter, cps []Checkpoint, ceiling, maxSummaryTokens, compressionNumber int) []Checkpoint {
	if ceiling < 1 || len(cps) <= ceiling {
		return cps
	}

	mergeCount := len(cps) - ceiling + 1
	if mergeCount < 2 {
		mergeCount = 2
	}
	victims := cps[:mergeCount]

	var ids, sources []string
	var parts []string
	for _, v := range victims {
		ids = append(ids, v.OriginalMessageIDs...)
		sources = append(sources, v.ID)
		parts = append(parts, v.Summary)
	}

	summary := boundSummary(strings.Join(parts, " "), maxSummaryTokens, tc)
	merged := Checkpoint{
		ID:                 fmt.Sprintf("merged-%s", uuid.NewString()[:8]),
		Summary:            summary,
		OriginalMessageIDs: ids,
		TokenCount:         tc.CountTokens(summary),
		CompressionLevel:   LevelCompact,
		CompressionNumber:  compressionNumber,
		CreatedAt:          victims[0].CreatedAt,
		CompressedAt:       time.Now(),
		MergedFrom:         sources,
		Metadata:           mergeMetadata(victims),
	}

	logging.ContextInfo("Merged %d oldest checkpoints into %s (%d tokens)", mergeCount, merged.ID, merged.TokenCount)

	out := make([]Checkpoint, 0, ceiling)
	out = append(out, merged)
	out = append(out, cps[mergeCount:]...)
	return out
}

// mergeMetadata unions the structured metadata of the merged checkpoints.
func mergeMetadata(victims []Checkpoint) CheckpointMetadata {
	var meta CheckpointMetadata
	seen := map[string]bool{}
	add := func(dst *[]string, items []string) {
		for _, it := range items {
			if !seen[it] {
				seen[it] = true
				*dst = append(*dst, it)
			}
		}
	}
	for _, v := range victims {
		add(&meta.FilesTouched, v.Metadata.FilesTouched)
		add(&meta.Decisions, v.Metadata.Decisions)
		add(&meta.Artifacts, v.Metadata.Artifacts)
		meta.Mode = v.Metadata.Mode
	}
	return meta
}

// boundSummary trims text to at most maxTokens, cutting at a word boundary.
func boundSummary(text string, maxTokens int, tc TokenCounter) string {
	if maxTokens <= 0 || tc.CountTokens(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	// Binary-search-free: shrink proportionally, then nibble.
	keep := len(words) * maxTokens / maxInt(tc.CountTokens(text), 1)
	if keep < 1 {
		keep = 1
	}
	trimmed := strings.Join(words[:minInt(keep, len(words))], " ")
	for tc.CountTokens(trimmed) > maxTokens && keep > 1 {
		keep--
		trimmed = strings.Join(words[:keep], " ")
	}
	return trimmed + " …"
}

// trimToShare keeps roughly the given fraction of the text's words.
func trimToShare(text string, share float64) string {
	if share >= 1.0 {
		return text
	}
	words := strings.Fields(text)
	keep := int(float64(len(words)) * share)
	if keep < 1 {
		keep = 1
	}
	if keep >= len(words) {
		return text
	}
	return strings.Join(words[:keep], " ") + " …"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
