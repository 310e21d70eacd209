package context

// =============================================================================
// Tiered Strategy Selector
// =============================================================================
// Maps the current context-size tier to a named compression strategy with
// tier-specific checkpoint ceilings and merge policies. The mapping is a
// pure function of the tier; only checkpoint *content* is mode-aware.

// TierStrategy names the per-tier compression behavior.
type TierStrategy string

const (
	// TierRollover discards all history into one ultra-compact summary
	// message. The only strategy that does not use checkpoints.
	TierRollover TierStrategy = "rollover"

	// TierSmart maintains exactly one checkpoint; new compressions merge
	// into it rather than appending.
	TierSmart TierStrategy = "smart"

	// TierProgressive keeps a small hierarchy of checkpoints that age from
	// detailed to compact, merging the oldest when the ceiling is exceeded.
	TierProgressive TierStrategy = "progressive"

	// TierStructured is progressive with larger ceilings and richer
	// per-checkpoint metadata.
	TierStructured TierStrategy = "structured"
)

// TierPolicy is the strategy selector output for one tier.
type TierPolicy struct {
	Strategy       TierStrategy
	MaxCheckpoints int

	// MergedSummaryTokens bounds the summary kept when old checkpoints are
	// merged; larger tiers can afford larger merged summaries.
	MergedSummaryTokens int

	// RichMetadata enables the structured tiers' per-checkpoint metadata
	// (files touched, decisions, artifacts).
	RichMetadata bool
}

// PolicyForTier returns the strategy and ceilings for a tier.
func PolicyForTier(tier ContextTier) TierPolicy {
	switch tier {
	case Tier1Minimal:
		return TierPolicy{Strategy: TierRollover, MaxCheckpoints: 0, MergedSummaryTokens: 60}
	case Tier2Basic:
		return TierPolicy{Strategy: TierSmart, MaxCheckpoints: 1, MergedSummaryTokens: 100}
	case Tier3Standard:
		return TierPolicy{Strategy: TierProgressive, MaxCheckpoints: 5, MergedSummaryTokens: 150}
	case Tier4Premium:
		return TierPolicy{Strategy: TierStructured, MaxCheckpoints: 10, MergedSummaryTokens: 200, RichMetadata: true}
	case Tier5Ultra:
		return TierPolicy{Strategy: TierStructured, MaxCheckpoints: 15, MergedSummaryTokens: 300, RichMetadata: true}
	default:
		return TierPolicy{Strategy: TierProgressive, MaxCheckpoints: 5, MergedSummaryTokens: 150}
	}
}

// SummaryFocus returns the mode-specific instruction fragment that biases
// what a checkpoint summary foregrounds.
func SummaryFocus(mode Mode) string {
	switch mode {
	case ModeDeveloper:
		return "Foreground architecture decisions, files touched, and code artifacts."
	case ModeDebugger:
		return "Foreground errors, stack traces, reproduction steps, and fixes attempted."
	case ModePlanning:
		return "Foreground goals, open decisions, task breakdowns, and blockers."
	default:
		return "Foreground user intents, answers given, and unresolved questions."
	}
}
