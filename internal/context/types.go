// Package context implements the context orchestration and compression
// engine: token accounting, tiered compression strategies, checkpoint
// aging/merging, recovery snapshots, and the prompt-building surface the
// rest of the application calls.
package context

import (
	"time"

	"ollm/internal/config"
)

// =============================================================================
// SECTION 1: Messages and Checkpoints
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation message. Immutable once created; the
// engine consumes messages, it never edits them in place.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count,omitempty"`
}

// CompressionLevel grades checkpoint summaries: 1 is the most compact,
// 3 the most detailed.
type CompressionLevel int

const (
	LevelCompact  CompressionLevel = 1
	LevelModerate CompressionLevel = 2
	LevelDetailed CompressionLevel = 3
)

// CheckpointMetadata carries the richer per-checkpoint context recorded at
// the structured tiers.
type CheckpointMetadata struct {
	FilesTouched []string `json:"files_touched,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	Artifacts    []string `json:"artifacts,omitempty"`
	Mode         Mode     `json:"mode,omitempty"`
}

// Checkpoint is a compressed summary of a contiguous range of discarded
// messages. Owned exclusively by the ConversationContext.
type Checkpoint struct {
	ID                 string             `json:"id"`
	Summary            string             `json:"summary"`
	OriginalMessageIDs []string           `json:"original_message_ids"`
	TokenCount         int                `json:"token_count"`
	CompressionLevel   CompressionLevel   `json:"compression_level"`
	CompressionNumber  int                `json:"compression_number"`
	CreatedAt          time.Time          `json:"created_at"`
	CompressedAt       time.Time          `json:"compressed_at"`
	Metadata           CheckpointMetadata `json:"metadata,omitempty"`

	// MergedFrom records the source checkpoint ids a merged checkpoint
	// replaces. Empty for checkpoints created directly from messages.
	MergedFrom []string `json:"merged_from,omitempty"`
}

// =============================================================================
// SECTION 2: The Live Working Set
// =============================================================================

// TokenBreakdown is the authoritative token accounting for the working set.
// Total always equals System + Checkpoints + Recent as actually serialized
// into the prompt.
type TokenBreakdown struct {
	Total       int `json:"total"`
	System      int `json:"system"`
	Checkpoints int `json:"checkpoints"`
	Recent      int `json:"recent"`
}

// Goal is consumed, not owned: the engine reads the active goal to bias
// what is preserved during compression.
type Goal struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Subtasks    []string `json:"subtasks,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	Checkpoints []string `json:"checkpoints,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
}

// GoalManager supplies the currently active goal, if any.
type GoalManager interface {
	GetActiveGoal() *Goal
}

// ConversationContext is the live working set. Exactly one instance per
// session; mutated only through the Orchestrator.
type ConversationContext struct {
	SessionID      string         `json:"session_id"`
	SystemPrompt   string         `json:"system_prompt"`
	Checkpoints    []Checkpoint   `json:"checkpoints"`     // oldest -> newest
	RecentMessages []Message      `json:"recent_messages"` // uncompressed tail
	TokenCount     TokenBreakdown `json:"token_count"`

	// Never-compressed sections, re-serialized after every compression pass.
	TaskDefinition        string `json:"task_definition,omitempty"`
	ArchitectureDecisions string `json:"architecture_decisions,omitempty"`

	Goal *Goal `json:"goal,omitempty"`
}

// =============================================================================
// SECTION 3: Tiers and Modes
// =============================================================================

// ContextTier is a band of context-window sizes with an associated
// compression strategy. Pure function of the configured size; recomputed on
// resize, never persisted independently.
type ContextTier int

const (
	Tier1Minimal  ContextTier = 1 // <= 4K
	Tier2Basic    ContextTier = 2 // 4-8K
	Tier3Standard ContextTier = 3 // 8-32K
	Tier4Premium  ContextTier = 4 // 32-64K
	Tier5Ultra    ContextTier = 5 // 64K+
)

// TierForSize derives the tier from a context-window size in tokens.
func TierForSize(size int) ContextTier {
	switch {
	case size <= 4096:
		return Tier1Minimal
	case size <= 8192:
		return Tier2Basic
	case size <= 32768:
		return Tier3Standard
	case size <= 65536:
		return Tier4Premium
	default:
		return Tier5Ultra
	}
}

func (t ContextTier) String() string {
	switch t {
	case Tier1Minimal:
		return "TIER_1_MINIMAL"
	case Tier2Basic:
		return "TIER_2_BASIC"
	case Tier3Standard:
		return "TIER_3_STANDARD"
	case Tier4Premium:
		return "TIER_4_PREMIUM"
	case Tier5Ultra:
		return "TIER_5_ULTRA"
	default:
		return "TIER_UNKNOWN"
	}
}

// Mode is the active operational mode. It biases what checkpoint summaries
// foreground; it never changes the tier/strategy mapping.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModePlanning  Mode = "planning"
	ModeDeveloper Mode = "developer"
	ModeDebugger  Mode = "debugger"
)

// =============================================================================
// SECTION 4: Snapshots
// =============================================================================

// ArchivedUserMessage records a user message whose verbatim copy left the
// working set; the reference plus summary make the content recoverable.
type ArchivedUserMessage struct {
	MessageID  string    `json:"message_id"`
	Summary    string    `json:"summary"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ContextSnapshot is a durable, point-in-time copy of enough state to fully
// restore a session. Immutable once written.
type ContextSnapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`

	TokenCount int    `json:"token_count"`
	Summary    string `json:"summary"`

	// Every user message ever sent this session; never discarded.
	UserMessages []Message `json:"user_messages"`

	// Summarized older user turns.
	ArchivedUserMessages []ArchivedUserMessage `json:"archived_user_messages,omitempty"`

	Messages    []Message    `json:"messages"`
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	SystemPrompt          string `json:"system_prompt,omitempty"`
	TaskDefinition        string `json:"task_definition,omitempty"`
	ArchitectureDecisions string `json:"architecture_decisions,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// SECTION 5: Reasoning Traces
// =============================================================================

// ReasoningTrace is thinking-block content tied to a message.
type ReasoningTrace struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	GoalID       string    `json:"goal_id,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArchivedReasoningTrace is an aged trace reduced to a short summary plus
// extracted key insights.
type ArchivedReasoningTrace struct {
	TraceID     string    `json:"trace_id"`
	MessageID   string    `json:"message_id"`
	Summary     string    `json:"summary"` // <= 200 characters
	KeyInsights []string  `json:"key_insights,omitempty"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// =============================================================================
// SECTION 6: Operation Results
// =============================================================================

// CompressionStatus classifies a compression pass.
type CompressionStatus string

const (
	StatusSuccess CompressionStatus = "success"
	// StatusInflated means the pass would increase token count. Expected for
	// very small inputs; a signal not to apply the result, never an error.
	StatusInflated CompressionStatus = "inflated"
	StatusFailed   CompressionStatus = "failed"
)

// CompressionStrategy selects how a span of messages is shrunk.
type CompressionStrategy string

const (
	StrategyTruncate  CompressionStrategy = "truncate"
	StrategySummarize CompressionStrategy = "summarize"
	StrategyHybrid    CompressionStrategy = "hybrid"
)

// CompressionResult is the outcome of a CompressionService pass.
type CompressionResult struct {
	Summary          string            `json:"summary,omitempty"`
	Preserved        []Message         `json:"preserved"`
	OriginalTokens   int               `json:"original_tokens"`
	CompressedTokens int               `json:"compressed_tokens"`
	CompressionRatio float64           `json:"compression_ratio"`
	Status           CompressionStatus `json:"status"`
}

// CompressionEstimate previews a compression pass without mutating state.
type CompressionEstimate struct {
	EstimatedTokens int     `json:"estimated_tokens"`
	EstimatedRatio  float64 `json:"estimated_ratio"`
}

// SummaryResult is the outcome of one summarization call. Provider and
// validation failures surface as Success=false, never as a panic.
type SummaryResult struct {
	Summary    string           `json:"summary"`
	TokenCount int              `json:"token_count"`
	Level      CompressionLevel `json:"level"`
	Model      string           `json:"model"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
}

// AddResult is returned by Orchestrator.AddMessage. The message is appended
// even on failure; callers must treat Err != nil as "added but not yet safe".
type AddResult struct {
	Success              bool
	CompressionTriggered bool
	TokensFreed          int
	Err                  error
}

// CompressOutcome is returned by the explicit Compress operation. Provider
// failures produce Success=false with Reason set, not an error.
type CompressOutcome struct {
	Success     bool
	FreedTokens int
	Reason      string
}

// Usage is the UI-facing utilization summary.
type Usage struct {
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	Percentage    float64 `json:"percentage"`
	VRAMUsed      int64   `json:"vram_used"`
	VRAMTotal     int64   `json:"vram_total"`
}

// Budget reports the live token accounting against the configured limits.
type Budget struct {
	MaxTokens         int            `json:"max_tokens"`
	ThresholdTokens   int            `json:"threshold_tokens"`
	Breakdown         TokenBreakdown `json:"breakdown"`
	Tier              ContextTier    `json:"tier"`
	CheckpointCeiling int            `json:"checkpoint_ceiling"`
}

// ReliabilityLevel grades compression reliability for user-facing warnings.
type ReliabilityLevel string

const (
	ReliabilityExcellent ReliabilityLevel = "excellent"
	ReliabilityGood      ReliabilityLevel = "good"
	ReliabilityModerate  ReliabilityLevel = "moderate"
	ReliabilityLow       ReliabilityLevel = "low"
	ReliabilityCritical  ReliabilityLevel = "critical"
)

// Reliability pairs the [0,1] score with its level. Informational only;
// never used to block operations.
type Reliability struct {
	Score float64          `json:"score"`
	Level ReliabilityLevel `json:"level"`
}

// =============================================================================
// SECTION 7: Engine Configuration
// =============================================================================

// EngineConfig is the context package's internal configuration, converted
// from config.Config at construction time.
type EngineConfig struct {
	MaxTokens            int
	CompressionThreshold float64
	PreserveRecentTokens int
	MinPreservationRatio float64
	CompressionCooldown  time.Duration
	ModelParamsB         float64

	// Snapshot automation
	AutoCreate    bool
	AutoThreshold float64
	MaxSnapshots  int

	// Reasoning retention
	MaxRecentTraces   int
	MaxArchivedTraces int

	// Rollover keeps this many trailing messages verbatim.
	RolloverKeepMessages int
}

// DefaultEngineConfig returns the engine defaults used by tests and by
// callers without an app config.
func DefaultEngineConfig() EngineConfig {
	return EngineConfigFrom(config.Default())
}

// EngineConfigFrom converts the application config into engine terms.
func EngineConfigFrom(cfg config.Config) EngineConfig {
	cooldown, err := time.ParseDuration(cfg.ContextWindow.CompressionCooldown)
	if err != nil || cooldown < 0 {
		cooldown = 5 * time.Second
	}
	return EngineConfig{
		MaxTokens:            cfg.ContextWindow.MaxTokens,
		CompressionThreshold: cfg.ContextWindow.CompressionThreshold,
		PreserveRecentTokens: cfg.ContextWindow.PreserveRecentTokens,
		MinPreservationRatio: cfg.ContextWindow.MinPreservationRatio,
		CompressionCooldown:  cooldown,
		ModelParamsB:         cfg.ContextWindow.ModelParamsB,
		AutoCreate:           cfg.Snapshots.AutoCreate,
		AutoThreshold:        cfg.Snapshots.AutoThreshold,
		MaxSnapshots:         cfg.Snapshots.MaxSnapshots,
		MaxRecentTraces:      cfg.Reasoning.MaxRecentTraces,
		MaxArchivedTraces:    cfg.Reasoning.MaxArchivedTraces,
		RolloverKeepMessages: 4,
	}
}

// ThresholdTokens returns the token count above which compression triggers.
func (c EngineConfig) ThresholdTokens() int {
	return int(float64(c.MaxTokens) * c.CompressionThreshold)
}
