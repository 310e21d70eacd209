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

	"github.com/google/uuid"
)

// =============================================================================
// Context Orchestrator
// =============================================================================
// The composition root and public face of the engine. Owns the single
// ConversationContext per session and is the only component that mutates it.
// All writes go through the orchestrator's mutex; reads hand out copies.

// ArchiveStore persists the permanent per-session record: every user message
// ever sent, and aged reasoning traces. Satisfied by store.LocalStore.
type ArchiveStore interface {
	StoreMessage(sessionID, messageID, role, content string, createdAt time.Time) error
	ArchiveReasoningTrace(sessionID, traceID, messageID, summary string, insights []string, archivedAt time.Time) error
}

// IntegrationStatus reports which collaborators are wired in.
type IntegrationStatus struct {
	Provider                bool `json:"provider"`
	Snapshots               bool `json:"snapshots"`
	Store                   bool `json:"store"`
	Pool                    bool `json:"pool"`
	Goals                   bool `json:"goals"`
	SummarizationInProgress bool `json:"summarization_in_progress"`
}

// OrchestratorOptions carries the optional collaborators. Nil fields degrade
// gracefully: no provider means summarize falls back to truncate, no store
// means the permanent record lives only in memory and snapshots.
type OrchestratorOptions struct {
	Counter TokenCounter
	Client  provider.Client
	Model   string

	Snapshots Snapshotter
	Store     ArchiveStore
	Goals     GoalManager
	Pool      *ContextPool
	Bus       *Bus
}

// Orchestrator coordinates token accounting, tiered compression, snapshots,
// and reasoning capture for one session.
type Orchestrator struct {
	mu  sync.Mutex
	cfg EngineConfig
	cc  *ConversationContext

	counter     TokenCounter
	summarizer  *SummarizationService
	compressor  *CompressionService
	coordinator *CompressionCoordinator
	reasoning   *ReasoningManager
	snapshots   Snapshotter
	store       ArchiveStore
	goals       GoalManager
	pool        *ContextPool
	bus         *Bus

	mode Mode
	tier ContextTier

	compressionCount int
	started          bool

	// The permanent record: every user message verbatim, plus summaries for
	// the ones whose verbatim copy left the working set.
	allUserMessages      []Message
	archivedUserMessages []ArchivedUserMessage

	persistedTraces map[string]bool
}

// NewOrchestrator builds the engine for one session.
func NewOrchestrator(sessionID, systemPrompt string, cfg EngineConfig, opts OrchestratorOptions) *Orchestrator {
	counter := opts.Counter
	if counter == nil {
		counter = NewEstimatingCounter()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}

	summarizer := NewSummarizationService(opts.Client, counter, opts.Model)

	o := &Orchestrator{
		cfg: cfg,
		cc: &ConversationContext{
			SessionID:    sessionID,
			SystemPrompt: systemPrompt,
		},
		counter:         counter,
		summarizer:      summarizer,
		compressor:      NewCompressionService(counter, summarizer, cfg),
		reasoning:       NewReasoningManager(cfg),
		snapshots:       opts.Snapshots,
		store:           opts.Store,
		goals:           opts.Goals,
		pool:            opts.Pool,
		bus:             bus,
		mode:            ModeAssistant,
		tier:            TierForSize(cfg.MaxTokens),
		persistedTraces: make(map[string]bool),
	}
	o.cc.TokenCount = CountContext(counter, o.cc)

	if o.snapshots != nil {
		o.coordinator = NewCompressionCoordinator(sessionID, bus, o.snapshots, cfg,
			o.snapshotForCompression, o.compressOnce)
	}
	return o
}

// Bus exposes the event bus for subscribers.
func (o *Orchestrator) Bus() *Bus {
	return o.bus
}

// Start registers the automatic flows and announces the session.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	sessionID := o.cc.SessionID
	o.mu.Unlock()

	if o.coordinator != nil {
		o.coordinator.RegisterSnapshotHandlers()
	}
	logging.Session("Context engine started for session %s (tier %s)", sessionID, o.tier)
	o.emit(EventStarted, map[string]any{"tier": o.tier.String()})
}

// Stop archives remaining reasoning traces and announces shutdown.
func (o *Orchestrator) Stop() {
	o.reasoning.ArchiveAll()
	o.persistArchivedTraces()
	o.emit(EventStopped, nil)
}

// RegisterMemoryGuard forwards the memory monitor to the coordinator.
func (o *Orchestrator) RegisterMemoryGuard(guard MemoryGuard) {
	if o.coordinator != nil {
		o.coordinator.RegisterMemoryGuard(guard)
	}
}

// AddMessage appends a message to the working set and triggers compression
// when the threshold is crossed. The message is appended unconditionally;
// a compression failure surfaces in the result, never as a rollback.
func (o *Orchestrator) AddMessage(ctx context.Context, msg Message) AddResult {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// Thinking blocks are captured as reasoning traces and stripped from the
	// working set so they stop consuming context budget.
	if msg.Role == RoleAssistant {
		visible, thinking := ExtractThinking(msg.Content)
		if thinking != "" {
			var goal *Goal
			if o.goals != nil {
				goal = o.goals.GetActiveGoal()
			}
			o.reasoning.Capture(msg.ID, thinking, goal)
			msg.Content = visible
		}
	}
	msg.TokenCount = o.counter.CountTokensCached(msg.ID, msg.Content)

	o.mu.Lock()
	o.cc.RecentMessages = append(o.cc.RecentMessages, msg)
	if msg.Role == RoleUser {
		o.allUserMessages = append(o.allUserMessages, msg)
	}
	o.cc.TokenCount = CountContext(o.counter, o.cc)
	total := o.cc.TokenCount.Total
	threshold := o.cfg.ThresholdTokens()
	maxTokens := o.cfg.MaxTokens
	sessionID := o.cc.SessionID
	o.mu.Unlock()

	// The user message is durably recorded the moment it arrives, so no later
	// compression pass can make it the only copy.
	if msg.Role == RoleUser && o.store != nil {
		if err := o.store.StoreMessage(sessionID, msg.ID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to archive user message %s: %v", msg.ID, err)
		}
	}

	o.emit(EventMessageAdded, map[string]any{
		"message_id": msg.ID,
		"role":       string(msg.Role),
		"tokens":     msg.TokenCount,
		"total":      total,
	})

	// Let the snapshot automation observe utilization before any compression
	// can discard state.
	if o.snapshots != nil && maxTokens > 0 {
		fraction := float64(total) / float64(maxTokens)
		o.snapshots.ObserveUsage(fraction, total >= maxTokens)
	}

	result := AddResult{Success: true}

	if o.compressor.ShouldCompress(o.currentTotal(), threshold) {
		result.CompressionTriggered = true
		report, err := o.triggerCompression(ctx)
		if err != nil {
			result.Success = false
			result.Err = err
			return result
		}
		result.TokensFreed = report.FreedTokens
	}
	return result
}

// Compress runs one explicit compression pass. Provider failure is a
// Success=false outcome with a reason, not an error.
func (o *Orchestrator) Compress(ctx context.Context) CompressOutcome {
	report, err := o.triggerCompression(ctx)
	if err != nil {
		return CompressOutcome{Success: false, Reason: err.Error()}
	}
	return CompressOutcome{Success: true, FreedTokens: report.FreedTokens}
}

// triggerCompression routes through the coordinator's single-flight guard
// when one exists, otherwise compresses directly.
func (o *Orchestrator) triggerCompression(ctx context.Context) (CompressionReport, error) {
	if o.coordinator != nil {
		return o.coordinator.Trigger(ctx, false)
	}
	return o.compressOnce(ctx, false)
}

// WaitForSummarization blocks until any in-flight compression finishes or
// the timeout elapses; false means timed out.
func (o *Orchestrator) WaitForSummarization(timeout time.Duration) bool {
	if o.coordinator == nil {
		return true
	}
	return o.coordinator.WaitForSummarization(timeout)
}

// EstimateCompression previews a compression pass without mutating anything.
func (o *Orchestrator) EstimateCompression() CompressionEstimate {
	o.mu.Lock()
	msgs := make([]Message, len(o.cc.RecentMessages))
	copy(msgs, o.cc.RecentMessages)
	o.mu.Unlock()
	return o.compressor.EstimateCompression(msgs)
}

// compressOnce performs one compression pass against the working set. Called
// under the coordinator's single-flight guard; takes the orchestrator lock
// itself. forcedRollover bypasses the tier strategy for memory emergencies.
func (o *Orchestrator) compressOnce(ctx context.Context, forcedRollover bool) (CompressionReport, error) {
	o.mu.Lock()

	originalTotal := o.cc.TokenCount.Total
	policy := PolicyForTier(o.tier)
	if forcedRollover {
		policy = PolicyForTier(Tier1Minimal)
	}

	var (
		report CompressionReport
		events []Event
		err    error
	)

	switch policy.Strategy {
	case TierRollover:
		report, events = o.rolloverLocked(ctx, policy, originalTotal)
	default:
		report, events, err = o.checkpointCompressLocked(ctx, policy, originalTotal)
	}

	o.mu.Unlock()

	if err != nil {
		return CompressionReport{}, err
	}

	o.persistArchivedTraces()
	for _, evt := range events {
		o.bus.Emit(evt)
	}
	return report, nil
}

// rolloverLocked implements the minimal tier: every message older than the
// keep-tail is collapsed into one ultra-compact summary message and all
// checkpoints are dropped. Caller holds o.mu.
func (o *Orchestrator) rolloverLocked(ctx context.Context, policy TierPolicy, originalTotal int) (CompressionReport, []Event) {
	keep := o.cfg.RolloverKeepMessages
	msgs := o.cc.RecentMessages
	if keep >= len(msgs) && len(o.cc.Checkpoints) == 0 {
		return CompressionReport{OriginalTokens: originalTotal, CompressedTokens: originalTotal, Ratio: 1.0}, nil
	}

	cut := len(msgs) - keep
	if cut < 0 {
		cut = 0
	}
	older := msgs[:cut]
	tail := msgs[cut:]

	// Fold existing checkpoint summaries and the older span into one line.
	var parts []string
	for _, cp := range o.cc.Checkpoints {
		parts = append(parts, cp.Summary)
	}

	summary := ""
	if len(older) > 0 {
		sr := o.summarizer.Summarize(ctx, older, LevelCompact)
		if sr.Success {
			summary = sr.Summary
		} else {
			logging.ContextDebug("Rollover summarization unavailable, truncating: %s", sr.Error)
			summary = describeDiscardedSpan(older)
		}
	}
	if summary != "" {
		parts = append(parts, summary)
	}

	o.archiveDroppedLocked(older)
	o.reasoning.ArchiveAll()

	fresh := make([]Message, 0, keep+1)
	if len(parts) > 0 {
		folded := boundSummary(strings.Join(parts, " "), policy.MergedSummaryTokens, o.counter)
		fresh = append(fresh, Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   "[Earlier conversation] " + folded,
			Timestamp: time.Now(),
		})
	}
	fresh = append(fresh, tail...)

	o.cc.RecentMessages = fresh
	o.cc.Checkpoints = nil
	o.compressionCount++
	o.cc.TokenCount = CountContext(o.counter, o.cc)

	newTotal := o.cc.TokenCount.Total
	report := CompressionReport{
		Summary:          summary,
		OriginalTokens:   originalTotal,
		CompressedTokens: newTotal,
		Ratio:            ratio(newTotal, originalTotal),
		FreedTokens:      maxInt(originalTotal-newTotal, 0),
		RolledOver:       true,
	}

	logging.ContextInfo("Rollover complete: %d -> %d tokens (%d messages kept)",
		originalTotal, newTotal, len(tail))

	events := []Event{
		{Type: EventRolloverComplete, SessionID: o.cc.SessionID, Payload: map[string]any{
			"freed_tokens":  report.FreedTokens,
			"kept_messages": len(tail),
		}},
		o.compressionCompleteEvent(report),
	}
	return report, events
}

// checkpointCompressLocked implements the smart/progressive/structured
// tiers: summarize the older span into a checkpoint, keep the recent span
// verbatim, then age and merge the checkpoint hierarchy. Caller holds o.mu.
func (o *Orchestrator) checkpointCompressLocked(ctx context.Context, policy TierPolicy, originalTotal int) (CompressionReport, []Event, error) {
	older, _ := o.compressor.splitAtRecentBudget(o.cc.RecentMessages)
	if len(older) == 0 {
		// Nothing compressible; the budget is consumed by the recent tail.
		return CompressionReport{OriginalTokens: originalTotal, CompressedTokens: originalTotal, Ratio: 1.0}, nil, nil
	}

	fellBack := false
	res, err := o.compressor.Compress(ctx, o.cc.RecentMessages, StrategyHybrid)
	if err != nil {
		// Summarization failed; truncation still guarantees progress.
		logging.ContextInfo("Hybrid compression failed (%v), falling back to truncate", err)
		res = o.compressor.truncate(o.cc.RecentMessages)
		fellBack = true
	}

	if res.Status == StatusInflated {
		// Applying would grow the context; skip and report zero freed.
		logging.ContextDebug("Compression would inflate (%d -> %d tokens), skipping",
			res.OriginalTokens, res.CompressedTokens)
		report := CompressionReport{
			OriginalTokens:   originalTotal,
			CompressedTokens: originalTotal,
			Ratio:            1.0,
		}
		return report, nil, nil
	}
	if res.Status == StatusFailed {
		return CompressionReport{}, nil, fmt.Errorf("compression failed for session %s", o.cc.SessionID)
	}

	o.compressionCount++

	before := o.cc.RecentMessages
	if !fellBack && res.Summary != "" {
		// Hybrid path: the summary becomes a checkpoint over the older span.
		meta := CheckpointMetadata{Mode: o.mode}
		if policy.RichMetadata && o.cc.Goal != nil {
			meta.Decisions = append(meta.Decisions, o.cc.Goal.Decisions...)
		}
		cp := newCheckpoint(res.Summary, older, o.counter.CountTokens(res.Summary), o.compressionCount, meta)
		o.cc.Checkpoints = append(o.cc.Checkpoints, cp)
	}
	// In the truncate fallback the synthetic note rides inside Preserved.
	o.cc.RecentMessages = res.Preserved
	o.archiveDroppedLocked(droppedFrom(before, res.Preserved))

	ageCheckpoints(o.counter, o.cc.Checkpoints)
	if len(o.cc.Checkpoints) > policy.MaxCheckpoints {
		o.cc.Checkpoints = mergeOldest(o.counter, o.cc.Checkpoints,
			policy.MaxCheckpoints, policy.MergedSummaryTokens, o.compressionCount)
	}

	o.cc.TokenCount = CountContext(o.counter, o.cc)
	newTotal := o.cc.TokenCount.Total

	report := CompressionReport{
		Summary:          res.Summary,
		OriginalTokens:   originalTotal,
		CompressedTokens: newTotal,
		Ratio:            ratio(newTotal, originalTotal),
		FreedTokens:      maxInt(originalTotal-newTotal, 0),
	}

	logging.ContextInfo("Tier %s compression: %d -> %d tokens, %d checkpoints",
		o.tier, originalTotal, newTotal, len(o.cc.Checkpoints))

	events := []Event{
		{Type: TierCompressedEvent(o.tier), SessionID: o.cc.SessionID, Payload: map[string]any{
			"freed_tokens": report.FreedTokens,
			"checkpoints":  len(o.cc.Checkpoints),
		}},
		o.compressionCompleteEvent(report),
	}
	return report, events, nil
}

func (o *Orchestrator) compressionCompleteEvent(report CompressionReport) Event {
	return Event{Type: EventCompressionComplete, SessionID: o.cc.SessionID, Payload: map[string]any{
		"original_tokens":   report.OriginalTokens,
		"compressed_tokens": report.CompressedTokens,
		"ratio":             report.Ratio,
		"freed_tokens":      report.FreedTokens,
	}}
}

// archiveDroppedLocked records summaries for user messages whose verbatim
// copies are leaving the working set. Caller holds o.mu.
func (o *Orchestrator) archiveDroppedLocked(dropped []Message) {
	for _, m := range dropped {
		if m.Role != RoleUser {
			continue
		}
		o.archivedUserMessages = append(o.archivedUserMessages, ArchivedUserMessage{
			MessageID:  m.ID,
			Summary:    excerpt(m.Content, 120),
			ArchivedAt: time.Now(),
		})
	}
}

// persistArchivedTraces writes any newly archived reasoning traces to the
// durable store.
func (o *Orchestrator) persistArchivedTraces() {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	sessionID := o.cc.SessionID
	o.mu.Unlock()

	for _, t := range o.reasoning.Archived() {
		if o.persistedTraces[t.TraceID] {
			continue
		}
		if err := o.store.ArchiveReasoningTrace(sessionID, t.TraceID, t.MessageID, t.Summary, t.KeyInsights, t.ArchivedAt); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to persist reasoning trace %s: %v", t.TraceID, err)
			continue
		}
		o.persistedTraces[t.TraceID] = true
	}
}

// =============================================================================
// Prompt Assembly
// =============================================================================

// BuildPrompt serializes the working set into provider messages, oldest
// context first: system prompt, pinned sections, checkpoint summaries, then
// recent messages and the optional pending user input. Pure read.
func (o *Orchestrator) BuildPrompt(pending string) []provider.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]provider.ChatMessage, 0, len(o.cc.Checkpoints)+len(o.cc.RecentMessages)+4)

	if o.cc.SystemPrompt != "" {
		out = append(out, provider.ChatMessage{Role: "system", Content: o.cc.SystemPrompt})
	}
	if o.cc.TaskDefinition != "" {
		out = append(out, provider.ChatMessage{Role: "system", Content: "[Task] " + o.cc.TaskDefinition})
	}
	if o.cc.ArchitectureDecisions != "" {
		out = append(out, provider.ChatMessage{Role: "system", Content: "[Architecture decisions] " + o.cc.ArchitectureDecisions})
	}

	for _, cp := range o.cc.Checkpoints {
		out = append(out, provider.ChatMessage{
			Role:    "system",
			Content: fmt.Sprintf("[Summary of earlier conversation] %s", cp.Summary),
		})
	}

	for _, m := range o.cc.RecentMessages {
		out = append(out, provider.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	if pending != "" {
		out = append(out, provider.ChatMessage{Role: "user", Content: pending})
	}
	return out
}

// =============================================================================
// Snapshots
// =============================================================================

// CreateSnapshot captures the full session state for later restore.
func (o *Orchestrator) CreateSnapshot(purpose string) (*ContextSnapshot, error) {
	if o.snapshots == nil {
		return nil, fmt.Errorf("snapshots are not configured")
	}

	o.mu.Lock()
	cc := o.copyContextLocked()
	users := make([]Message, len(o.allUserMessages))
	copy(users, o.allUserMessages)
	archived := make([]ArchivedUserMessage, len(o.archivedUserMessages))
	copy(archived, o.archivedUserMessages)
	keep := o.cfg.MaxSnapshots
	o.mu.Unlock()

	snap, err := o.snapshots.Create(cc, users, archived, purpose)
	if err != nil {
		return nil, err
	}

	if keep > 0 {
		if err := o.snapshots.CleanupOldSnapshots(cc.SessionID, keep); err != nil {
			logging.Get(logging.CategorySnapshot).Warn("Snapshot cleanup failed: %v", err)
		}
	}
	return snap, nil
}

// snapshotForCompression is the coordinator's snapshot hook.
func (o *Orchestrator) snapshotForCompression(purpose string) (string, error) {
	snap, err := o.CreateSnapshot(purpose)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

// RestoreSnapshot replaces the working set wholesale with snapshot state.
// Validation happens before any mutation; a bad snapshot leaves the current
// state untouched.
func (o *Orchestrator) RestoreSnapshot(id string) error {
	if o.snapshots == nil {
		return fmt.Errorf("snapshots are not configured")
	}

	snap, err := o.snapshots.Restore(id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.cc = &ConversationContext{
		SessionID:             snap.SessionID,
		SystemPrompt:          snap.SystemPrompt,
		TaskDefinition:        snap.TaskDefinition,
		ArchitectureDecisions: snap.ArchitectureDecisions,
		Checkpoints:           append([]Checkpoint(nil), snap.Checkpoints...),
		RecentMessages:        append([]Message(nil), snap.Messages...),
	}
	o.allUserMessages = append([]Message(nil), snap.UserMessages...)
	o.archivedUserMessages = append([]ArchivedUserMessage(nil), snap.ArchivedUserMessages...)
	o.cc.TokenCount = CountContext(o.counter, o.cc)
	o.mu.Unlock()

	o.emit(EventSnapshotRestored, map[string]any{"snapshot_id": snap.ID})
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetState returns a deep copy of the working set.
func (o *Orchestrator) GetState() *ConversationContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copyContextLocked()
}

// UserMessages returns the permanent record of user messages.
func (o *Orchestrator) UserMessages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.allUserMessages))
	copy(out, o.allUserMessages)
	return out
}

// ArchivedUserMessages returns summaries of user turns whose verbatim copy
// left the working set.
func (o *Orchestrator) ArchivedUserMessages() []ArchivedUserMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ArchivedUserMessage, len(o.archivedUserMessages))
	copy(out, o.archivedUserMessages)
	return out
}

// GetUsage reports context utilization plus accelerator memory when a pool
// is attached.
func (o *Orchestrator) GetUsage() Usage {
	o.mu.Lock()
	u := Usage{
		CurrentTokens: o.cc.TokenCount.Total,
		MaxTokens:     o.cfg.MaxTokens,
	}
	o.mu.Unlock()

	if u.MaxTokens > 0 {
		u.Percentage = float64(u.CurrentTokens) / float64(u.MaxTokens) * 100
	}
	if o.pool != nil {
		vram := o.pool.LastVRAM()
		u.VRAMUsed = vram.UsedBytes
		u.VRAMTotal = vram.TotalBytes
	}
	return u
}

// GetCompressionReliability scores how trustworthy the compressed context is.
func (o *Orchestrator) GetCompressionReliability() Reliability {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ScoreReliability(o.cfg.ModelParamsB, o.compressionCount)
}

// GetIntegrationStatus reports which collaborators are wired in.
func (o *Orchestrator) GetIntegrationStatus() IntegrationStatus {
	st := IntegrationStatus{
		Provider:  o.summarizer.client != nil,
		Snapshots: o.snapshots != nil,
		Store:     o.store != nil,
		Pool:      o.pool != nil,
		Goals:     o.goals != nil,
	}
	if o.coordinator != nil {
		st.SummarizationInProgress = o.coordinator.SummarizationInProgress()
	}
	return st
}

// Tier returns the current context tier.
func (o *Orchestrator) Tier() ContextTier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tier
}

// CompressionCount returns how many compression passes have run.
func (o *Orchestrator) CompressionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.compressionCount
}

// Validate checks the working-set invariants without mutating anything.
func (o *Orchestrator) Validate() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	recount := CountContext(o.counter, o.cc)
	if recount != o.cc.TokenCount {
		return fmt.Errorf("token accounting drift: stored %+v, recounted %+v", o.cc.TokenCount, recount)
	}

	if ceiling := PolicyForTier(o.tier).MaxCheckpoints; len(o.cc.Checkpoints) > ceiling {
		return fmt.Errorf("checkpoint count %d exceeds tier %s ceiling %d", len(o.cc.Checkpoints), o.tier, ceiling)
	}

	// Every user message in the working set must also be in the permanent
	// record.
	known := make(map[string]bool, len(o.allUserMessages))
	for _, m := range o.allUserMessages {
		known[m.ID] = true
	}
	for _, m := range o.cc.RecentMessages {
		if m.Role == RoleUser && !known[m.ID] {
			return fmt.Errorf("user message %s missing from permanent record", m.ID)
		}
	}
	return nil
}

// Reasoning exposes the reasoning trace manager.
func (o *Orchestrator) Reasoning() *ReasoningManager {
	return o.reasoning
}

// =============================================================================
// Reconfiguration
// =============================================================================

// UpdateContextSize changes the context budget, recomputes the tier, and
// compresses immediately if the new threshold is already exceeded.
func (o *Orchestrator) UpdateContextSize(ctx context.Context, size int) error {
	if size <= 0 {
		return fmt.Errorf("context size must be positive, got %d", size)
	}

	o.mu.Lock()
	o.cfg.MaxTokens = size
	oldTier := o.tier
	o.tier = TierForSize(size)
	o.compressor = NewCompressionService(o.counter, o.summarizer, o.cfg)
	if o.coordinator != nil {
		o.coordinator.Reconfigure(o.cfg)
	}
	threshold := o.cfg.ThresholdTokens()
	total := o.cc.TokenCount.Total
	paramsB := o.cfg.ModelParamsB
	o.mu.Unlock()

	logging.ContextInfo("Context size updated to %d tokens (tier %s -> %s)", size, oldTier, o.tier)
	o.emit(EventConfigUpdated, map[string]any{"max_tokens": size, "tier": o.tier.String()})

	if o.pool != nil {
		if err := o.pool.Resize(ctx, size, ModelInfo{ParamsB: paramsB}); err != nil {
			logging.Get(logging.CategoryPool).Warn("Pool resize to %d failed: %v", size, err)
		}
	}

	if o.compressor.ShouldCompress(total, threshold) {
		if _, err := o.triggerCompression(ctx); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTier overrides the size-derived compression tier. The checkpoint
// ceiling and merge policy follow immediately: a tighter tier merges excess
// checkpoints down synchronously. The override holds until the next
// UpdateContextSize rederives the tier.
func (o *Orchestrator) UpdateTier(tier ContextTier) error {
	if tier < Tier1Minimal || tier > Tier5Ultra {
		return fmt.Errorf("unknown tier %d", tier)
	}

	o.mu.Lock()
	oldTier := o.tier
	o.tier = tier
	policy := PolicyForTier(tier)
	switch {
	case policy.MaxCheckpoints == 0 && len(o.cc.Checkpoints) > 0:
		// Rollover tier keeps no checkpoints: fold their summaries into one
		// system note, as a rollover pass would.
		var parts []string
		for _, cp := range o.cc.Checkpoints {
			parts = append(parts, cp.Summary)
		}
		folded := boundSummary(strings.Join(parts, " "), policy.MergedSummaryTokens, o.counter)
		o.cc.RecentMessages = append([]Message{{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   "[Earlier conversation] " + folded,
			Timestamp: time.Now(),
		}}, o.cc.RecentMessages...)
		o.cc.Checkpoints = nil
		o.cc.TokenCount = CountContext(o.counter, o.cc)
	case len(o.cc.Checkpoints) > policy.MaxCheckpoints:
		o.cc.Checkpoints = mergeOldest(o.counter, o.cc.Checkpoints,
			policy.MaxCheckpoints, policy.MergedSummaryTokens, o.compressionCount)
		o.cc.TokenCount = CountContext(o.counter, o.cc)
	}
	o.mu.Unlock()

	logging.ContextInfo("Tier overridden %s -> %s", oldTier, tier)
	o.emit(EventConfigUpdated, map[string]any{"tier": tier.String()})
	return nil
}

// GetBudget reports the token breakdown against the configured limits.
func (o *Orchestrator) GetBudget() Budget {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Budget{
		MaxTokens:         o.cfg.MaxTokens,
		ThresholdTokens:   o.cfg.ThresholdTokens(),
		Breakdown:         o.cc.TokenCount,
		Tier:              o.tier,
		CheckpointCeiling: PolicyForTier(o.tier).MaxCheckpoints,
	}
}

// UpdateMode switches the operational mode; this only changes what future
// checkpoint summaries foreground.
func (o *Orchestrator) UpdateMode(mode Mode) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()

	o.summarizer.SetFocus(SummaryFocus(mode))
	o.emit(EventModeChanged, map[string]any{"mode": string(mode)})
}

// Mode returns the active operational mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetGoal attaches the active goal so compression can bias what it keeps.
func (o *Orchestrator) SetGoal(goal *Goal) {
	o.mu.Lock()
	o.cc.Goal = goal
	o.mu.Unlock()
}

// SetPinnedSections replaces the never-compressed sections.
func (o *Orchestrator) SetPinnedSections(taskDefinition, architectureDecisions string) {
	o.mu.Lock()
	o.cc.TaskDefinition = taskDefinition
	o.cc.ArchitectureDecisions = architectureDecisions
	o.cc.TokenCount = CountContext(o.counter, o.cc)
	o.mu.Unlock()
}

// Clear resets the working set but keeps the permanent user-message record.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	o.cc.RecentMessages = nil
	o.cc.Checkpoints = nil
	o.cc.TokenCount = CountContext(o.counter, o.cc)
	o.mu.Unlock()

	o.emit(EventCleared, nil)
}

// =============================================================================
// Internals
// =============================================================================

func (o *Orchestrator) currentTotal() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cc.TokenCount.Total
}

// copyContextLocked deep-copies the working set. Caller holds o.mu.
func (o *Orchestrator) copyContextLocked() *ConversationContext {
	cp := *o.cc
	cp.Checkpoints = append([]Checkpoint(nil), o.cc.Checkpoints...)
	cp.RecentMessages = append([]Message(nil), o.cc.RecentMessages...)
	if o.cc.Goal != nil {
		g := *o.cc.Goal
		cp.Goal = &g
	}
	return &cp
}

func (o *Orchestrator) emit(t EventType, payload map[string]any) {
	o.mu.Lock()
	sessionID := o.cc.SessionID
	o.mu.Unlock()
	o.bus.Emit(Event{Type: t, SessionID: sessionID, Payload: payload})
}

// droppedFrom returns the messages in before that no longer appear in after.
func droppedFrom(before, after []Message) []Message {
	kept := make(map[string]bool, len(after))
	for _, m := range after {
		kept[m.ID] = true
	}
	var dropped []Message
	for _, m := range before {
		if !kept[m.ID] {
			dropped = append(dropped, m)
		}
	}
	return dropped
}

// excerpt returns the first n bytes of s cut on a word boundary, falling
// back to the nearest rune boundary so the result stays valid UTF-8.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "…"
}
