package context

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ollm/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// Reasoning Manager
// =============================================================================
// Reasoning-capable models emit thinking blocks alongside their answers.
// Those traces are valuable across compression cycles: recent ones are kept
// verbatim (bounded count), older ones are reduced to a short summary plus
// extracted key insights. Archived traces are only dropped when the archive
// itself exceeds its bound, oldest first.

// archivedSummaryLimit caps an archived trace summary, in characters.
const archivedSummaryLimit = 200

var thinkingBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)

// insight markers: sentences carrying these carry the conclusions worth
// keeping after the full trace is gone.
var insightMarkers = []string{"decided", "because", "therefore", "conclusion", "error", "root cause", "must", "cannot"}

// ReasoningManager extracts and retains thinking traces across compression
// cycles.
type ReasoningManager struct {
	mu       sync.Mutex
	recent   []ReasoningTrace
	archived []ArchivedReasoningTrace
	cfg      EngineConfig
}

// NewReasoningManager creates a trace manager with the configured bounds.
func NewReasoningManager(cfg EngineConfig) *ReasoningManager {
	return &ReasoningManager{cfg: cfg}
}

// ExtractThinking splits thinking blocks out of raw model output, returning
// the visible content and the concatenated trace text.
func ExtractThinking(raw string) (visible, thinking string) {
	matches := thinkingBlockRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return raw, ""
	}
	var parts []string
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	visible = strings.TrimSpace(thinkingBlockRe.ReplaceAllString(raw, ""))
	return visible, strings.Join(parts, "\n")
}

// Capture records a thinking trace for a message, archiving the oldest
// verbatim trace when the recent bound is exceeded.
func (r *ReasoningManager) Capture(messageID, content string, goal *Goal) ReasoningTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	trace := ReasoningTrace{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if goal != nil {
		trace.GoalID = goal.ID
	}

	r.recent = append(r.recent, trace)
	logging.ReasoningDebug("Captured trace %s for message %s (%d chars)", trace.ID, messageID, len(content))

	for len(r.recent) > r.cfg.MaxRecentTraces && r.cfg.MaxRecentTraces > 0 {
		oldest := r.recent[0]
		r.recent = r.recent[1:]
		r.archiveLocked(oldest)
	}
	return trace
}

// ArchiveAll moves every verbatim trace into the archive. Called after a
// compression pass so traces survive the discarded messages.
func (r *ReasoningManager) ArchiveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.recent {
		r.archiveLocked(t)
	}
	r.recent = nil
}

func (r *ReasoningManager) archiveLocked(t ReasoningTrace) {
	summary := t.Content
	if len(summary) > archivedSummaryLimit {
		cut := archivedSummaryLimit - 1
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut] + "…"
	}

	r.archived = append(r.archived, ArchivedReasoningTrace{
		TraceID:     t.ID,
		MessageID:   t.MessageID,
		Summary:     summary,
		KeyInsights: extractInsights(t.Content),
		ArchivedAt:  time.Now(),
	})

	// Archive bound: drop oldest beyond it.
	if r.cfg.MaxArchivedTraces > 0 && len(r.archived) > r.cfg.MaxArchivedTraces {
		dropped := len(r.archived) - r.cfg.MaxArchivedTraces
		r.archived = r.archived[dropped:]
		logging.ReasoningDebug("Archive bound exceeded; dropped %d oldest traces", dropped)
	}
}

// Recent returns the verbatim traces, newest last.
func (r *ReasoningManager) Recent() []ReasoningTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReasoningTrace, len(r.recent))
	copy(out, r.recent)
	return out
}

// Archived returns the archived traces, newest last.
func (r *ReasoningManager) Archived() []ArchivedReasoningTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ArchivedReasoningTrace, len(r.archived))
	copy(out, r.archived)
	return out
}

// Reconfigure applies new bounds, trimming immediately if they shrank.
func (r *ReasoningManager) Reconfigure(cfg EngineConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for len(r.recent) > cfg.MaxRecentTraces && cfg.MaxRecentTraces > 0 {
		oldest := r.recent[0]
		r.recent = r.recent[1:]
		r.archiveLocked(oldest)
	}
}

// extractInsights pulls the sentences most likely to matter after the full
// trace is discarded.
func extractInsights(content string) []string {
	var insights []string
	for _, sentence := range strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '\n'
	}) {
		s := strings.TrimSpace(sentence)
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		for _, marker := range insightMarkers {
			if strings.Contains(lower, marker) {
				insights = append(insights, s)
				break
			}
		}
		if len(insights) >= 5 {
			break
		}
	}
	return insights
}
