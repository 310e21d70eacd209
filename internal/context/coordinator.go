package context

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ollm/internal/logging"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Compression Coordinator
// =============================================================================
// Orchestrates the end-to-end automatic flow: threshold detection,
// pre-compression snapshot, single-flight compression execution, cooldown,
// event emission, and memory-guard integration. Snapshot-then-compress is a
// hard sequencing contract: the snapshot write completes (or fails loudly)
// before compression may discard the data it protects.

// Snapshotter is the snapshot surface the coordinator and orchestrator
// depend on; satisfied by snapshot.Manager.
type Snapshotter interface {
	Create(cc *ConversationContext, userMessages []Message, archived []ArchivedUserMessage, purpose string) (*ContextSnapshot, error)
	Restore(id string) (*ContextSnapshot, error)
	CleanupOldSnapshots(sessionID string, keep int) error
	OnContextThreshold(fraction float64, cb func())
	OnBeforeOverflow(cb func())
	ObserveUsage(fraction float64, preOverflow bool)
}

// MemoryPressureLevel grades accelerator memory pressure.
type MemoryPressureLevel int

const (
	MemoryWarning MemoryPressureLevel = iota + 1
	MemoryCritical
	MemoryEmergency
)

// MemoryGuard is the external memory monitor the coordinator subscribes to.
type MemoryGuard interface {
	OnPressure(cb func(MemoryPressureLevel))
	OnEmergency(cb func())
}

// CompressionReport carries the numbers the auto-summary events publish.
type CompressionReport struct {
	Summary          string
	OriginalTokens   int
	CompressedTokens int
	Ratio            float64
	FreedTokens      int
	RolledOver       bool
}

// CompressionCoordinator serializes compression for one session.
type CompressionCoordinator struct {
	sessionID string
	bus       *Bus
	snapshots Snapshotter
	cfg       EngineConfig

	// compressFn runs one compression pass against the working set.
	// forcedRollover bypasses the tier strategy (memory emergencies).
	compressFn func(ctx context.Context, forcedRollover bool) (CompressionReport, error)

	// snapshotFn captures a pre-compression snapshot and returns its id.
	snapshotFn func(purpose string) (string, error)

	group singleflight.Group

	mu                        sync.Mutex
	isAutoSummaryRunning      bool
	isSummarizationInProgress bool
	done                      chan struct{}
	cooldownUntil             time.Time
}

// NewCompressionCoordinator wires the coordinator to the orchestrator's
// compression and snapshot closures.
func NewCompressionCoordinator(sessionID string, bus *Bus, snapshots Snapshotter, cfg EngineConfig,
	snapshotFn func(purpose string) (string, error),
	compressFn func(ctx context.Context, forcedRollover bool) (CompressionReport, error)) *CompressionCoordinator {

	return &CompressionCoordinator{
		sessionID:  sessionID,
		bus:        bus,
		snapshots:  snapshots,
		cfg:        cfg,
		snapshotFn: snapshotFn,
		compressFn: compressFn,
	}
}

// Reconfigure applies updated thresholds/cooldowns.
func (c *CompressionCoordinator) Reconfigure(cfg EngineConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// RegisterSnapshotHandlers subscribes the automatic flows. The threshold
// handler is only installed when auto-create is enabled; the pre-overflow
// handler is ALWAYS installed so a snapshot exists even when proactive
// snapshotting is off.
func (c *CompressionCoordinator) RegisterSnapshotHandlers() {
	if c.cfg.AutoCreate {
		c.snapshots.OnContextThreshold(c.cfg.AutoThreshold, func() {
			c.autoFlow(context.Background(), "auto-threshold", true)
		})
	}

	c.snapshots.OnBeforeOverflow(func() {
		c.emit(EventPreOverflow, nil)
		// Overflow is imminent; the cooldown must not suppress this.
		c.autoFlow(context.Background(), "pre-overflow", false)
	})
}

// RegisterMemoryGuard subscribes the memory-pressure policy: WARNING
// advises, CRITICAL forces a snapshot + compression pass, EMERGENCY forces
// a rollover regardless of tier.
func (c *CompressionCoordinator) RegisterMemoryGuard(guard MemoryGuard) {
	if guard == nil {
		return
	}

	guard.OnPressure(func(level MemoryPressureLevel) {
		switch level {
		case MemoryWarning:
			logging.Get(logging.CategoryContext).Warn("Memory pressure WARNING for session %s; compression advised", c.sessionID)
		case MemoryCritical:
			logging.Get(logging.CategoryContext).Warn("Memory pressure CRITICAL for session %s; forcing snapshot+compress", c.sessionID)
			c.autoFlow(context.Background(), "memory-critical", false)
		case MemoryEmergency:
			c.forceRollover(context.Background())
		}
	})

	guard.OnEmergency(func() {
		c.forceRollover(context.Background())
	})
}

func (c *CompressionCoordinator) forceRollover(ctx context.Context) {
	logging.Get(logging.CategoryContext).Error("Memory EMERGENCY for session %s; forcing rollover", c.sessionID)
	if _, err := c.Trigger(ctx, true); err != nil {
		logging.Get(logging.CategoryContext).Error("Emergency rollover failed: %v", err)
	}
}

// autoFlow runs snapshot-then-compress with event emission.
func (c *CompressionCoordinator) autoFlow(ctx context.Context, reason string, honorCooldown bool) {
	c.mu.Lock()
	if honorCooldown && time.Now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		logging.ContextDebug("Auto-summary suppressed by cooldown (reason=%s)", reason)
		return
	}
	if c.isAutoSummaryRunning {
		c.mu.Unlock()
		return
	}
	c.isAutoSummaryRunning = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isAutoSummaryRunning = false
		c.cooldownUntil = time.Now().Add(c.cfg.CompressionCooldown)
		c.mu.Unlock()
	}()

	// 1. Snapshot first. If the snapshot cannot be written, compression
	// must not proceed to discard what it was meant to protect.
	snapID, err := c.snapshotFn(reason)
	if err != nil {
		logging.Get(logging.CategorySnapshot).Error("Pre-compression snapshot failed (%s): %v", reason, err)
		c.emit(EventAutoSummaryFailed, map[string]any{"reason": fmt.Sprintf("snapshot failed: %v", err)})
		return
	}
	c.emit(EventAutoSnapshotCreated, map[string]any{"snapshot_id": snapID, "trigger": reason})

	// 2. Announce, then compress.
	c.emit(EventSummarizing, map[string]any{"trigger": reason})

	report, err := c.Trigger(ctx, false)
	if err != nil {
		c.emit(EventAutoSummaryFailed, map[string]any{"reason": err.Error()})
		return
	}

	c.emit(EventAutoSummaryCreated, map[string]any{
		"summary":           report.Summary,
		"original_tokens":   report.OriginalTokens,
		"compressed_tokens": report.CompressedTokens,
		"ratio":             report.Ratio,
	})
}

// Trigger runs one compression pass with single-flight discipline:
// concurrent callers share the in-flight run's result instead of starting a
// second one.
func (c *CompressionCoordinator) Trigger(ctx context.Context, forcedRollover bool) (CompressionReport, error) {
	v, err, _ := c.group.Do("compress", func() (interface{}, error) {
		c.mu.Lock()
		c.isSummarizationInProgress = true
		c.done = make(chan struct{})
		done := c.done
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			c.isSummarizationInProgress = false
			c.done = nil
			c.mu.Unlock()
			close(done)
		}()

		return c.compressFn(ctx, forcedRollover)
	})
	if err != nil {
		return CompressionReport{}, err
	}
	return v.(CompressionReport), nil
}

// SummarizationInProgress reports whether a compression run is in flight.
func (c *CompressionCoordinator) SummarizationInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSummarizationInProgress
}

// WaitForSummarization blocks until the in-flight run completes or the
// timeout elapses. Returns true if no run is in flight or it completed;
// false on timeout. Timeout is a valid outcome, not an error.
func (c *CompressionCoordinator) WaitForSummarization(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *CompressionCoordinator) emit(t EventType, payload map[string]any) {
	c.bus.Emit(Event{Type: t, SessionID: c.sessionID, Payload: payload})
}
