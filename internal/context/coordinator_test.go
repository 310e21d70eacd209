package context

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func createTestCoordinator(t *testing.T, cfg EngineConfig,
	compressFn func(ctx context.Context, forced bool) (CompressionReport, error)) (*CompressionCoordinator, *memorySnapshotter, *eventRecorder) {
	t.Helper()

	bus := NewBus()
	rec := recordEvents(bus)
	snaps := newMemorySnapshotter()

	var snapCount atomic.Int32
	snapshotFn := func(purpose string) (string, error) {
		return fmt.Sprintf("snap-%d", snapCount.Add(1)), nil
	}
	if compressFn == nil {
		compressFn = func(ctx context.Context, forced bool) (CompressionReport, error) {
			return CompressionReport{OriginalTokens: 100, CompressedTokens: 40, Ratio: 0.4, FreedTokens: 60}, nil
		}
	}

	c := NewCompressionCoordinator("session-1", bus, snaps, cfg, snapshotFn, compressFn)
	return c, snaps, rec
}

func TestTrigger_SingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreProviderInit)

	var runs atomic.Int32
	release := make(chan struct{})
	c, _, _ := createTestCoordinator(t, testEngineConfig(),
		func(ctx context.Context, forced bool) (CompressionReport, error) {
			runs.Add(1)
			<-release
			return CompressionReport{FreedTokens: 10}, nil
		})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := c.Trigger(context.Background(), false)
			if err != nil {
				t.Errorf("trigger failed: %v", err)
			}
			if report.FreedTokens != 10 {
				t.Errorf("shared result lost: %+v", report)
			}
		}()
	}

	// Give the callers time to pile onto the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("compression ran %d times for 8 concurrent triggers, want 1", got)
	}
}

func TestWaitForSummarization_CompletesAndTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreProviderInit)

	release := make(chan struct{})
	c, _, _ := createTestCoordinator(t, testEngineConfig(),
		func(ctx context.Context, forced bool) (CompressionReport, error) {
			<-release
			return CompressionReport{}, nil
		})

	// Idle coordinator: returns immediately.
	if !c.WaitForSummarization(time.Millisecond) {
		t.Error("no run in flight should report completed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Trigger(context.Background(), false)
	}()

	// Wait for the run to actually start.
	for i := 0; i < 100 && !c.SummarizationInProgress(); i++ {
		time.Sleep(time.Millisecond)
	}

	// Timeout while in flight is a valid outcome, not an error.
	if c.WaitForSummarization(20 * time.Millisecond) {
		t.Error("expected timeout while the run is blocked")
	}

	close(release)
	<-done
	if !c.WaitForSummarization(time.Second) {
		t.Error("completed run should report true")
	}
}

func TestAutoFlow_SnapshotBeforeSummary(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AutoCreate = true
	cfg.AutoThreshold = 0.85

	c, snaps, rec := createTestCoordinator(t, cfg, nil)
	c.RegisterSnapshotHandlers()

	// Cross the auto threshold.
	snaps.ObserveUsage(0.90, false)

	snapIdx := rec.indexOf(EventAutoSnapshotCreated)
	sumIdx := rec.indexOf(EventSummarizing)
	createdIdx := rec.indexOf(EventAutoSummaryCreated)

	if snapIdx == -1 || sumIdx == -1 || createdIdx == -1 {
		t.Fatalf("missing events in auto flow: %v", rec.all())
	}
	if !(snapIdx < sumIdx && sumIdx < createdIdx) {
		t.Errorf("event order wrong: snapshot=%d summarizing=%d created=%d", snapIdx, sumIdx, createdIdx)
	}
}

func TestAutoFlow_SnapshotFailureAbortsCompression(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AutoCreate = true
	cfg.AutoThreshold = 0.85

	bus := NewBus()
	rec := recordEvents(bus)
	snaps := newMemorySnapshotter()

	var compressed atomic.Int32
	c := NewCompressionCoordinator("session-1", bus, snaps, cfg,
		func(purpose string) (string, error) { return "", fmt.Errorf("disk full") },
		func(ctx context.Context, forced bool) (CompressionReport, error) {
			compressed.Add(1)
			return CompressionReport{}, nil
		})
	c.RegisterSnapshotHandlers()

	snaps.ObserveUsage(0.90, false)

	if compressed.Load() != 0 {
		t.Error("compression must not run when the pre-compression snapshot failed")
	}
	if !rec.has(EventAutoSummaryFailed) {
		t.Errorf("snapshot failure should surface as auto-summary-failed: %v", rec.all())
	}
}

func TestAutoFlow_CooldownSuppressesRetrigger(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AutoCreate = true
	cfg.AutoThreshold = 0.85
	cfg.CompressionCooldown = time.Hour

	var runs atomic.Int32
	c, snaps, _ := createTestCoordinator(t, cfg,
		func(ctx context.Context, forced bool) (CompressionReport, error) {
			runs.Add(1)
			return CompressionReport{}, nil
		})
	c.RegisterSnapshotHandlers()

	snaps.ObserveUsage(0.90, false)
	snaps.ObserveUsage(0.80, false) // resets the threshold latch
	snaps.ObserveUsage(0.90, false) // within cooldown

	if got := runs.Load(); got != 1 {
		t.Errorf("cooldown should suppress the second crossing, got %d runs", got)
	}
}

func TestAutoFlow_PreOverflowAlwaysFires(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AutoCreate = false // proactive snapshotting off
	cfg.CompressionCooldown = time.Hour

	c, snaps, rec := createTestCoordinator(t, cfg, nil)
	c.RegisterSnapshotHandlers()

	snaps.ObserveUsage(1.01, true)

	if !rec.has(EventPreOverflow) {
		t.Errorf("pre-overflow event missing: %v", rec.all())
	}
	if !rec.has(EventAutoSnapshotCreated) {
		t.Error("pre-overflow must snapshot even with auto-create off")
	}
}

func TestMemoryGuard_Policy(t *testing.T) {
	var forced atomic.Bool
	var runs atomic.Int32
	c, _, _ := createTestCoordinator(t, testEngineConfig(),
		func(ctx context.Context, forcedRollover bool) (CompressionReport, error) {
			runs.Add(1)
			if forcedRollover {
				forced.Store(true)
			}
			return CompressionReport{}, nil
		})

	guard := &stubGuard{}
	c.RegisterMemoryGuard(guard)

	guard.firePressure(MemoryWarning)
	if runs.Load() != 0 {
		t.Error("WARNING must only advise, not compress")
	}

	guard.firePressure(MemoryCritical)
	if runs.Load() != 1 {
		t.Errorf("CRITICAL should force one compression pass, got %d", runs.Load())
	}
	if forced.Load() {
		t.Error("CRITICAL must not force a rollover")
	}

	guard.firePressure(MemoryEmergency)
	if !forced.Load() {
		t.Error("EMERGENCY must force a rollover")
	}
}
