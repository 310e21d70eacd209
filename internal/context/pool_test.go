package context

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ollm/internal/config"

	"go.uber.org/goleak"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		AutoSize:           true,
		TargetSize:         8192,
		MinContextSize:     2048,
		MaxContextSize:     131072,
		KVQuantization:     "f16",
		ReserveBufferBytes: 512 * 1024 * 1024,
		BytesPerTokenScale: 1.0,
		ResizeDrainTimeout: "100ms",
	}
}

func TestCalculateOptimalSize_Formula(t *testing.T) {
	p := NewContextPool(testPoolConfig(), nil)

	// 8B model, f16: 2 * 8 * 8192 = 131072 bytes per token.
	// 16 GiB free minus 512 MiB reserve = 16642998272 usable
	// -> 126976 tokens, clamped nowhere (<= 131072).
	vram := VRAMInfo{TotalBytes: 24 << 30, UsedBytes: 8 << 30, FreeBytes: 16 << 30}
	got := p.CalculateOptimalSize(vram, ModelInfo{ParamsB: 8})
	if got != 126976 {
		t.Errorf("optimal size = %d, want 126976", got)
	}
}

func TestCalculateOptimalSize_QuantizationHalvesCost(t *testing.T) {
	cfgF16 := testPoolConfig()
	cfgQ8 := testPoolConfig()
	cfgQ8.KVQuantization = "q8_0"
	cfgQ8.MaxContextSize = 1 << 20
	cfgF16.MaxContextSize = 1 << 20

	vram := VRAMInfo{FreeBytes: 8 << 30}
	model := ModelInfo{ParamsB: 8}

	f16 := NewContextPool(cfgF16, nil).CalculateOptimalSize(vram, model)
	q8 := NewContextPool(cfgQ8, nil).CalculateOptimalSize(vram, model)
	if q8 != f16*2 {
		t.Errorf("q8_0 should fit twice the tokens of f16: f16=%d q8=%d", f16, q8)
	}
}

func TestCalculateOptimalSize_NoUsableVRAM(t *testing.T) {
	p := NewContextPool(testPoolConfig(), nil)

	// Free VRAM below the reserve buffer: engine must still come up, at the
	// minimum context size.
	vram := VRAMInfo{TotalBytes: 1 << 30, UsedBytes: 900 << 20, FreeBytes: 100 << 20}
	if got := p.CalculateOptimalSize(vram, ModelInfo{ParamsB: 8}); got != 2048 {
		t.Errorf("starved VRAM should yield the minimum size 2048, got %d", got)
	}
}

func TestCalculateOptimalSize_ClampsToModelLimit(t *testing.T) {
	p := NewContextPool(testPoolConfig(), nil)

	vram := VRAMInfo{FreeBytes: 64 << 30}
	got := p.CalculateOptimalSize(vram, ModelInfo{ParamsB: 1, ContextLimit: 32768})
	if got != 32768 {
		t.Errorf("size must clamp to the model's own limit: got %d", got)
	}
}

func TestCalculateOptimalSize_AutoSizeOff(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AutoSize = false
	cfg.TargetSize = 4096
	p := NewContextPool(cfg, nil)

	if got := p.CalculateOptimalSize(VRAMInfo{FreeBytes: 64 << 30}, ModelInfo{ParamsB: 8}); got != 4096 {
		t.Errorf("with auto-sizing off the clamped target wins, got %d", got)
	}
}

func TestResize_WaitsForDrain(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreProviderInit)

	var applied atomic.Int32
	cfg := testPoolConfig()
	cfg.ResizeDrainTimeout = "2s"
	p := NewContextPool(cfg, func(newSize int) error {
		applied.Store(int32(newSize))
		return nil
	})

	p.BeginRequest()

	done := make(chan error, 1)
	go func() {
		done <- p.Resize(context.Background(), 16384, ModelInfo{})
	}()

	// The resize must not apply while a request is in flight.
	time.Sleep(50 * time.Millisecond)
	if applied.Load() != 0 {
		t.Fatal("resize applied before requests drained")
	}

	p.EndRequest()
	if err := <-done; err != nil {
		t.Fatalf("resize failed: %v", err)
	}
	if applied.Load() != 16384 || p.CurrentSize() != 16384 {
		t.Errorf("resize not committed: applied=%d current=%d", applied.Load(), p.CurrentSize())
	}
}

func TestResize_ProceedsAfterDrainTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreProviderInit)

	cfg := testPoolConfig()
	cfg.ResizeDrainTimeout = "30ms"
	p := NewContextPool(cfg, nil)

	p.BeginRequest() // never ends
	defer p.EndRequest()

	if err := p.Resize(context.Background(), 16384, ModelInfo{}); err != nil {
		t.Fatalf("resize should proceed with a warning after the drain timeout: %v", err)
	}
	if p.CurrentSize() != 16384 {
		t.Errorf("size not committed after timed-out drain: %d", p.CurrentSize())
	}
}

func TestResize_NoOpWhenUnchanged(t *testing.T) {
	calls := 0
	p := NewContextPool(testPoolConfig(), func(int) error { calls++; return nil })

	if err := p.Resize(context.Background(), p.CurrentSize(), ModelInfo{}); err != nil {
		t.Fatalf("no-op resize errored: %v", err)
	}
	if calls != 0 {
		t.Errorf("resize callback ran %d times for an unchanged size", calls)
	}
}

func TestResize_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreProviderInit)

	cfg := testPoolConfig()
	cfg.ResizeDrainTimeout = "10s"
	p := NewContextPool(cfg, nil)

	p.BeginRequest()
	defer p.EndRequest()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Resize(ctx, 16384, ModelInfo{}); err == nil {
		t.Error("cancelled resize should return the context error")
	}
}

func TestEndRequest_NeverGoesNegative(t *testing.T) {
	p := NewContextPool(testPoolConfig(), nil)
	p.EndRequest()
	if p.ActiveRequests() != 0 {
		t.Errorf("active requests went negative: %d", p.ActiveRequests())
	}
}
