package context

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ollm/internal/config"
	"ollm/internal/logging"
)

// =============================================================================
// Context Pool
// =============================================================================
// Computes a target context-window size from available accelerator memory,
// KV-cache quantization, and model parameters, and applies resizes gated on
// in-flight request completion. Only one resize may be in progress at a
// time; the drain wait is signaled by the last in-flight request completing
// rather than polled.

// VRAMInfo reports accelerator memory at a point in time, in bytes.
type VRAMInfo struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
}

// ModelInfo carries the model facts the sizing formula needs.
type ModelInfo struct {
	ParamsB      float64 // parameter count, billions
	ContextLimit int     // the model's own hard context limit; 0 = unknown
}

// kvValuesPerTokenPerBParam approximates how many KV-cache values one token
// costs per billion parameters. Tuned for common transformer shapes;
// adjust via PoolConfig.BytesPerTokenScale rather than editing this.
const kvValuesPerTokenPerBParam = 8192.0

// bytesPerValue maps the KV-cache quantization mode to bytes per stored value.
func bytesPerValue(quant string) float64 {
	switch quant {
	case "q8_0":
		return 1.0
	case "q4_0":
		return 0.5
	default: // f16
		return 2.0
	}
}

// ContextPool owns the effective context-window size.
type ContextPool struct {
	mu           sync.Mutex
	cfg          config.PoolConfig
	drainTimeout time.Duration

	currentSize    int
	activeRequests int
	resizePending  bool
	drained        chan struct{} // closed by the last in-flight request

	// resizeFn applies the new size to the backend (e.g. reloading the
	// model with a new num_ctx). May be nil in tests.
	resizeFn func(newSize int) error

	lastVRAM VRAMInfo
}

// NewContextPool creates a pool at the clamped configured target size.
func NewContextPool(cfg config.PoolConfig, resizeFn func(int) error) *ContextPool {
	drain, err := time.ParseDuration(cfg.ResizeDrainTimeout)
	if err != nil || drain <= 0 {
		drain = 30 * time.Second
	}
	p := &ContextPool{
		cfg:          cfg,
		drainTimeout: drain,
		resizeFn:     resizeFn,
	}
	p.currentSize = p.clamp(cfg.TargetSize, ModelInfo{})
	return p
}

// CurrentSize returns the committed context-window size.
func (p *ContextPool) CurrentSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSize
}

// LastVRAM returns the most recent VRAM reading handed to the pool.
func (p *ContextPool) LastVRAM() VRAMInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVRAM
}

// CalculateOptimalSize derives the context size the available VRAM can
// sustain. With auto-sizing disabled it returns the clamped configured
// target unconditionally. Usable VRAM <= 0 yields the minimum size.
func (p *ContextPool) CalculateOptimalSize(vram VRAMInfo, model ModelInfo) int {
	p.mu.Lock()
	p.lastVRAM = vram
	cfg := p.cfg
	p.mu.Unlock()

	if !cfg.AutoSize {
		return p.clamp(cfg.TargetSize, model)
	}

	usable := vram.FreeBytes - cfg.ReserveBufferBytes
	if usable <= 0 {
		logging.PoolDebug("Usable VRAM <= 0 (free=%d reserve=%d); using minimum context size %d",
			vram.FreeBytes, cfg.ReserveBufferBytes, cfg.MinContextSize)
		return cfg.MinContextSize
	}

	paramsB := model.ParamsB
	if paramsB <= 0 {
		paramsB = 1
	}
	scale := cfg.BytesPerTokenScale
	if scale <= 0 {
		scale = 1.0
	}

	bytesPerToken := bytesPerValue(cfg.KVQuantization) * paramsB * kvValuesPerTokenPerBParam * scale
	tokens := int(float64(usable) / bytesPerToken)

	size := p.clamp(tokens, model)
	logging.PoolDebug("Optimal context size: %d tokens (usable=%dB, %.0fB/token, quant=%s)",
		size, usable, bytesPerToken, cfg.KVQuantization)
	return size
}

// clamp bounds a size by the configured range and the model's own limit.
func (p *ContextPool) clamp(size int, model ModelInfo) int {
	if size < p.cfg.MinContextSize {
		size = p.cfg.MinContextSize
	}
	if size > p.cfg.MaxContextSize {
		size = p.cfg.MaxContextSize
	}
	if model.ContextLimit > 0 && size > model.ContextLimit {
		size = model.ContextLimit
	}
	return size
}

// BeginRequest registers an in-flight LLM call.
func (p *ContextPool) BeginRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRequests++
}

// EndRequest deregisters an in-flight call. Must run on every exit path of
// the call - success, error, or cancellation - or resizes block forever.
func (p *ContextPool) EndRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeRequests > 0 {
		p.activeRequests--
	}
	if p.activeRequests == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

// ActiveRequests returns the in-flight call count.
func (p *ContextPool) ActiveRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeRequests
}

// Resize applies a new context size. No-op if the clamped size is
// unchanged. Waits for in-flight requests to drain (bounded); proceeds with
// a warning if they have not drained when the timeout elapses. Only one
// resize may be in progress per pool.
func (p *ContextPool) Resize(ctx context.Context, newSize int, model ModelInfo) error {
	target := p.clamp(newSize, model)

	p.mu.Lock()
	if target == p.currentSize {
		p.mu.Unlock()
		return nil
	}
	if p.resizePending {
		p.mu.Unlock()
		return fmt.Errorf("resize already in progress")
	}
	p.resizePending = true

	var wait chan struct{}
	if p.activeRequests > 0 {
		wait = make(chan struct{})
		p.drained = wait
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.resizePending = false
		p.drained = nil
		p.mu.Unlock()
	}()

	if wait != nil {
		select {
		case <-wait:
		case <-time.After(p.drainTimeout):
			logging.Get(logging.CategoryPool).Warn(
				"Resize proceeding with %d requests still in flight after %v drain timeout",
				p.ActiveRequests(), p.drainTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.resizeFn != nil {
		if err := p.resizeFn(target); err != nil {
			return fmt.Errorf("resize callback failed: %w", err)
		}
	}

	p.mu.Lock()
	old := p.currentSize
	p.currentSize = target
	p.mu.Unlock()

	logging.Get(logging.CategoryPool).Info("Context resized: %d -> %d tokens", old, target)
	return nil
}
