// Package provider defines the text-generation provider boundary consumed by
// the context engine, plus model profile lookup. The engine depends only on
// these interfaces; concrete transports live alongside them.
package provider

import "context"

// ChunkType identifies the kind of a streamed chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkThinking ChunkType = "thinking"
	ChunkError    ChunkType = "error"
	ChunkFinish   ChunkType = "finish"
)

// StreamChunk is one unit of a streamed provider response.
type StreamChunk struct {
	Type ChunkType
	Text string
	Err  error
}

// ChatMessage is the provider-facing message shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a single generation call.
type ChatRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

// Client is the streaming text-generation transport. ChatStream sends the
// request and delivers chunks on the returned channel until a finish or
// error chunk, after which the channel is closed. Cancelling ctx aborts the
// call; the stream then ends with an error chunk wrapping ctx.Err().
type Client interface {
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// ContextProfile maps a requested context-window size to the size the
// backend actually allocates for it.
type ContextProfile struct {
	Size              int `json:"size"`
	OllamaContextSize int `json:"ollama_context_size"`
}

// ModelEntry describes a model known to the profile manager.
type ModelEntry struct {
	ID              string           `json:"id"`
	ParametersB     float64          `json:"parameters_b"`
	ContextLimit    int              `json:"context_limit"`
	ContextProfiles []ContextProfile `json:"context_profiles"`
}

// ProfileManager resolves model metadata. Implementations must be safe for
// concurrent readers.
type ProfileManager interface {
	GetModelEntry(modelID string) (ModelEntry, bool)
}

// StaticProfiles is a ProfileManager over a fixed model table.
type StaticProfiles struct {
	entries map[string]ModelEntry
}

// NewStaticProfiles builds a ProfileManager from a list of entries.
func NewStaticProfiles(entries []ModelEntry) *StaticProfiles {
	m := make(map[string]ModelEntry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return &StaticProfiles{entries: m}
}

// GetModelEntry returns the entry for modelID, if known.
func (p *StaticProfiles) GetModelEntry(modelID string) (ModelEntry, bool) {
	e, ok := p.entries[modelID]
	return e, ok
}

// EffectiveContextSize translates a requested window size into the backend's
// effective limit: the smallest profile that covers the request, falling
// back to the model's hard context limit.
func EffectiveContextSize(entry ModelEntry, requested int) int {
	best := 0
	for _, p := range entry.ContextProfiles {
		if p.Size >= requested && (best == 0 || p.Size < best) {
			best = p.OllamaContextSize
		}
	}
	if best == 0 {
		best = entry.ContextLimit
	}
	if entry.ContextLimit > 0 && best > entry.ContextLimit {
		best = entry.ContextLimit
	}
	return best
}
