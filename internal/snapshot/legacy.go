package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	ctxeng "ollm/internal/context"
)

// Earlier releases persisted a flat snapshot document without versioning or
// checkpoint state. Rather than duck-type the differences at read sites,
// the legacy shape is a tagged variant with one explicit converter.

// currentSnapshotVersion tags documents written by this release.
const currentSnapshotVersion = 2

// LegacySnapshotV1 is the pre-versioning on-disk shape.
type LegacySnapshotV1 struct {
	SnapshotID string            `json:"snapshot_id"`
	Session    string            `json:"session"`
	CreatedAt  time.Time         `json:"created_at"`
	Tokens     int               `json:"tokens"`
	Summary    string            `json:"summary"`
	History    []LegacyV1Message `json:"history"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// LegacyV1Message is a single history entry in the v1 shape.
type LegacyV1Message struct {
	ID   string    `json:"id"`
	Who  string    `json:"who"` // "user" / "assistant" / "system" / "tool"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ConvertLegacyV1 lifts a v1 document into the current snapshot shape.
// User messages are recovered from history; v1 never discarded them.
func ConvertLegacyV1(old *LegacySnapshotV1) *ctxeng.ContextSnapshot {
	snap := &ctxeng.ContextSnapshot{
		ID:         old.SnapshotID,
		SessionID:  old.Session,
		Version:    currentSnapshotVersion,
		Timestamp:  old.CreatedAt,
		TokenCount: old.Tokens,
		Summary:    old.Summary,
		Metadata:   old.Meta,
	}
	for _, m := range old.History {
		msg := ctxeng.Message{
			ID:        m.ID,
			Role:      ctxeng.Role(m.Who),
			Content:   m.Text,
			Timestamp: m.At,
		}
		snap.Messages = append(snap.Messages, msg)
		if msg.Role == ctxeng.RoleUser {
			snap.UserMessages = append(snap.UserMessages, msg)
		}
	}
	return snap
}

// decodeSnapshot parses a stored document, falling back to the legacy
// variant when the current shape is incomplete.
func decodeSnapshot(data []byte) (*ctxeng.ContextSnapshot, error) {
	var snap ctxeng.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err == nil && snap.Version >= currentSnapshotVersion && snap.ID != "" {
		return &snap, nil
	}

	var old LegacySnapshotV1
	if err := json.Unmarshal(data, &old); err == nil && old.SnapshotID != "" {
		return ConvertLegacyV1(&old), nil
	}

	// Unversioned but current-shaped documents (Version omitted) are
	// accepted when structurally complete.
	if snap.ID != "" {
		snap.Version = currentSnapshotVersion
		return &snap, nil
	}

	return nil, fmt.Errorf("snapshot document matches no known format")
}
