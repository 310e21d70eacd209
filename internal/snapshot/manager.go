package snapshot

import (
	"fmt"
	"sync"
	"time"

	ctxeng "ollm/internal/context"
	"ollm/internal/logging"

	"github.com/google/uuid"
)

// Manager creates, restores, and garbage-collects snapshots, and owns the
// usage-threshold callback registry the coordinator subscribes to.
type Manager struct {
	storage *Storage

	mu         sync.Mutex
	thresholds []*thresholdSub
	overflow   []func()
}

type thresholdSub struct {
	fraction float64
	fired    bool
	cb       func()
}

// NewManager creates a snapshot manager over the given storage.
func NewManager(storage *Storage) *Manager {
	return &Manager{storage: storage}
}

// Create captures a snapshot of the working set. userMessages is the
// permanent record of every user message this session; it is stored
// uncompressed regardless of what compression has done to the working set.
// Create does not return until the document is durably written (or the
// write has failed loudly) - snapshot-then-compress is a hard ordering.
func (m *Manager) Create(cc *ctxeng.ConversationContext, userMessages []ctxeng.Message,
	archived []ctxeng.ArchivedUserMessage, purpose string) (*ctxeng.ContextSnapshot, error) {

	if cc == nil {
		return nil, fmt.Errorf("cannot snapshot a nil context")
	}

	msgs := make([]ctxeng.Message, len(cc.RecentMessages))
	copy(msgs, cc.RecentMessages)
	cps := make([]ctxeng.Checkpoint, len(cc.Checkpoints))
	copy(cps, cc.Checkpoints)
	users := make([]ctxeng.Message, len(userMessages))
	copy(users, userMessages)

	snap := &ctxeng.ContextSnapshot{
		ID:                    uuid.NewString(),
		SessionID:             cc.SessionID,
		Version:               currentSnapshotVersion,
		Timestamp:             time.Now(),
		TokenCount:            cc.TokenCount.Total,
		Summary:               summarizeState(cc),
		UserMessages:          users,
		ArchivedUserMessages:  archived,
		Messages:              msgs,
		Checkpoints:           cps,
		SystemPrompt:          cc.SystemPrompt,
		TaskDefinition:        cc.TaskDefinition,
		ArchitectureDecisions: cc.ArchitectureDecisions,
		Metadata:              map[string]string{"purpose": purpose},
	}

	if err := m.storage.Save(snap, purpose); err != nil {
		return nil, err
	}

	logging.Session("Snapshot %s created (purpose=%s, %d messages, %d user messages)",
		snap.ID, purpose, len(snap.Messages), len(snap.UserMessages))
	return snap, nil
}

// summarizeState renders the one-line index summary for a snapshot.
func summarizeState(cc *ctxeng.ConversationContext) string {
	return fmt.Sprintf("%d checkpoints, %d recent messages, %d tokens",
		len(cc.Checkpoints), len(cc.RecentMessages), cc.TokenCount.Total)
}

// List returns the session's snapshots, newest-first.
func (m *Manager) List(sessionID string) ([]IndexEntry, error) {
	return m.storage.Index(sessionID)
}

// Restore loads a snapshot by id (any session) and validates it
// structurally. The caller applies it to the working set.
func (m *Manager) Restore(id string) (*ctxeng.ContextSnapshot, error) {
	snap, err := m.storage.LoadByID(id)
	if err != nil {
		return nil, err
	}
	if err := StructurallyComplete(snap); err != nil {
		return nil, fmt.Errorf("snapshot %s failed validation: %w", id, err)
	}
	return snap, nil
}

// Delete removes one snapshot.
func (m *Manager) Delete(sessionID, id string) error {
	return m.storage.Delete(sessionID, id)
}

// CleanupOldSnapshots deletes oldest-first beyond keep.
func (m *Manager) CleanupOldSnapshots(sessionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	entries, err := m.storage.Index(sessionID)
	if err != nil {
		return err
	}
	if len(entries) <= keep {
		return nil
	}

	// Index is newest-first; everything past keep goes.
	for _, e := range entries[keep:] {
		if err := m.storage.Delete(sessionID, e.ID); err != nil {
			return fmt.Errorf("cleanup of snapshot %s: %w", e.ID, err)
		}
		logging.SnapshotDebug("Cleaned up old snapshot %s", e.ID)
	}
	return nil
}

// Verify checks a stored snapshot's structural completeness.
func (m *Manager) Verify(id string) bool {
	return m.storage.Verify(id)
}

// OnContextThreshold registers a callback fired the first time usage
// crosses fraction. Crossings reset once usage falls back below.
func (m *Manager) OnContextThreshold(fraction float64, cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = append(m.thresholds, &thresholdSub{fraction: fraction, cb: cb})
}

// OnBeforeOverflow registers a callback fired just before a hard overflow
// would occur. Always honored, independent of auto-create settings.
func (m *Manager) OnBeforeOverflow(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflow = append(m.overflow, cb)
}

// ObserveUsage feeds the current utilization fraction into the registry.
// preOverflow reports that the next message would exceed the hard window.
func (m *Manager) ObserveUsage(fraction float64, preOverflow bool) {
	m.mu.Lock()
	var fire []func()
	for _, sub := range m.thresholds {
		if fraction >= sub.fraction && !sub.fired {
			sub.fired = true
			fire = append(fire, sub.cb)
		} else if fraction < sub.fraction && sub.fired {
			sub.fired = false
		}
	}
	var over []func()
	if preOverflow {
		over = append(over, m.overflow...)
	}
	m.mu.Unlock()

	for _, cb := range over {
		cb()
	}
	for _, cb := range fire {
		cb()
	}
}
