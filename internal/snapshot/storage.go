// Package snapshot provides durable, crash-safe persistence and lifecycle
// management for context snapshots: full session recovery points, distinct
// from the span-level checkpoints the engine keeps in memory.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	ctxeng "ollm/internal/context"
	"ollm/internal/logging"
)

const (
	snapshotFilePrefix = "snapshot-"
	indexFileName      = "snapshots-index.json"
	mapFileName        = "snapshot-map.json"

	// Writes go directly to the final path; existence is confirmed by a
	// short bounded retry around stat to tolerate filesystem latency.
	statRetries    = 5
	statRetryDelay = 20 * time.Millisecond
)

// IndexEntry is the per-snapshot metadata kept in the session index,
// sorted newest-first.
type IndexEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	TokenCount   int       `json:"token_count"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"message_count"`
	Purpose      string    `json:"purpose,omitempty"`
}

// Storage persists one JSON document per snapshot under
// <base>/<sessionID>/snapshots/, plus a per-session index and a flat
// snapshot-id -> sessionID map for O(1) cross-session lookup.
type Storage struct {
	mu      sync.Mutex
	baseDir string
}

// NewStorage creates storage rooted at baseDir
// (typically ~/.ollm/context-snapshots).
func NewStorage(baseDir string) *Storage {
	return &Storage{baseDir: baseDir}
}

// BaseDir returns the storage root.
func (s *Storage) BaseDir() string { return s.baseDir }

func (s *Storage) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID, "snapshots")
}

func (s *Storage) snapshotPath(sessionID, id string) string {
	return filepath.Join(s.sessionDir(sessionID), snapshotFilePrefix+id+".json")
}

func (s *Storage) indexPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), indexFileName)
}

func (s *Storage) mapPath() string {
	return filepath.Join(s.baseDir, mapFileName)
}

// Save writes a snapshot document, updates the session index, and records
// the session in the global lookup map. The write goes directly to the
// final path: on the platforms we target a rename step races with indexers
// and sync clients more often than a direct write tears.
func (s *Storage) Save(snap *ctxeng.ContextSnapshot, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategorySnapshot, "Save")
	defer timer.Stop()

	dir := s.sessionDir(snap.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.snapshotPath(snap.SessionID, snap.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := confirmExists(path); err != nil {
		return err
	}

	if err := s.updateIndexLocked(snap, purpose); err != nil {
		return err
	}
	if err := s.updateMapLocked(snap.ID, snap.SessionID); err != nil {
		return err
	}

	logging.SnapshotDebug("Saved snapshot %s for session %s (%d bytes)", snap.ID, snap.SessionID, len(data))
	return nil
}

// confirmExists stats the path with a short bounded retry loop.
func confirmExists(path string) error {
	var err error
	for i := 0; i < statRetries; i++ {
		if _, err = os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(statRetryDelay)
	}
	return fmt.Errorf("snapshot write not visible after %d retries: %w", statRetries, err)
}

// Load reads one snapshot by session and id, migrating legacy documents.
func (s *Storage) Load(sessionID, id string) (*ctxeng.ContextSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionID, id)
}

func (s *Storage) loadLocked(sessionID, id string) (*ctxeng.ContextSnapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(sessionID, id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

// LoadByID resolves the owning session through the global map, then loads.
func (s *Storage) LoadByID(id string) (*ctxeng.ContextSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMapLocked()
	if err != nil {
		return nil, err
	}
	sessionID, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found in lookup map", id)
	}
	return s.loadLocked(sessionID, id)
}

// Index returns the session's index entries, newest-first. A corrupted
// index is transparently rebuilt by scanning the snapshot files.
func (s *Storage) Index(sessionID string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked(sessionID)
}

func (s *Storage) readIndexLocked(sessionID string) ([]IndexEntry, error) {
	data, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return s.rebuildIndexLocked(sessionID)
		}
		return nil, err
	}

	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logging.Get(logging.CategorySnapshot).Warn("Index for session %s unparsable, rebuilding: %v", sessionID, err)
		return s.rebuildIndexLocked(sessionID)
	}
	return entries, nil
}

// rebuildIndexLocked reconstructs the index from the snapshot files in the
// session directory and persists the result.
func (s *Storage) rebuildIndexLocked(sessionID string) ([]IndexEntry, error) {
	dir := s.sessionDir(sessionID)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []IndexEntry
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, snapshotFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			logging.Get(logging.CategorySnapshot).Warn("Skipping unreadable snapshot file %s: %v", name, err)
			continue
		}
		entries = append(entries, indexEntryFor(snap, ""))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if err := s.writeIndexLocked(sessionID, entries); err != nil {
		return entries, err
	}
	logging.SnapshotDebug("Rebuilt index for session %s: %d entries", sessionID, len(entries))
	return entries, nil
}

func indexEntryFor(snap *ctxeng.ContextSnapshot, purpose string) IndexEntry {
	return IndexEntry{
		ID:           snap.ID,
		Timestamp:    snap.Timestamp,
		TokenCount:   snap.TokenCount,
		Summary:      snap.Summary,
		MessageCount: len(snap.Messages),
		Purpose:      purpose,
	}
}

func (s *Storage) updateIndexLocked(snap *ctxeng.ContextSnapshot, purpose string) error {
	entries, err := s.readIndexLocked(snap.SessionID)
	if err != nil {
		entries = nil // rebuild path failed; start fresh
	}

	// Replace any stale entry with the same id.
	out := entries[:0]
	for _, e := range entries {
		if e.ID != snap.ID {
			out = append(out, e)
		}
	}
	out = append(out, indexEntryFor(snap, purpose))
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return s.writeIndexLocked(snap.SessionID, out)
}

func (s *Storage) writeIndexLocked(sessionID string, entries []IndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(sessionID), data, 0644)
}

func (s *Storage) readMapLocked() (map[string]string, error) {
	m := make(map[string]string)
	data, err := os.ReadFile(s.mapPath())
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		// The map is a cache over the indexes; a corrupt one starts empty
		// and repopulates on the next saves.
		logging.Get(logging.CategorySnapshot).Warn("Snapshot map unparsable, resetting: %v", err)
		return make(map[string]string), nil
	}
	return m, nil
}

func (s *Storage) updateMapLocked(id, sessionID string) error {
	m, err := s.readMapLocked()
	if err != nil {
		return err
	}
	m[id] = sessionID
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.mapPath(), data, 0644)
}

// Delete removes a snapshot document and its index/map entries.
func (s *Storage) Delete(sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.snapshotPath(sessionID, id)); err != nil && !os.IsNotExist(err) {
		return err
	}

	entries, err := s.readIndexLocked(sessionID)
	if err == nil {
		out := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				out = append(out, e)
			}
		}
		if err := s.writeIndexLocked(sessionID, out); err != nil {
			return err
		}
	}

	m, err := s.readMapLocked()
	if err == nil {
		delete(m, id)
		if data, err := json.MarshalIndent(m, "", "  "); err == nil {
			_ = os.WriteFile(s.mapPath(), data, 0644)
		}
	}
	return nil
}

// Verify checks structural completeness of a stored snapshot without
// throwing: required fields on the snapshot and on every message.
func (s *Storage) Verify(id string) bool {
	snap, err := s.LoadByID(id)
	if err != nil {
		return false
	}
	return StructurallyComplete(snap) == nil
}

// StructurallyComplete validates the fields a restore depends on.
func StructurallyComplete(snap *ctxeng.ContextSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.ID == "" {
		return fmt.Errorf("snapshot missing id")
	}
	if snap.SessionID == "" {
		return fmt.Errorf("snapshot %s missing session id", snap.ID)
	}
	if snap.Timestamp.IsZero() {
		return fmt.Errorf("snapshot %s missing timestamp", snap.ID)
	}
	for i, m := range snap.Messages {
		if m.ID == "" || m.Role == "" {
			return fmt.Errorf("snapshot %s message %d missing required fields", snap.ID, i)
		}
	}
	for i, m := range snap.UserMessages {
		if m.ID == "" || m.Role == "" {
			return fmt.Errorf("snapshot %s user message %d missing required fields", snap.ID, i)
		}
	}
	return nil
}
