package snapshot_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	ctxeng "ollm/internal/context"
	"ollm/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(id, sessionID string, ts time.Time) *ctxeng.ContextSnapshot {
	return &ctxeng.ContextSnapshot{
		ID:         id,
		SessionID:  sessionID,
		Version:    2,
		Timestamp:  ts,
		TokenCount: 420,
		Summary:    "2 checkpoints, 4 recent messages, 420 tokens",
		UserMessages: []ctxeng.Message{
			{ID: "u-1", Role: ctxeng.RoleUser, Content: "set up the database schema", Timestamp: ts.Add(-time.Hour)},
			{ID: "u-2", Role: ctxeng.RoleUser, Content: "add the migration step", Timestamp: ts.Add(-30 * time.Minute)},
		},
		ArchivedUserMessages: []ctxeng.ArchivedUserMessage{
			{MessageID: "u-0", Summary: "initial project setup request", ArchivedAt: ts.Add(-2 * time.Hour)},
		},
		Messages: []ctxeng.Message{
			{ID: "u-2", Role: ctxeng.RoleUser, Content: "add the migration step", Timestamp: ts.Add(-30 * time.Minute)},
			{ID: "a-2", Role: ctxeng.RoleAssistant, Content: "Added a versioned migration runner.", Timestamp: ts.Add(-29 * time.Minute)},
		},
		Checkpoints: []ctxeng.Checkpoint{
			{
				ID:                 "cp-1",
				Summary:            "Chose sqlite for local persistence.",
				OriginalMessageIDs: []string{"u-0", "a-0", "u-1", "a-1"},
				TokenCount:         12,
				CompressionLevel:   ctxeng.LevelDetailed,
				CompressionNumber:  1,
				CreatedAt:          ts.Add(-90 * time.Minute),
				CompressedAt:       ts.Add(-90 * time.Minute),
			},
		},
		SystemPrompt:          "You are a helpful engineering assistant.",
		TaskDefinition:        "Build the storage layer",
		ArchitectureDecisions: "Single writer, WAL mode",
		Metadata:              map[string]string{"purpose": "manual"},
	}
}

func TestStorage_SaveLoadRoundTrip(t *testing.T) {
	st := snapshot.NewStorage(t.TempDir())

	want := testSnapshot("snap-a", "session-1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, st.Save(want, "manual"))

	got, err := st.Load("session-1", "snap-a")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStorage_LoadByID_UsesGlobalMap(t *testing.T) {
	st := snapshot.NewStorage(t.TempDir())
	ts := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Save(testSnapshot("snap-a", "session-1", ts), "manual"))
	require.NoError(t, st.Save(testSnapshot("snap-b", "session-2", ts), "manual"))

	got, err := st.LoadByID("snap-b")
	require.NoError(t, err)
	assert.Equal(t, "session-2", got.SessionID)

	_, err = st.LoadByID("no-such-snapshot")
	assert.Error(t, err)
}

func TestStorage_Index_NewestFirst(t *testing.T) {
	st := snapshot.NewStorage(t.TempDir())
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Save(testSnapshot("snap-old", "session-1", base.Add(-2*time.Hour)), "auto"))
	require.NoError(t, st.Save(testSnapshot("snap-mid", "session-1", base.Add(-time.Hour)), "auto"))
	require.NoError(t, st.Save(testSnapshot("snap-new", "session-1", base), "manual"))

	entries, err := st.Index("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"snap-new", "snap-mid", "snap-old"},
		[]string{entries[0].ID, entries[1].ID, entries[2].ID})
	assert.Equal(t, "manual", entries[0].Purpose)
	assert.Equal(t, 420, entries[0].TokenCount)
	assert.Equal(t, 2, entries[0].MessageCount)
}

func TestStorage_Index_RebuildsFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Save(testSnapshot("snap-a", "session-1", base.Add(-time.Hour)), "auto"))
	require.NoError(t, st.Save(testSnapshot("snap-b", "session-1", base), "auto"))

	indexPath := filepath.Join(dir, "session-1", "snapshots", "snapshots-index.json")
	require.NoError(t, os.WriteFile(indexPath, []byte("{not json"), 0644))

	entries, err := st.Index("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "snap-b", entries[0].ID)
	assert.Equal(t, "snap-a", entries[1].ID)

	// The rebuild is persisted.
	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	var roundTrip []snapshot.IndexEntry
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Len(t, roundTrip, 2)
}

func TestStorage_Index_RebuildsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)

	require.NoError(t, st.Save(testSnapshot("snap-a", "session-1", time.Now()), "auto"))
	require.NoError(t, os.Remove(filepath.Join(dir, "session-1", "snapshots", "snapshots-index.json")))

	entries, err := st.Index("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snap-a", entries[0].ID)
}

func TestStorage_Index_EmptySessionIsNotAnError(t *testing.T) {
	st := snapshot.NewStorage(t.TempDir())
	entries, err := st.Index("never-seen")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStorage_Delete_RemovesFileIndexAndMapEntry(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)
	ts := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Save(testSnapshot("snap-a", "session-1", ts.Add(-time.Hour)), "auto"))
	require.NoError(t, st.Save(testSnapshot("snap-b", "session-1", ts), "auto"))

	require.NoError(t, st.Delete("session-1", "snap-a"))

	_, err := os.Stat(filepath.Join(dir, "session-1", "snapshots", "snapshot-snap-a.json"))
	assert.True(t, os.IsNotExist(err))

	entries, err := st.Index("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snap-b", entries[0].ID)

	_, err = st.LoadByID("snap-a")
	assert.Error(t, err)

	// Deleting the same id again is a no-op.
	assert.NoError(t, st.Delete("session-1", "snap-a"))
}

func TestStorage_Verify(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)

	require.NoError(t, st.Save(testSnapshot("snap-a", "session-1", time.Now()), "auto"))
	assert.True(t, st.Verify("snap-a"))
	assert.False(t, st.Verify("snap-missing"))

	// A snapshot whose document loses a required field fails verification.
	broken := testSnapshot("snap-broken", "session-1", time.Now())
	broken.Messages = append(broken.Messages, ctxeng.Message{Role: ctxeng.RoleUser, Content: "no id"})
	require.NoError(t, st.Save(broken, "auto"))
	assert.False(t, st.Verify("snap-broken"))
}

func TestStructurallyComplete(t *testing.T) {
	ts := time.Now()
	ok := testSnapshot("snap-a", "session-1", ts)
	assert.NoError(t, snapshot.StructurallyComplete(ok))

	assert.Error(t, snapshot.StructurallyComplete(nil))

	missingID := testSnapshot("", "session-1", ts)
	assert.Error(t, snapshot.StructurallyComplete(missingID))

	missingSession := testSnapshot("snap-a", "", ts)
	assert.Error(t, snapshot.StructurallyComplete(missingSession))

	zeroTime := testSnapshot("snap-a", "session-1", ts)
	zeroTime.Timestamp = time.Time{}
	assert.Error(t, snapshot.StructurallyComplete(zeroTime))

	badMessage := testSnapshot("snap-a", "session-1", ts)
	badMessage.Messages[0].Role = ""
	assert.Error(t, snapshot.StructurallyComplete(badMessage))

	badUser := testSnapshot("snap-a", "session-1", ts)
	badUser.UserMessages[0].ID = ""
	assert.Error(t, snapshot.StructurallyComplete(badUser))
}

// Pre-versioning documents still load: the legacy shape is converted on
// read, and user messages are recovered from the flat history.
func TestStorage_Load_MigratesLegacyV1Document(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	legacy := snapshot.LegacySnapshotV1{
		SnapshotID: "snap-legacy",
		Session:    "session-old",
		CreatedAt:  ts,
		Tokens:     128,
		Summary:    "carried over from the old format",
		History: []snapshot.LegacyV1Message{
			{ID: "m-1", Who: "user", Text: "where did we leave off?", At: ts.Add(-time.Minute)},
			{ID: "m-2", Who: "assistant", Text: "We were refactoring the parser.", At: ts},
		},
		Meta: map[string]string{"origin": "v1"},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	snapDir := filepath.Join(dir, "session-old", "snapshots")
	require.NoError(t, os.MkdirAll(snapDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "snapshot-snap-legacy.json"), data, 0644))

	got, err := st.Load("session-old", "snap-legacy")
	require.NoError(t, err)

	assert.Equal(t, "snap-legacy", got.ID)
	assert.Equal(t, "session-old", got.SessionID)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 128, got.TokenCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, ctxeng.RoleAssistant, got.Messages[1].Role)
	require.Len(t, got.UserMessages, 1)
	assert.Equal(t, "m-1", got.UserMessages[0].ID)
	assert.NoError(t, snapshot.StructurallyComplete(got))
}

func TestStorage_Load_RejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	st := snapshot.NewStorage(dir)

	snapDir := filepath.Join(dir, "session-1", "snapshots")
	require.NoError(t, os.MkdirAll(snapDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "snapshot-snap-x.json"), []byte(`{"foo": 1}`), 0644))

	_, err := st.Load("session-1", "snap-x")
	assert.Error(t, err)
}
