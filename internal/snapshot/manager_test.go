package snapshot_test

import (
	"testing"
	"time"

	ctxeng "ollm/internal/context"
	"ollm/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkingSet(sessionID string) *ctxeng.ConversationContext {
	ts := time.Now().UTC().Truncate(time.Second)
	return &ctxeng.ConversationContext{
		SessionID:    sessionID,
		SystemPrompt: "You are a helpful engineering assistant.",
		Checkpoints: []ctxeng.Checkpoint{
			{
				ID:                 "cp-1",
				Summary:            "Settled on a single-writer storage design.",
				OriginalMessageIDs: []string{"u-0", "a-0"},
				TokenCount:         10,
				CompressionLevel:   ctxeng.LevelDetailed,
				CompressionNumber:  1,
				CreatedAt:          ts.Add(-time.Hour),
				CompressedAt:       ts.Add(-time.Hour),
			},
		},
		RecentMessages: []ctxeng.Message{
			{ID: "u-1", Role: ctxeng.RoleUser, Content: "now wire up the index", Timestamp: ts.Add(-time.Minute)},
			{ID: "a-1", Role: ctxeng.RoleAssistant, Content: "Index writes happen under the storage lock.", Timestamp: ts},
		},
		TokenCount:            ctxeng.TokenBreakdown{Total: 64, System: 12, Checkpoints: 10, Recent: 42},
		TaskDefinition:        "Build the storage layer",
		ArchitectureDecisions: "Single writer, WAL mode",
	}
}

func newTestManager(t *testing.T) *snapshot.Manager {
	t.Helper()
	return snapshot.NewManager(snapshot.NewStorage(t.TempDir()))
}

func TestManager_Create_IsDurableAndIsolated(t *testing.T) {
	m := newTestManager(t)
	cc := testWorkingSet("session-1")
	users := []ctxeng.Message{
		{ID: "u-0", Role: ctxeng.RoleUser, Content: "start the storage layer", Timestamp: time.Now().Add(-time.Hour)},
		{ID: "u-1", Role: ctxeng.RoleUser, Content: "now wire up the index", Timestamp: time.Now()},
	}
	archived := []ctxeng.ArchivedUserMessage{
		{MessageID: "u-0", Summary: "start the storage layer", ArchivedAt: time.Now()},
	}

	snap, err := m.Create(cc, users, archived, "manual")
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)
	assert.Equal(t, "session-1", snap.SessionID)
	assert.Equal(t, 64, snap.TokenCount)
	assert.Equal(t, "manual", snap.Metadata["purpose"])

	// Mutations to the working set after Create must not leak into the
	// stored document.
	cc.RecentMessages[0].Content = "mutated after snapshot"
	cc.Checkpoints[0].Summary = "mutated after snapshot"
	users[1].Content = "mutated after snapshot"

	got, err := m.Restore(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "now wire up the index", got.Messages[0].Content)
	assert.Equal(t, "Settled on a single-writer storage design.", got.Checkpoints[0].Summary)
	assert.Equal(t, "now wire up the index", got.UserMessages[1].Content)
}

func TestManager_Create_NilContext(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(nil, nil, nil, "manual")
	assert.Error(t, err)
}

func TestManager_Restore_RejectsIncompleteSnapshot(t *testing.T) {
	storage := snapshot.NewStorage(t.TempDir())
	m := snapshot.NewManager(storage)

	broken := testSnapshot("snap-broken", "session-1", time.Now())
	broken.UserMessages[0].ID = ""
	require.NoError(t, storage.Save(broken, "manual"))

	_, err := m.Restore("snap-broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestManager_Restore_UnknownID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Restore("nope")
	assert.Error(t, err)
}

func TestManager_List_ReflectsCreates(t *testing.T) {
	m := newTestManager(t)
	cc := testWorkingSet("session-1")

	first, err := m.Create(cc, nil, nil, "auto")
	require.NoError(t, err)
	second, err := m.Create(cc, nil, nil, "manual")
	require.NoError(t, err)

	entries, err := m.List("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ids := []string{entries[0].ID, entries[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestManager_CleanupOldSnapshots_KeepsNewest(t *testing.T) {
	m := newTestManager(t)
	cc := testWorkingSet("session-1")

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := m.Create(cc, nil, nil, "auto")
		require.NoError(t, err)
		ids = append(ids, snap.ID)
		// Index ordering ties on equal timestamps; space the creates out.
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, m.CleanupOldSnapshots("session-1", 2))

	entries, err := m.List("session-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[4], entries[0].ID)
	assert.Equal(t, ids[3], entries[1].ID)

	assert.False(t, m.Verify(ids[0]))
	assert.True(t, m.Verify(ids[4]))
}

func TestManager_CleanupOldSnapshots_UnderLimitIsNoOp(t *testing.T) {
	m := newTestManager(t)
	cc := testWorkingSet("session-1")
	snap, err := m.Create(cc, nil, nil, "auto")
	require.NoError(t, err)

	require.NoError(t, m.CleanupOldSnapshots("session-1", 3))
	assert.True(t, m.Verify(snap.ID))

	// keep is clamped to at least one.
	require.NoError(t, m.CleanupOldSnapshots("session-1", 0))
	assert.True(t, m.Verify(snap.ID))
}

func TestManager_OnContextThreshold_FirstCrossingOnly(t *testing.T) {
	m := newTestManager(t)

	fired := 0
	m.OnContextThreshold(0.80, func() { fired++ })

	m.ObserveUsage(0.50, false)
	assert.Equal(t, 0, fired)

	m.ObserveUsage(0.85, false)
	assert.Equal(t, 1, fired)

	// Still above threshold: latched, no refire.
	m.ObserveUsage(0.90, false)
	assert.Equal(t, 1, fired)

	// Dropping below resets the latch; the next crossing fires again.
	m.ObserveUsage(0.40, false)
	m.ObserveUsage(0.81, false)
	assert.Equal(t, 2, fired)
}

func TestManager_ObserveUsage_OverflowBeforeThreshold(t *testing.T) {
	m := newTestManager(t)

	var order []string
	m.OnContextThreshold(0.80, func() { order = append(order, "threshold") })
	m.OnBeforeOverflow(func() { order = append(order, "overflow") })

	m.ObserveUsage(0.99, true)
	assert.Equal(t, []string{"overflow", "threshold"}, order)
}

func TestManager_ObserveUsage_OverflowFiresEveryTime(t *testing.T) {
	m := newTestManager(t)

	fired := 0
	m.OnBeforeOverflow(func() { fired++ })

	m.ObserveUsage(0.99, true)
	m.ObserveUsage(0.99, true)
	assert.Equal(t, 2, fired)
}
