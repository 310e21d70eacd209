package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"ollm/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalStore_CreatesDirectoryForDBPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive", "ollm.db")
	s, err := store.NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StoreMessage("s1", "m1", "user", "hello", time.Now()))
	n, err := s.MessageCount("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocalStore_UserMessages_OldestFirstUserOnly(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.StoreMessage("s1", "u-2", "user", "second question", base.Add(2*time.Minute)))
	require.NoError(t, s.StoreMessage("s1", "a-1", "assistant", "an answer", base.Add(time.Minute)))
	require.NoError(t, s.StoreMessage("s1", "u-1", "user", "first question", base))
	require.NoError(t, s.StoreMessage("other", "u-9", "user", "different session", base))

	msgs, err := s.UserMessages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u-1", msgs[0].MessageID)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "u-2", msgs[1].MessageID)
	assert.Equal(t, "user", msgs[1].Role)
}

func TestLocalStore_StoreMessage_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now()

	require.NoError(t, s.StoreMessage("s1", "u-1", "user", "original", ts))
	// Re-archiving the same id (snapshot restore path) must not duplicate
	// or overwrite.
	require.NoError(t, s.StoreMessage("s1", "u-1", "user", "changed", ts))

	msgs, err := s.UserMessages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content)
}

func TestLocalStore_MessageCount_CountsAllRoles(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now()

	require.NoError(t, s.StoreMessage("s1", "u-1", "user", "q", ts))
	require.NoError(t, s.StoreMessage("s1", "a-1", "assistant", "a", ts))

	n, err := s.MessageCount("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.MessageCount("empty-session")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLocalStore_ArchivedTraces_NewestFirstWithInsights(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.ArchiveReasoningTrace("s1", "t-1", "a-1",
		"weighed storage options", []string{"Decided: sqlite", "Because: zero-ops"}, base))
	require.NoError(t, s.ArchiveReasoningTrace("s1", "t-2", "a-2",
		"planned the index rebuild", nil, base.Add(time.Minute)))

	traces, err := s.ArchivedTraces("s1", 10)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	assert.Equal(t, "t-2", traces[0].TraceID)
	assert.Empty(t, traces[0].Insights)
	assert.Equal(t, "t-1", traces[1].TraceID)
	assert.Equal(t, []string{"Decided: sqlite", "Because: zero-ops"}, traces[1].Insights)
	assert.Equal(t, "a-1", traces[1].MessageID)
}

func TestLocalStore_ArchivedTraces_LimitAndIdempotence(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, s.ArchiveReasoningTrace("s1", "t-"+id, "m-"+id,
			"trace "+id, nil, base.Add(time.Duration(i)*time.Minute)))
	}
	// Duplicate trace id is ignored.
	require.NoError(t, s.ArchiveReasoningTrace("s1", "t-a", "m-x", "replayed", nil, base))

	traces, err := s.ArchivedTraces("s1", 3)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "t-e", traces[0].TraceID)

	all, err := s.ArchivedTraces("s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
