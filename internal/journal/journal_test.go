package journal

import (
	"path/filepath"
	"testing"
	"time"

	"keynormd/internal/keymap"
	"keynormd/internal/normalizer"
	"keynormd/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenAndClose(t *testing.T) {
	j := openTest(t)
	assert.NoError(t, j.Close())
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "journal.db")
	j, err := Open(path, 5000)
	require.NoError(t, err)
	defer j.Close()
}

func TestSessionLifecycle(t *testing.T) {
	j := openTest(t)

	id, err := j.BeginSession("/dev/input/event3", "AT Translated Set 2 keyboard")
	require.NoError(t, err)
	require.NotZero(t, id)
	assert.Equal(t, id, j.CurrentSession())

	last, err := j.LastSession()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
	assert.True(t, last.EndedAt.IsZero(), "open session should have no end time")
	assert.Equal(t, "AT Translated Set 2 keyboard", last.DeviceName)

	stats := normalizer.Stats{Transitions: 120, Actions: 118, StickyShifts: 3, DoubleTaps: 2, Escalations: 1, HoldReleases: 4}
	require.NoError(t, j.EndSession(stats))
	assert.Zero(t, j.CurrentSession())

	last, err = j.LastSession()
	require.NoError(t, err)
	assert.False(t, last.EndedAt.IsZero(), "ended session should carry an end time")
	assert.Equal(t, uint64(120), last.Transitions)
	assert.Equal(t, uint64(1), last.Escalations)
	assert.Equal(t, uint64(4), last.HoldReleases)
}

func TestLastSessionEmpty(t *testing.T) {
	j := openTest(t)
	last, err := j.LastSession()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRecordActionSkipsPlain(t *testing.T) {
	j := openTest(t)
	id, err := j.BeginSession("/dev/input/event3", "kb")
	require.NoError(t, err)

	actions := []normalizer.Action{
		{Kind: normalizer.Plain, Key: keymap.Key(30), Down: true, At: source.Instant(time.Millisecond)},
		{Kind: normalizer.Shifted, Key: keymap.Key(30), Down: true, At: source.Instant(2 * time.Millisecond)},
		{Kind: normalizer.Escalate, Key: keymap.Escape, At: source.Instant(3 * time.Millisecond)},
		{Kind: normalizer.HoldRelease, Key: keymap.Space, At: source.Instant(4 * time.Millisecond)},
	}
	for _, a := range actions {
		require.NoError(t, j.RecordAction(a))
	}

	firings, err := j.Firings(id, 100)
	require.NoError(t, err)
	require.Len(t, firings, 3, "plain actions should be dropped")
	assert.Equal(t, "shifted", firings[0].Kind)
	assert.Equal(t, "KEY_A", firings[0].Key)
	assert.Equal(t, "escalate", firings[1].Kind)
	assert.Equal(t, "KEY_ESC", firings[1].Key)
	assert.Equal(t, 4*time.Millisecond, firings[2].At, "monotonic offset should be preserved")
}

func TestRecordActionWithoutSession(t *testing.T) {
	j := openTest(t)
	err := j.RecordAction(normalizer.Action{Kind: normalizer.Escalate, Key: keymap.Escape})
	assert.Error(t, err)
}

func TestFiringCounts(t *testing.T) {
	j := openTest(t)
	id, err := j.BeginSession("/dev/input/event3", "kb")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.RecordAction(normalizer.Action{Kind: normalizer.Shifted, Key: keymap.Key(30), Down: true}))
	}
	require.NoError(t, j.RecordAction(normalizer.Action{Kind: normalizer.Escalate, Key: keymap.Escape}))

	counts, err := j.FiringCounts(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["shifted"])
	assert.Equal(t, int64(1), counts["escalate"])
}

func TestSessionsNewestFirst(t *testing.T) {
	j := openTest(t)

	first, err := j.BeginSession("/dev/input/event3", "kb one")
	require.NoError(t, err)
	require.NoError(t, j.EndSession(normalizer.Stats{}))
	time.Sleep(2 * time.Millisecond)
	second, err := j.BeginSession("/dev/input/event10", "kb two")
	require.NoError(t, err)
	require.NoError(t, j.EndSession(normalizer.Stats{}))

	sessions, err := j.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].ID, "newest session should come first")
	assert.Equal(t, first, sessions[1].ID)
}

func TestPruneRemovesOldSessionsAndFirings(t *testing.T) {
	j := openTest(t)

	old, err := j.BeginSession("/dev/input/event3", "kb")
	require.NoError(t, err)
	require.NoError(t, j.RecordAction(normalizer.Action{Kind: normalizer.Escalate, Key: keymap.Escape}))
	require.NoError(t, j.EndSession(normalizer.Stats{}))

	// Age the session past the retention window.
	aged := time.Now().Add(-48 * time.Hour).UnixNano()
	_, err = j.db.Exec(`UPDATE sessions SET started_at_ns = ? WHERE id = ?`, aged, old)
	require.NoError(t, err)

	fresh, err := j.BeginSession("/dev/input/event3", "kb")
	require.NoError(t, err)

	removed, err := j.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	sessions, err := j.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, fresh, sessions[0].ID)

	firings, err := j.Firings(old, 10)
	require.NoError(t, err)
	assert.Empty(t, firings, "firings should cascade on prune")
}
