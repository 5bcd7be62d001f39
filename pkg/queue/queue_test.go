package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestEnqueueThenGetPendingForChannel(t *testing.T) {
	q := newTestQueue(t)
	m := Message{ChannelID: "C001", UserID: "U1", Text: "hello", TS: "1700000000.100200", QueuedAt: "2026-07-31T00:00:00Z"}

	require.NoError(t, q.Enqueue(m))

	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, m, pending[0])
}

func TestUpdateQueuedTextReplacesInPlace(t *testing.T) {
	q := newTestQueue(t)
	m := Message{ChannelID: "C001", Text: "original", TS: "1700000000.1", QueuedAt: "2026-07-31T00:00:00Z"}
	require.NoError(t, q.Enqueue(m))

	ok := q.UpdateQueuedText("C001", "1700000000.1", "edited")
	assert.True(t, ok)

	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "edited", pending[0].Text)
}

func TestUpdateQueuedTextMissingReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	assert.False(t, q.UpdateQueuedText("C001", "nonexistent", "edited"))
}

func TestDequeueTwiceSecondReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	m := Message{ChannelID: "C001", Text: "hi", TS: "1700000000.1", QueuedAt: "2026-07-31T00:00:00Z"}
	require.NoError(t, q.Enqueue(m))

	assert.True(t, q.Dequeue("C001", "1700000000.1"))
	assert.False(t, q.Dequeue("C001", "1700000000.1"))
}

func TestGetPendingSortedByQueuedAt(t *testing.T) {
	q := newTestQueue(t)
	later := Message{ChannelID: "C001", Text: "second", TS: "2", QueuedAt: "2026-07-31T00:00:02Z"}
	earlier := Message{ChannelID: "C001", Text: "first", TS: "1", QueuedAt: "2026-07-31T00:00:01Z"}

	require.NoError(t, q.Enqueue(later))
	require.NoError(t, q.Enqueue(earlier))

	pending := q.GetPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Text)
	assert.Equal(t, "second", pending[1].Text)
}

func TestGetPendingForChannelFiltersOtherChannels(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Message{ChannelID: "C001", Text: "a", TS: "1", QueuedAt: "t1"}))
	require.NoError(t, q.Enqueue(Message{ChannelID: "C002", Text: "b", TS: "1", QueuedAt: "t2"}))

	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].Text)
}

func TestEnqueueOverwritesOnSameKey(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Message{ChannelID: "C001", Text: "v1", TS: "1", QueuedAt: "t1"}))
	require.NoError(t, q.Enqueue(Message{ChannelID: "C001", Text: "v2", TS: "1", QueuedAt: "t1"}))

	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "v2", pending[0].Text)
}

func TestMalformedRecordIsSkippedNotFatal(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Message{ChannelID: "C001", Text: "good", TS: "1", QueuedAt: "t1"}))

	badPath := filepath.Join(q.dir, "C001_corrupt.json")
	require.NoError(t, os.WriteFile(badPath, []byte("not json"), 0o644))

	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "good", pending[0].Text)
}

func TestFilenameReplacesDotsAndSeparators(t *testing.T) {
	name := filename("C/001", "1700000000.100200")
	assert.NotContains(t, name, "/")
	assert.Equal(t, "C-001_1700000000-100200.json", name)
}
