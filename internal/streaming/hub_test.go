package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestHubDeliversToTaskAndWildcard(t *testing.T) {
	h := NewHub(8)
	task := h.Subscribe("task-1", 4)
	all := h.Subscribe(AllTasks, 4)
	other := h.Subscribe("task-2", 4)

	evt := h.Emit(Event{TaskID: "task-1", Type: EventTaskStarted})
	assert.Equal(t, uint64(1), evt.Seq)
	assert.False(t, evt.Timestamp.IsZero())

	select {
	case got := <-task:
		assert.Equal(t, EventTaskStarted, got.Type)
	case <-time.After(time.Second):
		t.Fatal("task subscriber got nothing")
	}
	select {
	case got := <-all:
		assert.Equal(t, "task-1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber got nothing")
	}
	assert.Empty(t, other)

	h.Unsubscribe("task-1", task)
	h.Unsubscribe("task-1", task)
	_, open := <-task
	assert.False(t, open)
}

func TestHubReplay(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), Event{TaskID: "t", Type: EventTaskProgress}))
	}
	h.Emit(Event{TaskID: "u", Type: EventTaskQueued})

	evs := h.ReplaySince("t", 0)
	require.Len(t, evs, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{evs[0].Seq, evs[1].Seq, evs[2].Seq})

	evs = h.ReplaySince("t", 4)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(5), evs[0].Seq)

	all := h.ReplaySince(AllTasks, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "u", all[2].TaskID)

	h.Forget("t")
	assert.Nil(t, h.ReplaySince("t", 0))
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub(8)
	ch := h.Subscribe("t", 1)
	h.Emit(Event{TaskID: "t"})
	h.Emit(Event{TaskID: "t"})
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), h.Dropped())
}
