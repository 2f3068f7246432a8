package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisSinkPublishAndReplay(t *testing.T) {
	_, client := newRedis(t)
	sink := NewRedisSink(client, "", 0)
	ctx := context.Background()
	require.NoError(t, sink.Ping(ctx))

	for i, task := range []string{"a", "b", "a"} {
		require.NoError(t, sink.Publish(ctx, Event{
			TaskID: task,
			Type:   EventTaskProgress,
			Seq:    uint64(i + 1),
			Data:   map[string]interface{}{"progress": float64(i * 10)},
		}))
	}

	all, err := sink.Replay(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, float64(10), all[1].Event.Data["progress"])

	onlyA, err := sink.Replay(ctx, "0", "a", 0)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, uint64(3), onlyA[1].Event.Seq)

	after, err := sink.Replay(ctx, all[0].ID, "", 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "b", after[0].Event.TaskID)

	n, err := client.XLen(ctx, DefaultStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisSinkUnavailable(t *testing.T) {
	mr, client := newRedis(t)
	sink := NewRedisSink(client, "events", 10)
	mr.Close()

	err := sink.Publish(context.Background(), Event{TaskID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EVENT_PUBLISH_FAILED")
}

type failingSink struct{ calls int }

func (f *failingSink) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutStampsAndSwallowsSinkErrors(t *testing.T) {
	_, client := newRedis(t)
	hub := NewHub(16)
	redisSink := NewRedisSink(client, "fanout", 100)
	bad := &failingSink{}
	f := NewFanout(hub, zaptest.NewLogger(t),
		NamedSink{Name: "broken", Sink: bad},
		NamedSink{Name: "redis", Sink: redisSink},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Publish(ctx, Event{TaskID: "t1", Type: EventTaskCancelled}))
	assert.Equal(t, 1, bad.calls)

	stored, err := redisSink.Replay(context.Background(), "", "t1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, uint64(1), stored[0].Event.Seq, "sinks see the hub sequence")
	assert.Len(t, hub.ReplaySince("t1", 0), 1)
}
