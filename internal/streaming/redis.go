package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const (
	DefaultStream = "teamleader:events"
	DefaultMaxLen = 10000
)

// RedisSink appends events to a Redis stream for consumers outside the process.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink writes to stream, trimmed to roughly maxLen entries.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream key.
func (s *RedisSink) Stream() string { return s.stream }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrCommunication, "EVENT_ENCODE_FAILED", "failed to encode event", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task_id": evt.TaskID,
			"type":    evt.Type,
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrCommunication, "EVENT_PUBLISH_FAILED", "failed to append event to redis stream", err).
			WithDetail("stream", s.stream)
	}
	return nil
}

// StoredEvent is an event read back from the stream with its entry ID.
type StoredEvent struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Replay reads up to count entries after afterID ("" or "0" for the start).
// A non-empty taskID filters the result.
func (s *RedisSink) Replay(ctx context.Context, afterID, taskID string, count int64) ([]StoredEvent, error) {
	start := "-"
	if afterID != "" && afterID != "0" {
		start = "(" + afterID
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, "+").Result()
	}
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrCommunication, "EVENT_REPLAY_FAILED", "failed to read redis stream", err)
	}

	out := make([]StoredEvent, 0, len(msgs))
	for _, msg := range msgs {
		if taskID != "" && fmt.Sprint(msg.Values["task_id"]) != taskID {
			continue
		}
		raw, _ := msg.Values["payload"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		out = append(out, StoredEvent{ID: msg.ID, Event: evt})
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
