// Package stream mirrors committed task views into Redis Streams so
// out-of-process consumers can follow a task without holding an HTTP
// connection to the server.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgelab/agentforge/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "agentforge:tasks:"

// streamMaxLen caps each task's stream; old entries are trimmed.
const streamMaxLen = 256

// Mirror is a status sink backed by Redis Streams.
type Mirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects the mirror to Redis.
func New(redisURL string, logger *zap.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Mirror{rdb: rdb, logger: logger}, nil
}

func (m *Mirror) Name() string { return "stream-mirror" }

// OnTransition appends the view to the task's stream.
func (m *Mirror) OnTransition(ctx context.Context, v task.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	stream := streamPrefix + v.TaskID
	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("mirror to %s: %w", stream, err)
	}
	return nil
}

// Follow tails a task's stream from now on. Cancel the context to stop; the
// channel closes after a terminal view or on cancellation.
func (m *Mirror) Follow(ctx context.Context, taskID string) <-chan task.View {
	ch := make(chan task.View, 16)
	stream := streamPrefix + taskID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var v task.View
					if json.Unmarshal([]byte(data), &v) != nil {
						continue
					}
					ch <- v
					if v.Status.Terminal() {
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
