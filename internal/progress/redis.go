package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "finresearch:job:"

// RedisBroadcaster publishes job events to one Redis Stream per job so that
// UIs can follow or replay a job without cross-talk between jobs.
type RedisBroadcaster struct {
	rdb    *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger

	block    time.Duration
	retryMin time.Duration
	retryMax time.Duration
}

// NewRedisBroadcaster connects to redisURL and verifies it with a ping.
func NewRedisBroadcaster(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBroadcaster(rdb, logger), nil
}

func newRedisBroadcaster(rdb *redis.Client, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		rdb:      rdb,
		maxLen:   1000,
		ttl:      24 * time.Hour,
		logger:   logger,
		block:    2 * time.Second,
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
	}
}

func streamKey(jobID string) string { return streamPrefix + jobID }

// Broadcast appends the event to the job's stream. Errors are logged only.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, jobID string, event Event, payload Payload) {
	if err := b.Publish(ctx, jobID, event, payload); err != nil {
		b.logger.Warn("publish progress event failed",
			zap.String("job", jobID), zap.String("event", string(event)), zap.Error(err))
	}
}

// Publish appends the event and refreshes the stream's expiry.
func (b *RedisBroadcaster) Publish(ctx context.Context, jobID string, event Event, payload Payload) error {
	rec := Record{JobID: jobID, Event: event, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := streamKey(jobID)
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	return nil
}

// Replay returns every event still stored for jobID, oldest first.
func (b *RedisBroadcaster) Replay(ctx context.Context, jobID string) ([]Record, error) {
	msgs, err := b.rdb.XRange(ctx, streamKey(jobID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", jobID, err)
	}
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		if rec, ok := decodeRecord(m); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe replays a job's stream from the start and then follows it. The
// channel closes when ctx is cancelled or after the terminal done event.
// Read errors are retried with exponential backoff.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, jobID string) <-chan Record {
	ch := make(chan Record, 16)
	key := streamKey(jobID)

	go func() {
		defer close(ch)
		retry := b.newBackOff()
		lastID := "0"
		for ctx.Err() == nil {
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   b.block,
			}).Result()
			switch {
			case errors.Is(err, redis.Nil):
				// Block timed out with nothing new.
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				wait := retry.NextBackOff()
				b.logger.Warn("follow progress stream failed, retrying",
					zap.String("job", jobID), zap.Duration("wait", wait), zap.Error(err))
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
				continue
			}
			retry.Reset()

			for _, r := range results {
				for _, m := range r.Messages {
					lastID = m.ID
					rec, ok := decodeRecord(m)
					if !ok {
						continue
					}
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
					if rec.Event == Done {
						return
					}
				}
			}
		}
	}()
	return ch
}

func (b *RedisBroadcaster) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryMin
	eb.MaxInterval = b.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func decodeRecord(m redis.XMessage) (Record, bool) {
	data, ok := m.Values["data"].(string)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// Close shuts down the Redis connection.
func (b *RedisBroadcaster) Close() error {
	return b.rdb.Close()
}
