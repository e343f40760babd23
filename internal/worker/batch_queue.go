// Package worker persists what the request path queued in Redis. Each worker
// pops a Redis list, batches items by size or age, writes the batch in one
// statement and falls back to row-by-row writes when the batch is rejected.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	redisErrorPause = 3 * time.Second
	requeuePause    = 2 * time.Second
	shutdownBudget  = 5 * time.Second
)

// batchQueue is the consume loop shared by the workers. flush returns the
// items that could not be written; they are pushed back to the queue.
type batchQueue[T any] struct {
	rdb   *redis.Client
	queue string
	size  int
	wait  time.Duration
	poll  time.Duration
	pause time.Duration
	flush func(ctx context.Context, batch []T) []T
	log   zerolog.Logger
}

func newBatchQueue[T any](rdb *redis.Client, queue string, log zerolog.Logger, flush func(context.Context, []T) []T) *batchQueue[T] {
	return &batchQueue[T]{
		rdb:   rdb,
		queue: queue,
		size:  BatchSize,
		wait:  BatchTimeout,
		poll:  PollTimeout,
		pause: requeuePause,
		flush: flush,
		log:   log,
	}
}

// run consumes the queue until ctx is cancelled, then flushes what it holds.
func (q *batchQueue[T]) run(ctx context.Context) {
	q.log.Info().Str("queue", q.queue).Msg("Worker started")

	buffer := make([]T, 0, q.size)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= q.size || time.Since(lastFlush) >= q.wait) {
			q.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			q.shutdown(buffer)
			return
		default:
		}

		result, err := q.rdb.BLPop(ctx, q.poll, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			q.log.Error().Err(err).Msg("Redis connection error, pausing")
			sleep(ctx, redisErrorPause)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads can never succeed.
			q.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed payload")
			continue
		}
		buffer = append(buffer, item)
	}
}

// flushSafe writes one batch and requeues whatever flush could not store.
func (q *batchQueue[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	failed := q.flush(ctx, batch)
	if len(failed) == 0 {
		return
	}
	if q.requeue(ctx, failed) {
		sleep(ctx, q.pause)
	}
}

func (q *batchQueue[T]) requeue(ctx context.Context, items []T) bool {
	pipe := q.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, q.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Int("count", len(items)).Msg("Failed to requeue items, data lost")
		return false
	}
	q.log.Warn().Int("count", len(items)).Msg("Requeued failed items")
	return true
}

func (q *batchQueue[T]) shutdown(buffer []T) {
	q.log.Info().Int("pending", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if len(buffer) == 0 {
		return
	}
	failed := q.flush(ctx, buffer)
	if len(failed) > 0 {
		q.requeue(ctx, failed)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
