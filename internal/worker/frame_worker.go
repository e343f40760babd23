package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
)

// FrameStore indexes stored proctoring frames.
type FrameStore interface {
	CopyInsert(ctx context.Context, frames []model.ProctorFrame) (int64, error)
	Insert(ctx context.Context, f model.ProctorFrame) error
}

// FrameWorker indexes proctoring frames written by the proctor service.
type FrameWorker struct {
	store FrameStore
	queue *batchQueue[model.ProctorFrame]
	log   zerolog.Logger
}

// NewFrameWorker creates a new FrameWorker.
func NewFrameWorker(store FrameStore, rdb *redis.Client, log zerolog.Logger) *FrameWorker {
	w := &FrameWorker{
		store: store,
		log:   log.With().Str("component", "frame_worker").Logger(),
	}
	w.queue = newBatchQueue(rdb, config.WorkerKey.PersistFramesQueue, w.log, w.flush)
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *FrameWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

// flush uses COPY for the batch. COPY is all-or-nothing, so the row-by-row
// retry cannot duplicate a frame.
func (w *FrameWorker) flush(ctx context.Context, batch []model.ProctorFrame) []model.ProctorFrame {
	_, err := w.store.CopyInsert(ctx, batch)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk frame copy failed, attempting row-by-row recovery")

	var failed []model.ProctorFrame
	for _, f := range batch {
		if err := w.store.Insert(ctx, f); err != nil {
			w.log.Error().Err(err).Str("frame_id", f.ID.String()).Msg("Frame insert failed, requeueing")
			failed = append(failed, f)
		}
	}
	return failed
}
