package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
)

// ProgressStore writes queued progress snapshots.
type ProgressStore interface {
	BulkPatchProgress(ctx context.Context, patches []model.ProgressPatch) (int64, error)
	PatchProgress(ctx context.Context, p model.ProgressPatch) (bool, error)
}

// ProgressWorker persists the progress snapshots buffered by the session store.
type ProgressWorker struct {
	store ProgressStore
	queue *batchQueue[model.ProgressPatch]
	log   zerolog.Logger
}

// NewProgressWorker creates a new ProgressWorker.
func NewProgressWorker(store ProgressStore, rdb *redis.Client, log zerolog.Logger) *ProgressWorker {
	w := &ProgressWorker{
		store: store,
		log:   log.With().Str("component", "progress_worker").Logger(),
	}
	w.queue = newBatchQueue(rdb, config.WorkerKey.PersistProgressQueue, w.log, w.flush)
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *ProgressWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

type sessionRef struct {
	examID    string
	studentID int
}

// latestPerSession keeps the newest patch of every session. The queue is
// FIFO, so a later item is newer.
func latestPerSession(batch []model.ProgressPatch) []model.ProgressPatch {
	index := make(map[sessionRef]int, len(batch))
	out := make([]model.ProgressPatch, 0, len(batch))
	for _, p := range batch {
		ref := sessionRef{examID: p.ExamID.String(), studentID: p.StudentID}
		if i, ok := index[ref]; ok {
			out[i] = p
			continue
		}
		index[ref] = len(out)
		out = append(out, p)
	}
	return out
}

func (w *ProgressWorker) flush(ctx context.Context, batch []model.ProgressPatch) []model.ProgressPatch {
	patches := latestPerSession(batch)

	applied, err := w.store.BulkPatchProgress(ctx, patches)
	if err == nil {
		if skipped := int64(len(patches)) - applied; skipped > 0 {
			w.log.Debug().Int64("skipped", skipped).Msg("Stale progress patches discarded")
		}
		return nil
	}

	w.log.Warn().Err(err).Int("count", len(patches)).Msg("Bulk progress update failed, attempting row-by-row recovery")

	var failed []model.ProgressPatch
	for _, p := range patches {
		if _, err := w.store.PatchProgress(ctx, p); err != nil {
			w.log.Error().Err(err).Int("student_id", p.StudentID).Msg("Progress update failed, requeueing")
			failed = append(failed, p)
		}
	}
	return failed
}
