package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
)

// ResultStore records graded results.
type ResultStore interface {
	BulkUpsert(ctx context.Context, results []model.ExamResult) error
	Upsert(ctx context.Context, res model.ExamResult) error
}

// ResultWorker hands submitted results to the results table.
type ResultWorker struct {
	store ResultStore
	queue *batchQueue[model.ExamResult]
	log   zerolog.Logger
}

// NewResultWorker creates a new ResultWorker.
func NewResultWorker(store ResultStore, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	w := &ResultWorker{
		store: store,
		log:   log.With().Str("component", "result_worker").Logger(),
	}
	w.queue = newBatchQueue(rdb, config.WorkerKey.PersistResultsQueue, w.log, w.flush)
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *ResultWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

func (w *ResultWorker) flush(ctx context.Context, batch []model.ExamResult) []model.ExamResult {
	err := w.store.BulkUpsert(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Results stored")
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk result insert failed, attempting row-by-row recovery")

	var failed []model.ExamResult
	for _, res := range batch {
		if err := w.store.Upsert(ctx, res); err != nil {
			w.log.Error().Err(err).
				Str("exam_id", res.ExamID.String()).
				Int("student_id", res.StudentID).
				Msg("Result insert failed, requeueing")
			failed = append(failed, res)
		}
	}
	return failed
}
