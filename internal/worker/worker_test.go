package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type progressStore struct {
	mu       sync.Mutex
	bulkErr  error
	singleOK map[int]bool
	bulk     [][]model.ProgressPatch
	singles  []model.ProgressPatch
}

func (s *progressStore) BulkPatchProgress(_ context.Context, patches []model.ProgressPatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bulkErr != nil {
		return 0, s.bulkErr
	}
	s.bulk = append(s.bulk, append([]model.ProgressPatch(nil), patches...))
	return int64(len(patches)), nil
}

func (s *progressStore) PatchProgress(_ context.Context, p model.ProgressPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.singleOK[p.StudentID] {
		return false, errors.New("connection reset")
	}
	s.singles = append(s.singles, p)
	return true, nil
}

func TestLatestPerSession(t *testing.T) {
	examA, examB := uuid.New(), uuid.New()
	batch := []model.ProgressPatch{
		{ExamID: examA, StudentID: 1, Progress: 10},
		{ExamID: examB, StudentID: 1, Progress: 20},
		{ExamID: examA, StudentID: 1, Progress: 30},
		{ExamID: examA, StudentID: 2, Progress: 40},
	}

	got := latestPerSession(batch)
	require.Len(t, got, 3)
	assert.Equal(t, 30, got[0].Progress)
	assert.Equal(t, 20, got[1].Progress)
	assert.Equal(t, 40, got[2].Progress)
}

func TestProgressWorker_FlushDedupes(t *testing.T) {
	_, rdb := newRedis(t)
	store := &progressStore{}
	w := NewProgressWorker(store, rdb, zerolog.Nop())

	examID := uuid.New()
	failed := w.flush(context.Background(), []model.ProgressPatch{
		{ExamID: examID, StudentID: 1, Progress: 50},
		{ExamID: examID, StudentID: 1, Progress: 100},
	})
	assert.Empty(t, failed)
	require.Len(t, store.bulk, 1)
	require.Len(t, store.bulk[0], 1)
	assert.Equal(t, 100, store.bulk[0][0].Progress)
}

func TestProgressWorker_FallbackRequeuesFailures(t *testing.T) {
	mr, rdb := newRedis(t)
	store := &progressStore{bulkErr: errors.New("deadlock"), singleOK: map[int]bool{1: true}}
	w := NewProgressWorker(store, rdb, zerolog.Nop())
	w.queue.pause = 0

	examID := uuid.New()
	w.queue.flushSafe(context.Background(), []model.ProgressPatch{
		{ExamID: examID, StudentID: 1, Progress: 50},
		{ExamID: examID, StudentID: 2, Progress: 50},
	})

	require.Len(t, store.singles, 1)
	assert.Equal(t, 1, store.singles[0].StudentID)

	queued, err := mr.List(config.WorkerKey.PersistProgressQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var p model.ProgressPatch
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &p))
	assert.Equal(t, 2, p.StudentID)
}

type resultStore struct {
	mu      sync.Mutex
	results []model.ExamResult
	done    chan struct{}
	want    int
}

func (s *resultStore) BulkUpsert(_ context.Context, results []model.ExamResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
	if len(s.results) >= s.want {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	return nil
}

func (s *resultStore) Upsert(_ context.Context, res model.ExamResult) error {
	return s.BulkUpsert(context.Background(), []model.ExamResult{res})
}

func TestResultWorker_ConsumesQueue(t *testing.T) {
	mr, rdb := newRedis(t)
	store := &resultStore{done: make(chan struct{}), want: 2}
	w := NewResultWorker(store, rdb, zerolog.Nop())
	w.queue.wait = 10 * time.Millisecond

	examID := uuid.New()
	for _, id := range []int{1, 2} {
		raw, err := json.Marshal(model.ExamResult{ExamID: examID, StudentID: id, Score: 5, MaxScore: 8})
		require.NoError(t, err)
		_, err = mr.RPush(config.WorkerKey.PersistResultsQueue, string(raw))
		require.NoError(t, err)
	}
	_, err := mr.RPush(config.WorkerKey.PersistResultsQueue, "{not json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(stopped)
	}()

	select {
	case <-store.done:
	case <-time.After(5 * time.Second):
		t.Fatal("results were not flushed")
	}
	cancel()
	<-stopped

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.results, 2)
	assert.ElementsMatch(t, []int{1, 2}, []int{store.results[0].StudentID, store.results[1].StudentID})
	assert.False(t, mr.Exists(config.WorkerKey.PersistResultsQueue))
}

type frameStore struct {
	copyErr  error
	inserted []model.ProctorFrame
}

func (s *frameStore) CopyInsert(_ context.Context, frames []model.ProctorFrame) (int64, error) {
	if s.copyErr != nil {
		return 0, s.copyErr
	}
	s.inserted = append(s.inserted, frames...)
	return int64(len(frames)), nil
}

func (s *frameStore) Insert(_ context.Context, f model.ProctorFrame) error {
	s.inserted = append(s.inserted, f)
	return nil
}

func TestFrameWorker_FallsBackToSingleInserts(t *testing.T) {
	_, rdb := newRedis(t)
	store := &frameStore{copyErr: errors.New("copy aborted")}
	w := NewFrameWorker(store, rdb, zerolog.Nop())

	frames := []model.ProctorFrame{{ID: uuid.New()}, {ID: uuid.New()}}
	assert.Empty(t, w.flush(context.Background(), frames))
	assert.Len(t, store.inserted, 2)
}

func TestBatchQueue_ShutdownFlushesBuffer(t *testing.T) {
	_, rdb := newRedis(t)
	var got []int
	q := newBatchQueue(rdb, "test_queue", zerolog.Nop(), func(_ context.Context, batch []int) []int {
		got = append(got, batch...)
		return nil
	})

	q.shutdown([]int{1, 2, 3})
	assert.Equal(t, []int{1, 2, 3}, got)
}
