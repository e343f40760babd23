package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/examroom/internal/model"
)

type patchCall struct {
	progress int
	answers  map[string]string
}

type submitCall struct {
	answers map[string]string
	score   float64
}

// memStore mimics the session store contract in memory.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*model.ExamSession

	startCalls int
	patches    []patchCall
	submits    []submitCall

	patchErr  error
	submitErr error
	// submitDelay widens race windows in concurrency tests.
	submitDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{now: time.Now, sessions: map[string]*model.ExamSession{}}
}

func key(examID uuid.UUID, studentID int) string {
	return fmt.Sprintf("%s/%d", examID, studentID)
}

func (s *memStore) StartSession(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++

	sess, ok := s.sessions[key(examID, studentID)]
	if !ok || sess.Status == model.SessionStatusNotStarted {
		start := s.now()
		sess = &model.ExamSession{
			ID:        uuid.New(),
			ExamID:    examID,
			StudentID: studentID,
			Status:    model.SessionStatusInProgress,
			StartTime: &start,
			Answers:   map[string]string{},
		}
		s.sessions[key(examID, studentID)] = sess
	}
	cp := *sess
	cp.Answers = maps.Clone(sess.Answers)
	return &cp, nil
}

// current reports whether attempt is still the stored run. Callers hold mu.
func (s *memStore) current(attempt model.Attempt) (*model.ExamSession, bool) {
	sess, ok := s.sessions[key(attempt.ExamID, attempt.StudentID)]
	if !ok || sess.Status == model.SessionStatusNotStarted || sess.StartTime == nil {
		return nil, false
	}
	return sess, attempt.SameStart(*sess.StartTime)
}

func (s *memStore) PatchProgress(_ context.Context, attempt model.Attempt, progress int, answers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	sess, ok := s.current(attempt)
	if !ok {
		return ErrAttemptReset
	}
	s.patches = append(s.patches, patchCall{progress: progress, answers: maps.Clone(answers)})
	if sess.Status == model.SessionStatusInProgress {
		sess.Progress = progress
		sess.Answers = maps.Clone(answers)
	}
	return nil
}

func (s *memStore) SubmitSession(_ context.Context, attempt model.Attempt, answers map[string]string, score float64) error {
	if s.submitDelay > 0 {
		time.Sleep(s.submitDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, submitCall{answers: maps.Clone(answers), score: score})
	if s.submitErr != nil {
		return s.submitErr
	}
	sess, ok := s.current(attempt)
	if !ok {
		return ErrAttemptReset
	}
	if sess.Status == model.SessionStatusInProgress {
		end := s.now()
		sess.Status = model.SessionStatusSubmitted
		sess.Score = &score
		sess.EndTime = &end
		sess.Answers = maps.Clone(answers)
	}
	return nil
}

func (s *memStore) seed(sess *model.ExamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key(sess.ExamID, sess.StudentID)] = sess
}

// restart replaces the stored run with a fresh one started at start, as an
// administrator reset followed by a new start would.
func (s *memStore) restart(examID uuid.UUID, studentID int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key(examID, studentID)] = &model.ExamSession{
		ID:        uuid.New(),
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.SessionStatusInProgress,
		StartTime: &start,
		Answers:   map[string]string{"q1": "fresh"},
	}
}

func (s *memStore) stored(examID uuid.UUID, studentID int) model.ExamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.sessions[key(examID, studentID)]
	cp.Answers = maps.Clone(cp.Answers)
	return cp
}

func (s *memStore) patchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patches)
}

func (s *memStore) lastPatch() patchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches[len(s.patches)-1]
}

func (s *memStore) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *memStore) setSubmitErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

type fakeCapture struct {
	mu      sync.Mutex
	openErr error
	frame   []byte
	opened  int
	closed  int
	// opening, when set, is closed once Open is entered; Open then waits on release.
	opening chan struct{}
	release chan struct{}
}

func (f *fakeCapture) Open(context.Context) error {
	if f.opening != nil {
		close(f.opening)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	return nil
}

func (f *fakeCapture) Frame(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return nil, errors.New("capture closed")
	}
	return f.frame, nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeCapture) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSink struct {
	mu      sync.Mutex
	uploads int
}

func (f *fakeSink) UploadFrame(context.Context, uuid.UUID, int, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// eventLog records controller events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
