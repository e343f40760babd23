// Package session runs one student's exam attempt: start-or-resume, the
// countdown, periodic progress sync, proctoring capture and submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/grading"
	"github.com/stemsi/examroom/internal/model"
)

// Controller errors.
var (
	ErrAlreadyStarted     = errors.New("session controller already started")
	ErrAlreadySubmitted   = errors.New("exam session already submitted")
	ErrNotInProgress      = errors.New("exam session is not in progress")
	ErrTimeExpired        = errors.New("exam time is over")
	ErrUnknownQuestion    = errors.New("question does not belong to this exam")
	ErrSubmitNotPersisted = errors.New("submission graded but not persisted")
	// ErrAttemptReset is returned by a Store when the attempt it is asked to
	// write has been reset, so the write belongs to no current attempt.
	ErrAttemptReset = errors.New("exam attempt was reset")
	ErrClosed       = errors.New("session controller closed")
)

const (
	defaultTickInterval  = time.Second
	defaultSyncInterval  = 5 * time.Second
	submitPersistTimeout = 10 * time.Second
)

// Store persists session state. StartSession must be an idempotent
// create-or-fetch; SubmitSession must accept retries without altering an
// already accepted score. Writes name the attempt they belong to and fail
// with ErrAttemptReset once that attempt is gone.
type Store interface {
	StartSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	PatchProgress(ctx context.Context, attempt model.Attempt, progress int, answers map[string]string) error
	SubmitSession(ctx context.Context, attempt model.Attempt, answers map[string]string, score float64) error
}

// Capture is a camera source. Frame returns a nil payload when no frame is
// available yet.
type Capture interface {
	Open(ctx context.Context) error
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// FrameSink receives proctoring snapshots.
type FrameSink interface {
	UploadFrame(ctx context.Context, examID uuid.UUID, studentID int, payload []byte) error
}

// Options tunes a Controller. Zero intervals fall back to defaults, except
// ProctorInterval where zero disables proctoring uploads.
type Options struct {
	TickInterval      time.Duration
	SyncInterval      time.Duration
	ProctorInterval   time.Duration
	AutoSubmitExpired bool

	Capture Capture
	Sink    FrameSink

	// OnEvent is called from the controller's goroutines and from callers of
	// Submit. It must not call Close.
	OnEvent func(Event)
	Now     func() time.Time
	Log     zerolog.Logger
}

// Result is the graded outcome of a submission.
type Result struct {
	Score         float64           `json:"score"`
	MaxScore      float64           `json:"max_score"`
	Answers       map[string]string `json:"answers"`
	AutoSubmitted bool              `json:"auto_submitted"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	Persisted     bool              `json:"persisted"`
}

func (r *Result) clone() *Result {
	cp := *r
	cp.Answers = maps.Clone(r.Answers)
	return &cp
}

// State is the view derived from the store's session on start-or-resume.
type State struct {
	Session          *model.ExamSession
	Answers          map[string]string
	RemainingSeconds int
	Expired          bool
	// Result is set when an expired session was submitted during Start.
	Result *Result
}

// Controller owns the lifecycle of one (exam, student) attempt.
type Controller struct {
	exam      *model.ExamDefinition
	studentID int
	store     Store
	opts      Options
	log       zerolog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	abandoned  bool
	attempt    model.Attempt
	status     model.SessionStatus
	remaining  int
	answers    map[string]string
	result     *Result
	proctoring bool
	// persisted is closed when the first submission's store write settles.
	persisted chan struct{}

	// loopCtx is cancelled together with every timer the controller owns.
	loopCtx    context.Context
	stopLoops  context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	releaseMu  sync.Mutex
	captureOff bool
}

// NewController builds a controller for one exam attempt. Nothing runs until Start.
func NewController(exam *model.ExamDefinition, studentID int, store Store, opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	loopCtx, stop := context.WithCancel(context.Background())

	return &Controller{
		exam:      exam,
		studentID: studentID,
		store:     store,
		opts:      opts,
		log: opts.Log.With().
			Str("component", "session_controller").
			Str("exam_id", exam.ID.String()).
			Int("student_id", studentID).
			Logger(),
		attempt:   model.Attempt{ExamID: exam.ID, StudentID: studentID},
		status:    model.SessionStatusNotStarted,
		answers:   map[string]string{},
		persisted: make(chan struct{}),
		loopCtx:   loopCtx,
		stopLoops: stop,
	}
}

// Start opens or resumes the session and starts the timers. Resuming keeps
// the stored start time: remaining = duration − whole seconds elapsed. An
// already expired session reports Expired with zero remaining and, when
// AutoSubmitExpired is set, is submitted before Start returns. Start
// returns ErrClosed when Close ran before the timers could start.
func (c *Controller) Start(ctx context.Context) (*State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	sess, err := c.store.StartSession(ctx, c.exam.ID, c.studentID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if sess.Status == model.SessionStatusSubmitted {
		return nil, ErrAlreadySubmitted
	}

	now := c.opts.Now()
	startTime := now
	if sess.StartTime != nil {
		startTime = *sess.StartTime
	}
	elapsed := int(now.Sub(startTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := c.exam.DurationMinutes*60 - elapsed

	state := &State{Session: sess}

	c.mu.Lock()
	c.status = model.SessionStatusInProgress
	c.attempt.StartTime = startTime
	if sess.Answers != nil {
		c.answers = maps.Clone(sess.Answers)
	}
	if remaining <= 0 {
		remaining = 0
		state.Expired = true
	}
	c.remaining = remaining
	state.Answers = maps.Clone(c.answers)
	state.RemainingSeconds = remaining
	c.mu.Unlock()

	c.openCapture(ctx)

	if state.Expired {
		c.log.Warn().Time("start_time", startTime).Msg("Resumed session has no time left")
		c.emit(Event{Kind: EventExpired})
		if !c.opts.AutoSubmitExpired {
			return state, nil
		}
		res, err := c.submit(ctx, true)
		state.Result = res
		return state, err
	}

	c.log.Info().
		Int("remaining_seconds", remaining).
		Int("answers", len(state.Answers)).
		Msg("Session started")

	// Loops are added under mu so Close either sees them in its Wait or
	// stops Start from launching them.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return state, ErrClosed
	}
	c.wg.Add(2)
	go c.countdownLoop()
	go c.syncLoop()
	if c.proctoring && c.opts.Sink != nil && c.opts.ProctorInterval > 0 {
		c.wg.Add(1)
		go c.proctorLoop()
	}

	return state, nil
}

// SetAnswer stores value for questionID, replacing any previous answer. A
// blank value clears the answer. Returns the progress after the change.
func (c *Controller) SetAnswer(questionID, value string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.SessionStatusInProgress {
		return 0, ErrNotInProgress
	}
	if c.remaining <= 0 {
		return 0, ErrTimeExpired
	}
	if !c.exam.HasQuestion(questionID) {
		return 0, ErrUnknownQuestion
	}

	if strings.TrimSpace(value) == "" {
		delete(c.answers, questionID)
	} else {
		c.answers[questionID] = value
	}
	return grading.Progress(c.exam.Questions, c.answers), nil
}

// Submit grades and finalizes the session. Only the first call, manual or
// timeout, has effects; later calls wait for its store write and return the
// same result. When the store rejects the submission the graded result is
// kept and the error wraps ErrSubmitNotPersisted. When the attempt was reset
// meanwhile, nothing is kept and the error is ErrAttemptReset.
func (c *Controller) Submit(ctx context.Context) (*Result, error) {
	return c.submit(ctx, false)
}

func (c *Controller) submit(ctx context.Context, auto bool) (*Result, error) {
	c.mu.Lock()
	if c.result != nil {
		c.mu.Unlock()
		return c.settledResult(ctx)
	}
	if c.status != model.SessionStatusInProgress {
		c.mu.Unlock()
		return nil, ErrNotInProgress
	}

	c.stopLoops()

	answers := maps.Clone(c.answers)
	res := &Result{
		Score:         grading.Score(c.exam.Questions, answers),
		MaxScore:      grading.MaxScore(c.exam.Questions),
		Answers:       answers,
		AutoSubmitted: auto,
		SubmittedAt:   c.opts.Now(),
	}
	c.status = model.SessionStatusSubmitted
	c.result = res
	c.mu.Unlock()

	err := c.persist(ctx, res.Answers, res.Score)

	c.releaseCapture()

	if errors.Is(err, ErrAttemptReset) {
		c.abandon(model.SessionStatusSubmitted)
		close(c.persisted)
		return nil, ErrAttemptReset
	}

	c.mu.Lock()
	out := c.result.clone()
	c.mu.Unlock()
	close(c.persisted)

	c.emit(Event{Kind: EventSubmitted, Result: out, Err: err})
	return out, err
}

// settledResult waits for the first submission's store write and returns
// its outcome. A cancelled ctx returns the result as it stands with ctx's error.
func (c *Controller) settledResult(ctx context.Context) (*Result, error) {
	var waitErr error
	select {
	case <-c.persisted:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil, ErrAttemptReset
	}
	return c.result.clone(), waitErr
}

// RetrySubmit resends a graded submission that the store did not accept.
func (c *Controller) RetrySubmit(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.result == nil {
		abandoned := c.abandoned
		c.mu.Unlock()
		if abandoned {
			return nil, ErrAttemptReset
		}
		return nil, ErrNotInProgress
	}
	c.mu.Unlock()

	res, err := c.settledResult(ctx)
	if err != nil || res.Persisted {
		return res, err
	}

	err = c.persist(ctx, res.Answers, res.Score)
	if errors.Is(err, ErrAttemptReset) {
		c.abandon(model.SessionStatusSubmitted)
		return nil, ErrAttemptReset
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil, ErrAttemptReset
	}
	return c.result.clone(), err
}

func (c *Controller) persist(ctx context.Context, answers map[string]string, score float64) error {
	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()

	if err := c.store.SubmitSession(ctx, attempt, answers, score); err != nil {
		if errors.Is(err, ErrAttemptReset) {
			c.log.Warn().Float64("score", score).Msg("Attempt was reset, submission discarded")
			return ErrAttemptReset
		}
		c.log.Error().Err(err).Float64("score", score).Msg("Submission not persisted, result kept for retry")
		return fmt.Errorf("%w: %v", ErrSubmitNotPersisted, err)
	}

	c.mu.Lock()
	if c.result != nil {
		c.result.Persisted = true
	}
	c.mu.Unlock()

	c.log.Info().Float64("score", score).Msg("Session submitted")
	return nil
}

// abandon ends a controller whose attempt was reset by an administrator.
// The timers stop, the camera is released and nothing more is written. It
// acts once and only while the status is still from; a sync that raced a
// submission leaves the outcome to the submission.
func (c *Controller) abandon(from model.SessionStatus) {
	c.mu.Lock()
	if c.abandoned || c.status != from {
		c.mu.Unlock()
		return
	}
	c.abandoned = true
	c.status = model.SessionStatusNotStarted
	c.result = nil
	c.mu.Unlock()

	c.stopLoops()
	c.releaseCapture()

	c.log.Warn().Msg("Attempt was reset, controller stopped")
	c.emit(Event{Kind: EventReset})
}

// Close stops both timers and the proctoring loop and releases the capture
// device. It does not submit. Safe to call more than once and concurrently
// with Start.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.stopLoops()
		c.wg.Wait()
		c.releaseCapture()
	})
}

// Status returns the controller's view of the session status.
func (c *Controller) Status() model.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RemainingSeconds returns the local countdown value.
func (c *Controller) RemainingSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Answers returns a copy of the current answer map.
func (c *Controller) Answers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.answers)
}

// Progress computes progress from the current answers.
func (c *Controller) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return grading.Progress(c.exam.Questions, c.answers)
}

// Result returns the submission result, nil before submission.
func (c *Controller) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	return c.result.clone()
}

func (c *Controller) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}
