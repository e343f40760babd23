package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/stemsi/examroom/internal/grading"
	"github.com/stemsi/examroom/internal/model"
)

// EventKind names what a controller reports to its listener.
type EventKind string

const (
	EventTick               EventKind = "tick"
	EventSynced             EventKind = "synced"
	EventSyncFailed         EventKind = "sync_failed"
	EventExpired            EventKind = "expired"
	EventSubmitted          EventKind = "submitted"
	EventProctorUnavailable EventKind = "proctor_unavailable"
	EventFrameUploaded      EventKind = "frame_uploaded"
	// EventReset means an administrator reset the attempt; the controller has
	// stopped and its state is void.
	EventReset EventKind = "reset"
)

// Event is a controller notification.
type Event struct {
	Kind      EventKind
	Remaining int
	Progress  int
	Result    *Result
	Err       error
}

func (c *Controller) countdownLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			remaining, running := c.tick()
			if !running {
				return
			}
			c.emit(Event{Kind: EventTick, Remaining: remaining})
			if remaining > 0 {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), submitPersistTimeout)
			_, _ = c.submit(ctx, true)
			cancel()
			return
		}
	}
}

// tick decrements the countdown. It refuses once the session left
// IN_PROGRESS so no decrement can follow a submission.
func (c *Controller) tick() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.SessionStatusInProgress || c.remaining <= 0 {
		return c.remaining, false
	}
	c.remaining--
	return c.remaining, true
}

func (c *Controller) syncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			c.syncProgress(c.loopCtx)
		}
	}
}

// syncProgress pushes the answers as they are at call time.
func (c *Controller) syncProgress(ctx context.Context) {
	c.mu.Lock()
	if c.status != model.SessionStatusInProgress {
		c.mu.Unlock()
		return
	}
	answers := maps.Clone(c.answers)
	progress := grading.Progress(c.exam.Questions, answers)
	attempt := c.attempt
	c.mu.Unlock()

	if err := c.store.PatchProgress(ctx, attempt, progress, answers); err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAttemptReset) {
			c.abandon(model.SessionStatusInProgress)
			return
		}
		c.log.Warn().Err(err).Int("progress", progress).Msg("Progress sync failed")
		c.emit(Event{Kind: EventSyncFailed, Progress: progress, Err: err})
		return
	}
	c.emit(Event{Kind: EventSynced, Progress: progress})
}

func (c *Controller) proctorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.ProctorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			c.uploadFrame(c.loopCtx)
		}
	}
}

func (c *Controller) uploadFrame(ctx context.Context) {
	frame, err := c.opts.Capture.Frame(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("Frame capture failed")
		return
	}
	if len(frame) == 0 {
		return
	}
	if err := c.opts.Sink.UploadFrame(ctx, c.exam.ID, c.studentID, frame); err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("Proctor frame upload failed")
		}
		return
	}
	c.emit(Event{Kind: EventFrameUploaded})
}

// openCapture acquires the camera. Failure leaves the exam running without proctoring.
func (c *Controller) openCapture(ctx context.Context) {
	if c.opts.Capture == nil {
		return
	}
	if err := c.opts.Capture.Open(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Proctoring unavailable, continuing without it")
		c.emit(Event{Kind: EventProctorUnavailable, Err: err})
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.proctoring = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Close already ran and saw no open device.
	if err := c.opts.Capture.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Capture release failed")
	}
}

func (c *Controller) releaseCapture() {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()

	c.mu.Lock()
	opened := c.proctoring
	c.proctoring = false
	c.mu.Unlock()

	if !opened || c.captureOff {
		return
	}
	c.captureOff = true
	if err := c.opts.Capture.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Capture release failed")
	}
}
