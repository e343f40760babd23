// Package proctor holds the capture side of exam proctoring. Snapshots are
// taken by the student's browser and pushed over the exam stream; FrameBuffer
// keeps the most recent one until the session controller collects it.
package proctor

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var (
	ErrCameraDenied   = errors.New("camera access denied by the client")
	ErrCaptureClosed  = errors.New("capture already released")
	ErrFrameTooLarge  = errors.New("frame exceeds the size limit")
	ErrUnsupportedImg = errors.New("frame is not a JPEG, PNG or WebP image")
)

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// FrameBuffer is a single-slot capture source fed by the client.
type FrameBuffer struct {
	maxBytes int64

	mu     sync.Mutex
	denied bool
	opened bool
	closed bool
	latest []byte
}

// NewFrameBuffer returns a buffer accepting frames up to maxBytes (0 = unlimited).
func NewFrameBuffer(maxBytes int64) *FrameBuffer {
	return &FrameBuffer{maxBytes: maxBytes}
}

// Deny records that the client refused camera access. A later Open fails
// and frames already buffered are dropped.
func (b *FrameBuffer) Deny() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied = true
	b.latest = nil
}

// Open acquires the capture source.
func (b *FrameBuffer) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return ErrCaptureClosed
	case b.denied:
		return ErrCameraDenied
	}
	b.opened = true
	return nil
}

// Push replaces the buffered frame. Unread frames are overwritten.
func (b *FrameBuffer) Push(frame []byte) error {
	if b.maxBytes > 0 && int64(len(frame)) > b.maxBytes {
		return ErrFrameTooLarge
	}
	if _, ok := allowedContentTypes[http.DetectContentType(frame)]; !ok {
		return ErrUnsupportedImg
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrCaptureClosed
	}
	if b.denied {
		return ErrCameraDenied
	}
	b.latest = append(b.latest[:0:0], frame...)
	return nil
}

// Frame hands over the buffered frame, or nil when nothing new arrived.
func (b *FrameBuffer) Frame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrCaptureClosed
	}
	if b.denied {
		return nil, ErrCameraDenied
	}
	frame := b.latest
	b.latest = nil
	return frame, nil
}

// Close releases the buffer. Pushes after Close are rejected.
func (b *FrameBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.opened = false
	b.latest = nil
	return nil
}

// Active reports whether the source is open, not denied and not yet released.
func (b *FrameBuffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened && !b.closed && !b.denied
}
