package video

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// SliceSource serves frames from memory.
type SliceSource struct {
	info   Info
	frames []*Frame
	pos    int
}

// NewSliceSource wraps frames, which must be indexed 0..len-1.
func NewSliceSource(info Info, frames []*Frame) *SliceSource {
	if info.FrameCount == 0 {
		info.FrameCount = len(frames)
	}
	return &SliceSource{info: info, frames: frames}
}

// Info returns the declared stream description.
func (s *SliceSource) Info() Info { return s.info }

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Close is a no-op.
func (s *SliceSource) Close() error { return nil }

// MemoryEncoder records written frames. It is safe for concurrent readers.
type MemoryEncoder struct {
	mu     sync.Mutex
	info   Info
	frames []RenderedFrame
	closed bool
	// FailAt makes WriteFrame fail once this many frames have been written.
	// Zero disables.
	FailAt int
}

// NewMemoryEncoder returns an empty encoder for info.
func NewMemoryEncoder(info Info) *MemoryEncoder {
	return &MemoryEncoder{info: info}
}

// WriteFrame stores a copy of f.
func (e *MemoryEncoder) WriteFrame(f RenderedFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("write frame %d: encoder closed", f.FrameIndex)
	}
	if e.FailAt > 0 && len(e.frames) >= e.FailAt {
		return fmt.Errorf("write frame %d: output full", f.FrameIndex)
	}
	pix := make([]uint8, len(f.Pix))
	copy(pix, f.Pix)
	f.Pix = pix
	e.frames = append(e.frames, f)
	return nil
}

// Close marks the encoder closed.
func (e *MemoryEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Frames returns the written frames in write order.
func (e *MemoryEncoder) Frames() []RenderedFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RenderedFrame, len(e.frames))
	copy(out, e.frames)
	return out
}

// Info returns the stream description the encoder was opened with.
func (e *MemoryEncoder) Info() Info { return e.info }

// Closed reports whether Close has been called.
func (e *MemoryEncoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
