package video

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Assembler reorders rendered frames by index and writes the contiguous
// prefix to an encoder as soon as it becomes available. Frames arrive in
// any order; output is always 0..expected-1.
type Assembler struct {
	expected int
	next     int
	pending  map[int]RenderedFrame
}

// NewAssembler expects frames indexed 0..expected-1.
func NewAssembler(expected int) *Assembler {
	return &Assembler{
		expected: expected,
		pending:  make(map[int]RenderedFrame),
	}
}

// Add buffers a frame until its predecessors have been written.
func (a *Assembler) Add(f RenderedFrame) error {
	if f.FrameIndex < 0 || f.FrameIndex >= a.expected {
		return fmt.Errorf("frame index %d out of range [0,%d)", f.FrameIndex, a.expected)
	}
	if f.FrameIndex < a.next {
		return fmt.Errorf("%w: %d already written", ErrDuplicateFrame, f.FrameIndex)
	}
	if _, ok := a.pending[f.FrameIndex]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateFrame, f.FrameIndex)
	}
	a.pending[f.FrameIndex] = f
	return nil
}

// WriteReady writes every buffered frame that continues the written prefix
// and returns how many were written.
func (a *Assembler) WriteReady(enc Encoder) (int, error) {
	n := 0
	for {
		f, ok := a.pending[a.next]
		if !ok {
			return n, nil
		}
		if err := enc.WriteFrame(f); err != nil {
			return n, fmt.Errorf("failed to write frame %d: %w", a.next, err)
		}
		delete(a.pending, a.next)
		a.next++
		n++
	}
}

// Written returns the number of frames written so far.
func (a *Assembler) Written() int { return a.next }

// Pending returns the number of frames buffered behind a gap.
func (a *Assembler) Pending() int { return len(a.pending) }

// Missing lists indices that are neither written nor buffered.
func (a *Assembler) Missing() []int {
	var missing []int
	for i := a.next; i < a.expected; i++ {
		if _, ok := a.pending[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Finish flushes the remaining frames and reports any gaps.
func (a *Assembler) Finish(enc Encoder) error {
	if _, err := a.WriteReady(enc); err != nil {
		return err
	}
	if a.next == a.expected {
		return nil
	}
	missing := a.Missing()
	sort.Ints(missing)
	if len(missing) > 10 {
		return fmt.Errorf("%w: %d frames missing, first %v", ErrFrameGap, len(missing), missing[:10])
	}
	return fmt.Errorf("%w: %v", ErrFrameGap, missing)
}

// Assemble writes frames to outputPath in index order regardless of slice
// order. The output covers indices 0..info.FrameCount-1, or up to the
// highest index present when the count is unknown; any missing index is
// reported as ErrFrameGap before the encoder is opened.
func Assemble(ctx context.Context, frames []RenderedFrame, info Info, outputPath string, open EncoderFactory) (err error) {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	a := NewAssembler(expectedFrames(frames, info))
	for _, f := range frames {
		if err := a.Add(f); err != nil {
			return err
		}
	}
	if missing := a.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrFrameGap, missing)
	}

	enc, err := open(ctx, outputPath, info)
	if err != nil {
		return fmt.Errorf("failed to open encoder for %s: %w", outputPath, err)
	}
	defer func() {
		if cerr := enc.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := a.Finish(enc); err != nil {
		return err
	}
	diagf("assembled %d frames to %s at %.3f fps", a.Written(), outputPath, info.FPS)
	return nil
}

// expectedFrames is the declared frame count, or one past the highest index
// present when none is declared.
func expectedFrames(frames []RenderedFrame, info Info) int {
	if info.FrameCount > 0 {
		return info.FrameCount
	}
	n := 0
	for _, f := range frames {
		if f.FrameIndex+1 > n {
			n = f.FrameIndex + 1
		}
	}
	return n
}
