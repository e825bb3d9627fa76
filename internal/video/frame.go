// Package video extracts indexed frames from an input video and writes
// rendered frames back out in index order.
//
// Container decode and encode are delegated to ffmpeg (or to a directory of
// still images); this package owns frame indexing, pixel layout and the
// reordering that turns out-of-order rendered frames into an ordered output.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/banshee-data/meshoverlay/internal/geometry"
)

var (
	// ErrNoFrames is returned when a source yields no frames at all.
	ErrNoFrames = errors.New("video: no frames")

	// ErrCorruptVideo is returned when a source cannot be decoded.
	ErrCorruptVideo = errors.New("video: corrupt or unreadable input")

	// ErrDuplicateFrame is returned when an index is added twice.
	ErrDuplicateFrame = errors.New("video: duplicate frame index")

	// ErrFrameGap is returned when assembly finds missing indices.
	ErrFrameGap = errors.New("video: missing frame indices")
)

// Frame is one decoded video frame. Pix holds packed RGB bytes, row-major,
// len(Pix) == Width*Height*3. Frames are not modified after extraction.
type Frame struct {
	Index     int
	Timestamp float64 // seconds from the start of the video
	Width     int
	Height    int
	Pix       []uint8
}

// NewFrame allocates a black frame.
func NewFrame(index int, timestamp float64, width, height int) *Frame {
	return &Frame{
		Index:     index,
		Timestamp: timestamp,
		Width:     width,
		Height:    height,
		Pix:       make([]uint8, width*height*3),
	}
}

// FrameFromImage converts any image into a packed RGB frame.
func FrameFromImage(index int, timestamp float64, img image.Image) *Frame {
	b := img.Bounds()
	f := NewFrame(index, timestamp, b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return f
}

// Size returns the frame dimensions.
func (f *Frame) Size() geometry.ImageSize {
	return geometry.ImageSize{Width: f.Width, Height: f.Height}
}

// Validate checks the pixel buffer matches the frame dimensions.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid size %dx%d", f.Index, f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*3 {
		return fmt.Errorf("frame %d: pixel buffer has %d bytes, want %d", f.Index, len(f.Pix), f.Width*f.Height*3)
	}
	return nil
}

// RGBA returns an opaque RGBA copy of the frame.
func (f *Frame) RGBA() *image.RGBA {
	return packedToRGBA(f.Pix, f.Width, f.Height)
}

// RenderedFrame is one output frame. Rendered is false for pass-through
// frames, whose Pix is the original frame's pixel buffer.
type RenderedFrame struct {
	FrameIndex int
	Width      int
	Height     int
	Pix        []uint8
	Rendered   bool

	// Reason names the failure category of a pass-through frame.
	Reason string
}

// PassThrough returns the frame unchanged as a RenderedFrame.
func PassThrough(f *Frame, reason string) RenderedFrame {
	return RenderedFrame{
		FrameIndex: f.Index,
		Width:      f.Width,
		Height:     f.Height,
		Pix:        f.Pix,
		Rendered:   false,
		Reason:     reason,
	}
}

// RGBA returns an opaque RGBA copy of the rendered frame.
func (r RenderedFrame) RGBA() *image.RGBA {
	return packedToRGBA(r.Pix, r.Width, r.Height)
}

func packedToRGBA(pix []uint8, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Info describes a video stream.
type Info struct {
	FPS    float64 `json:"fps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`

	// FrameCount is the container's declared frame count, zero if unknown.
	// The extracted count is authoritative.
	FrameCount int `json:"frame_count"`
}

// Source yields frames in index order starting at zero.
type Source interface {
	Info() Info
	// Next returns the next frame or io.EOF once the stream is exhausted.
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Encoder writes rendered frames to an output artifact in call order.
type Encoder interface {
	WriteFrame(f RenderedFrame) error
	Close() error
}

// SourceOpener opens a frame source for a video path.
type SourceOpener func(ctx context.Context, path string) (Source, error)

// EncoderFactory creates an encoder for an output path.
type EncoderFactory func(ctx context.Context, outputPath string, info Info) (Encoder, error)

// ExtractAll drains src, checking that indices are contiguous from zero.
func ExtractAll(ctx context.Context, src Source) ([]*Frame, error) {
	var frames []*Frame
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if f.Index != len(frames) {
			return nil, fmt.Errorf("%w: frame index %d out of sequence (expected %d)", ErrCorruptVideo, f.Index, len(frames))
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptVideo, err)
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	diagf("extracted %d frames (%dx%d)", len(frames), frames[0].Width, frames[0].Height)
	return frames, nil
}
