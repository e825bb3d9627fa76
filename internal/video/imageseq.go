package video

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// Decoders for image-sequence inputs.
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// ImageSequenceSource reads a directory of still images as a video, in
// lexical file-name order. Frames whose size differs from the first frame
// are rescaled to match.
type ImageSequenceSource struct {
	dir   string
	files []string
	info  Info
	pos   int
}

// OpenImageSequence lists dir and decodes the first image to determine the
// frame size. fps <= 0 uses DefaultFPS.
func OpenImageSequence(dir string, fps float64) (*ImageSequenceSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptVideo, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNoFrames, dir)
	}
	sort.Strings(files)

	first, err := decodeImageFile(filepath.Join(dir, files[0]))
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	b := first.Bounds()
	return &ImageSequenceSource{
		dir:   dir,
		files: files,
		info:  Info{FPS: fps, Width: b.Dx(), Height: b.Dy(), FrameCount: len(files)},
	}, nil
}

// Info returns the sequence description.
func (s *ImageSequenceSource) Info() Info { return s.info }

// Next decodes the next image.
func (s *ImageSequenceSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.files) {
		return nil, io.EOF
	}
	name := s.files[s.pos]
	img, err := decodeImageFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() != s.info.Width || b.Dy() != s.info.Height {
		opsf("%s is %dx%d, rescaling to %dx%d", name, b.Dx(), b.Dy(), s.info.Width, s.info.Height)
		dst := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		img = dst
	}
	f := FrameFromImage(s.pos, float64(s.pos)/s.info.FPS, img)
	s.pos++
	return f, nil
}

// Close is a no-op; files are opened per frame.
func (s *ImageSequenceSource) Close() error { return nil }

func decodeImageFile(path string) (image.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptVideo, err)
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptVideo, filepath.Base(path), err)
	}
	return img, nil
}

// ImageSequenceEncoder writes each frame as frame_NNNNNN.png in a directory.
type ImageSequenceEncoder struct {
	dir    string
	info   Info
	frames int
}

// NewImageSequenceEncoder creates dir if needed.
func NewImageSequenceEncoder(dir string, info Info) (*ImageSequenceEncoder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &ImageSequenceEncoder{dir: dir, info: info}, nil
}

// WriteFrame encodes f as PNG. Files are numbered by write order.
func (e *ImageSequenceEncoder) WriteFrame(f RenderedFrame) error {
	path := filepath.Join(e.dir, fmt.Sprintf("frame_%06d.png", e.frames))
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(fh, f.RGBA()); err != nil {
		fh.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	e.frames++
	return nil
}

// Close is a no-op.
func (e *ImageSequenceEncoder) Close() error {
	diagf("wrote %d frames to %s", e.frames, e.dir)
	return nil
}
