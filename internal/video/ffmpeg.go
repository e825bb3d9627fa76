package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// DefaultFPS is used when a stream does not declare a usable frame rate.
const DefaultFPS = 30.0

// FFmpegOptions locates the ffmpeg tools and selects the output codec.
type FFmpegOptions struct {
	FFmpegPath  string
	FFprobePath string
	Codec       string
}

func (o FFmpegOptions) ffmpeg() string {
	if o.FFmpegPath == "" {
		return "ffmpeg"
	}
	return o.FFmpegPath
}

func (o FFmpegOptions) ffprobe() string {
	if o.FFprobePath == "" {
		return "ffprobe"
	}
	return o.FFprobePath
}

func (o FFmpegOptions) codec() string {
	if o.Codec == "" {
		return "libx264"
	}
	return o.Codec
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// ProbeFFmpeg reads stream geometry and frame rate with ffprobe.
func ProbeFFmpeg(ctx context.Context, path string, opts FFmpegOptions) (Info, error) {
	out, err := exec.CommandContext(ctx, opts.ffprobe(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Info{}, fmt.Errorf("%w: ffprobe %s: %s", ErrCorruptVideo, path, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Info{}, fmt.Errorf("failed to run ffprobe: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, fmt.Errorf("%w: failed to parse ffprobe output: %v", ErrCorruptVideo, err)
	}
	if len(probe.Streams) == 0 {
		return Info{}, fmt.Errorf("%w: %s has no video stream", ErrCorruptVideo, path)
	}

	s := probe.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Info{}, fmt.Errorf("%w: invalid stream size %dx%d", ErrCorruptVideo, s.Width, s.Height)
	}

	fps, err := parseFrameRate(s.AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = parseFrameRate(s.RFrameRate)
	}
	if err != nil || fps <= 0 {
		opsf("no usable frame rate for %s, assuming %.0f fps", path, DefaultFPS)
		fps = DefaultFPS
	}

	count, _ := strconv.Atoi(s.NbFrames)
	return Info{FPS: fps, Width: s.Width, Height: s.Height, FrameCount: count}, nil
}

// parseFrameRate parses ffprobe rational rates such as "30000/1001".
func parseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q: zero denominator", s)
	}
	return n / d, nil
}

// FFmpegSource decodes a video container into raw RGB frames via an ffmpeg
// child process.
type FFmpegSource struct {
	info      Info
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *tailBuffer
	frameSize int
	next      int
	done      bool
}

// OpenFFmpeg probes path and starts decoding it.
func OpenFFmpeg(ctx context.Context, path string, opts FFmpegOptions) (*FFmpegSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptVideo, err)
	}
	info, err := ProbeFFmpeg(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, opts.ffmpeg(),
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	diagf("decoding %s: %dx%d @ %.3f fps, ~%d frames", path, info.Width, info.Height, info.FPS, info.FrameCount)

	return &FFmpegSource{
		info:      info,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		frameSize: info.Width * info.Height * 3,
	}, nil
}

// Info returns the probed stream description.
func (s *FFmpegSource) Info() Info { return s.info }

// Next reads the next raw frame from the decoder.
func (s *FFmpegSource) Next(ctx context.Context) (*Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := NewFrame(s.next, float64(s.next)/s.info.FPS, s.info.Width, s.info.Height)
	_, err := io.ReadFull(s.stdout, f.Pix)
	switch {
	case err == nil:
		s.next++
		return f, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		opsf("discarding truncated trailing frame %d", s.next)
		fallthrough
	case errors.Is(err, io.EOF):
		s.done = true
		if waitErr := s.cmd.Wait(); waitErr != nil && s.next == 0 {
			return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrCorruptVideo, waitErr, s.stderr.String())
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("%w: read frame %d: %v", ErrCorruptVideo, s.next, err)
	}
}

// Close stops the decoder if it is still running.
func (s *FFmpegSource) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// FFmpegEncoder pipes raw RGB frames into an ffmpeg child process.
type FFmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	info   Info
	path   string
	frames int
}

// NewFFmpegEncoder starts an encoder writing outputPath at info's size and rate.
func NewFFmpegEncoder(ctx context.Context, outputPath string, info Info, opts FFmpegOptions) (*FFmpegEncoder, error) {
	fps := info.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	cmd := exec.CommandContext(ctx, opts.ffmpeg(),
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		// yuv420p needs even dimensions.
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", opts.codec(),
		"-pix_fmt", "yuv420p",
		outputPath,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg encoder: %w", err)
	}
	return &FFmpegEncoder{cmd: cmd, stdin: stdin, stderr: stderr, info: info, path: outputPath}, nil
}

// WriteFrame appends one frame to the output stream.
func (e *FFmpegEncoder) WriteFrame(f RenderedFrame) error {
	if f.Width != e.info.Width || f.Height != e.info.Height {
		return fmt.Errorf("frame %d is %dx%d, encoder expects %dx%d",
			f.FrameIndex, f.Width, f.Height, e.info.Width, e.info.Height)
	}
	if _, err := e.stdin.Write(f.Pix); err != nil {
		return fmt.Errorf("failed to write frame %d to ffmpeg: %w: %s", f.FrameIndex, err, e.stderr.String())
	}
	e.frames++
	return nil
}

// Close flushes the encoder and waits for ffmpeg to finish the container.
func (e *FFmpegEncoder) Close() error {
	if err := e.stdin.Close(); err != nil {
		return fmt.Errorf("failed to close ffmpeg stdin: %w", err)
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder failed for %s: %w: %s", e.path, err, e.stderr.String())
	}
	diagf("encoded %d frames to %s", e.frames, e.path)
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
