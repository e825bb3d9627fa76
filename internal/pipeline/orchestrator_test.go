package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/render"
	"github.com/banshee-data/meshoverlay/internal/video"
)

const (
	testWidth  = 32
	testHeight = 24
)

// paintBackend covers the whole frame with an opaque colour.
type paintBackend struct{}

func (paintBackend) Name() string { return "paint" }
func (paintBackend) Probe() error { return nil }

func (paintBackend) RenderToPixels(_ *pose.MeshGeometry, _ geometry.FullImageCamera, intr geometry.Intrinsics) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, intr.Width, intr.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 0xff, 0xff
	}
	return img, nil
}

// subjectFrames returns n dark frames; the first visible carry a bright
// block that the foreground detector picks up.
func subjectFrames(n, visible int) []*video.Frame {
	frames := make([]*video.Frame, n)
	for i := range frames {
		f := video.NewFrame(i, float64(i)/30, testWidth, testHeight)
		for p := range f.Pix {
			f.Pix[p] = 10
		}
		if i < visible {
			for y := 4; y < 20; y++ {
				for x := 8; x < 24; x++ {
					o := (y*testWidth + x) * 3
					f.Pix[o], f.Pix[o+1], f.Pix[o+2] = 200, 200, 200
				}
			}
		}
		frames[i] = f
	}
	return frames
}

func detectingRuntime() pose.Runtime {
	return pose.Runtime{Detector: pose.ForegroundDetector{}, Estimator: pose.NewSyntheticEstimator()}
}

type harness struct {
	orch   *Orchestrator
	frames []*video.Frame

	mu      sync.Mutex
	enc     *video.MemoryEncoder
	failAt  int
	openErr error
}

type harnessOptions struct {
	workers int
	runtime func() pose.Runtime
	backend render.Backend
	cfg     Config
	deps    func(*Deps)
}

func newHarness(t *testing.T, frames []*video.Frame, opts harnessOptions) *harness {
	t.Helper()
	if opts.workers == 0 {
		opts.workers = 2
	}
	if opts.runtime == nil {
		opts.runtime = detectingRuntime
	}
	if opts.backend == nil {
		opts.backend = paintBackend{}
	}
	if opts.cfg.OutputDir == "" {
		opts.cfg.OutputDir = t.TempDir()
	}

	pool, err := pose.NewPool(pose.PoolConfig{
		Workers: opts.workers,
		Factory: pose.NewLocalWorkerFactory(func(ctx context.Context, id int) (pose.Runtime, error) {
			return opts.runtime(), nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop() })

	h := &harness{frames: frames}
	deps := Deps{
		Pool:     pool,
		Renderer: render.NewMeshRenderer(opts.backend),
		OpenSource: func(ctx context.Context, path string) (video.Source, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.openErr != nil {
				return nil, h.openErr
			}
			return video.NewSliceSource(video.Info{FPS: 25}, h.frames), nil
		},
		OpenEncoder: func(ctx context.Context, outputPath string, info video.Info) (video.Encoder, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.enc = video.NewMemoryEncoder(info)
			h.enc.FailAt = h.failAt
			return h.enc, nil
		},
	}
	if opts.deps != nil {
		opts.deps(&deps)
	}
	h.orch, err = NewOrchestrator(opts.cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.orch.Close() })
	return h
}

func (h *harness) written() []video.RenderedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enc == nil {
		return nil
	}
	return h.enc.Frames()
}

func assertFrameOrder(t *testing.T, out []video.RenderedFrame, n int) {
	t.Helper()
	require.Len(t, out, n)
	for i, f := range out {
		assert.Equal(t, i, f.FrameIndex)
	}
}

func TestRun_SubjectVisibleInFirstHalf(t *testing.T) {
	t.Parallel()
	h := newHarness(t, subjectFrames(10, 5), harnessOptions{})

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalFrames)
	assert.Equal(t, 10, res.FramesWritten)
	assert.Equal(t, 25.0, res.FPS)
	assert.Equal(t, 5, res.RenderedFrames)
	assert.Equal(t, 5, res.DegradedFrameCount)
	assert.Equal(t, map[string]int{string(pose.CategoryNoSubject): 5}, res.DegradedByReason)
	assert.Equal(t, 5, res.Stages.Pose.Succeeded)
	assert.Equal(t, 5, res.Stages.Pose.Failed)

	out := h.written()
	assertFrameOrder(t, out, 10)
	for i, f := range out {
		if i < 5 {
			assert.True(t, f.Rendered, "frame %d", i)
			assert.True(t, res.Frames[i].PoseSuccess)
			continue
		}
		assert.False(t, f.Rendered, "frame %d", i)
		assert.False(t, res.Frames[i].PoseSuccess)
		assert.Equal(t, h.frames[i].Pix, f.Pix, "frame %d pixels", i)
	}

	job, err := h.orch.PollStatus(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobComplete, job.Status)
	assert.Equal(t, 10, job.FramesCompleted)
	assert.Equal(t, res.OutputPath, job.OutputPath)
	assert.NotNil(t, job.CompletedAt)
}

func TestRun_BackendUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, subjectFrames(6, 6), harnessOptions{
		backend: render.UnavailableBackend{Reason: "no display"},
	})

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)

	out := h.written()
	assertFrameOrder(t, out, 6)
	for i, f := range out {
		assert.False(t, f.Rendered)
		assert.Equal(t, h.frames[i].Pix, f.Pix)
	}
	assert.Equal(t, 0, res.Stages.Render.Rendered)
	assert.Equal(t, 6, res.Stages.Render.Fallback)
	assert.Equal(t, 0.0, res.Stages.RenderMsFrame)
	assert.Equal(t, 6, res.DegradedByReason[render.ReasonUnavailable])

	job, err := h.orch.PollStatus(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobComplete, job.Status)
}

func TestRun_NoValidPoses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, subjectFrames(4, 0), harnessOptions{})

	res, err := h.orch.Run(context.Background(), "empty-scene.mp4")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RenderedFrames)
	assert.Equal(t, 4, res.DegradedFrameCount)
	assert.Equal(t, 0, res.Stages.Render.Attempted)
	assert.Equal(t, 4, res.Stages.Render.Skipped)
	assert.Equal(t, 0.0, res.Stages.RenderMsFrame)
	assertFrameOrder(t, h.written(), 4)
}

// Not parallel: swaps the package log writers.
func TestRun_ZeroScaleIsSubstituted(t *testing.T) {
	var logs bytes.Buffer
	SetLogWriters(&logs, nil, nil)
	t.Cleanup(func() { SetLogWriters(nil, nil, nil) })

	mesh := pose.BoxMesh(0.3, 0.8, 0.2)
	est := pose.EstimatorFunc(func(ctx context.Context, f *video.Frame, box geometry.BBox) (pose.Estimate, error) {
		cam := geometry.CropCamera{S: 0.9}
		if f.Index == 3 {
			cam.S = 0
		}
		return pose.Estimate{Mesh: mesh, Camera: cam, Confidence: 1}, nil
	})
	h := newHarness(t, subjectFrames(6, 6), harnessOptions{
		runtime: func() pose.Runtime { return pose.Runtime{Estimator: est} },
	})

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ScaleSubstitutions)
	assert.True(t, res.Frames[3].ScaleSubstituted)
	assert.True(t, res.Frames[3].Rendered)
	assert.Equal(t, 6, res.RenderedFrames)
	assert.Contains(t, logs.String(), "frame 3: crop scale 0 substituted with 1.0")
}

func TestRun_ResultsReorderedAcrossWorkers(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{1, 2, 4} {
		workers := workers
		t.Run("", func(t *testing.T) {
			t.Parallel()
			est := pose.EstimatorFunc(func(ctx context.Context, f *video.Frame, box geometry.BBox) (pose.Estimate, error) {
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				return pose.NewSyntheticEstimator().Estimate(ctx, f, box)
			})
			h := newHarness(t, subjectFrames(24, 24), harnessOptions{
				workers: workers,
				runtime: func() pose.Runtime { return pose.Runtime{Estimator: est} },
				cfg:     Config{RenderBatchSize: 5},
			})
			res, err := h.orch.Run(context.Background(), "clip.mp4")
			require.NoError(t, err)
			assert.Equal(t, 24, res.RenderedFrames)
			assertFrameOrder(t, h.written(), 24)
		})
	}
}

func TestRun_InputErrors(t *testing.T) {
	t.Parallel()

	t.Run("unreadable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, subjectFrames(2, 2), harnessOptions{})
		h.openErr = video.ErrCorruptVideo

		_, err := h.orch.Run(context.Background(), "broken.mp4")
		require.ErrorIs(t, err, video.ErrCorruptVideo)
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, ErrorKindInput, runErr.Kind)

		jobs := h.orch.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, JobError, jobs[0].Status)
		assert.Equal(t, ErrorKindInput, jobs[0].ErrorKind)
		assert.Nil(t, h.written())
	})

	t.Run("no frames", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil, harnessOptions{})

		_, err := h.orch.Run(context.Background(), "empty.mp4")
		require.ErrorIs(t, err, video.ErrNoFrames)
		assert.Equal(t, ErrorKindInput, h.orch.Jobs()[0].ErrorKind)
	})

	t.Run("outside input dirs", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, subjectFrames(2, 2), harnessOptions{cfg: Config{InputDirs: []string{t.TempDir()}}})

		_, err := h.orch.Run(context.Background(), "/etc/passwd")
		require.Error(t, err)
		assert.Equal(t, ErrorKindInput, h.orch.Jobs()[0].ErrorKind)
	})
}

func TestRun_EncoderFailureIsSystemic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, subjectFrames(8, 8), harnessOptions{cfg: Config{RenderBatchSize: 2}})
	h.failAt = 3

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.FramesWritten)

	job, err := h.orch.PollStatus(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobError, job.Status)
	assert.Equal(t, ErrorKindSystemic, job.ErrorKind)
}

func TestRun_TimeoutFlushesCompletedFrames(t *testing.T) {
	t.Parallel()
	est := pose.EstimatorFunc(func(ctx context.Context, f *video.Frame, box geometry.BBox) (pose.Estimate, error) {
		time.Sleep(20 * time.Millisecond)
		return pose.NewSyntheticEstimator().Estimate(ctx, f, box)
	})
	h := newHarness(t, subjectFrames(40, 40), harnessOptions{
		workers: 1,
		runtime: func() pose.Runtime { return pose.Runtime{Estimator: est} },
		cfg:     Config{JobTimeout: 150 * time.Millisecond, RenderBatchSize: 1},
	})

	res, err := h.orch.Run(context.Background(), "long.mp4")
	require.ErrorIs(t, err, ErrJobTimeout)
	require.NotNil(t, res)
	assert.Less(t, res.FramesWritten, 40)
	assert.Greater(t, res.FramesWritten, 0)
	assertFrameOrder(t, h.written(), res.FramesWritten)

	job, err := h.orch.PollStatus(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobError, job.Status)
	assert.Equal(t, ErrorKindSystemic, job.ErrorKind)

	// A later job on the same pool sees none of the abandoned frames.
	h.mu.Lock()
	h.frames = subjectFrames(3, 3)
	h.mu.Unlock()
	res, err = h.orch.Run(context.Background(), "short.mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, res.RenderedFrames)
	assertFrameOrder(t, h.written(), 3)
}

func TestRun_WritesTimingReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := newHarness(t, subjectFrames(6, 3), harnessOptions{cfg: Config{ReportDir: dir}})

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, res.JobID+"_timing.png"), res.ReportPath)
	fi, err := os.Stat(res.ReportPath)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}

type memRecorder struct {
	mu     sync.Mutex
	jobs   []Job
	frames map[string][]FrameOutcome
}

func (r *memRecorder) RecordJob(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *memRecorder) RecordFrameOutcomes(ctx context.Context, jobID string, frames []FrameOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]FrameOutcome)
	}
	r.frames[jobID] = append([]FrameOutcome(nil), frames...)
	return nil
}

func TestRun_RecordsTerminalJob(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	h := newHarness(t, subjectFrames(5, 2), harnessOptions{deps: func(d *Deps) { d.Recorder = rec }})

	res, err := h.orch.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.jobs, 1)
	assert.Equal(t, JobComplete, rec.jobs[0].Status)
	require.Len(t, rec.frames[res.JobID], 5)
	assert.True(t, rec.frames[res.JobID][1].Rendered)
	assert.False(t, rec.frames[res.JobID][4].Rendered)
}

// gatedRuntime blocks every estimate until gate is closed.
func gatedRuntime(gate <-chan struct{}) func() pose.Runtime {
	return func() pose.Runtime {
		return pose.Runtime{Estimator: pose.EstimatorFunc(func(ctx context.Context, f *video.Frame, box geometry.BBox) (pose.Estimate, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return pose.Estimate{}, ctx.Err()
			}
			return pose.NewSyntheticEstimator().Estimate(ctx, f, box)
		})}
	}
}

func TestSubmitJob_PollUntilComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, subjectFrames(8, 8), harnessOptions{})

	_, err := h.orch.SubmitJob("clip.mp4")
	require.ErrorIs(t, err, ErrNotStarted)

	h.orch.Start(context.Background())
	id, err := h.orch.SubmitJob("clip.mp4")
	require.NoError(t, err)

	job, err := h.orch.PollStatus(id)
	require.NoError(t, err)
	assert.Contains(t, []JobStatus{JobQueued, JobProcessing, JobComplete}, job.Status)

	require.Eventually(t, func() bool {
		j, err := h.orch.PollStatus(id)
		return err == nil && j.Status == JobComplete
	}, 5*time.Second, 5*time.Millisecond)

	job, _ = h.orch.PollStatus(id)
	require.NotNil(t, job.Result)
	assert.Equal(t, 8, job.Result.RenderedFrames)
	assert.Equal(t, 8, job.FramesCompleted)

	_, err = h.orch.PollStatus("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubmitJob_QueueFullAndClose(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, subjectFrames(4, 4), harnessOptions{
		workers: 1,
		runtime: gatedRuntime(gate),
		cfg:     Config{QueueCapacity: 1},
	})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	h.orch.Start(context.Background())
	first, err := h.orch.SubmitJob("a.mp4")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := h.orch.PollStatus(first)
		return j.Status == JobProcessing
	}, 5*time.Second, time.Millisecond)

	second, err := h.orch.SubmitJob("b.mp4")
	require.NoError(t, err)
	_, err = h.orch.SubmitJob("c.mp4")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, h.orch.Jobs(), 2)

	st := h.orch.PoolStatus()
	assert.Equal(t, 1, st.JobsWaiting)
	assert.Equal(t, 1, st.Jobs[JobQueued])
	assert.Equal(t, 1, st.Jobs[JobProcessing])

	require.NoError(t, h.orch.Close())
	release()

	j1, _ := h.orch.PollStatus(first)
	assert.Equal(t, JobError, j1.Status)
	j2, _ := h.orch.PollStatus(second)
	assert.Equal(t, JobError, j2.Status)
	assert.Equal(t, ErrClosed.Error(), j2.Error)

	_, err = h.orch.SubmitJob("d.mp4")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.orch.Run(context.Background(), "d.mp4")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("ready after start", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil, harnessOptions{})
		assert.Equal(t, HealthInitializing, h.orch.Health().Status)
		h.orch.Start(context.Background())
		hl := h.orch.Health()
		assert.Equal(t, HealthReady, hl.Status)
		assert.Equal(t, 2, hl.LiveWorkers)
		assert.True(t, hl.RendererAvailable)
		assert.Empty(t, hl.Problems)
	})

	t.Run("degraded without renderer", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil, harnessOptions{backend: render.UnavailableBackend{}})
		h.orch.Start(context.Background())
		hl := h.orch.Health()
		assert.Equal(t, HealthDegraded, hl.Status)
		assert.Equal(t, []string{"renderer unavailable"}, hl.Problems)
	})
}

func TestNewOrchestrator_Validation(t *testing.T) {
	t.Parallel()
	renderer := render.NewMeshRenderer(render.UnavailableBackend{})
	open := func(context.Context, string) (video.Source, error) { return nil, errors.New("unused") }
	create := func(context.Context, string, video.Info) (video.Encoder, error) { return nil, errors.New("unused") }
	pool, err := pose.NewPool(pose.PoolConfig{Workers: 1, Factory: pose.NewLocalWorkerFactory(nil)})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no pool", Config{}, Deps{Renderer: renderer, OpenSource: open, OpenEncoder: create}},
		{"no renderer", Config{}, Deps{Pool: pool, OpenSource: open, OpenEncoder: create}},
		{"no source", Config{}, Deps{Pool: pool, Renderer: renderer, OpenEncoder: create}},
		{"negative focal", Config{FocalLength: -1}, Deps{Pool: pool, Renderer: renderer, OpenSource: open, OpenEncoder: create}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrchestrator(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestFocalLength(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{cfg: Config{}.withDefaults()}
	assert.InDelta(t, 5000.0/256*640, o.focalLength(geometry.ImageSize{Width: 640, Height: 480}), 1e-9)
	o.cfg.FocalLength = 1200
	assert.Equal(t, 1200.0, o.focalLength(geometry.ImageSize{Width: 640, Height: 480}))
}
