// Package pipeline runs pose-to-mesh overlay jobs: frames are extracted,
// estimated in parallel on the pose pool, projected into the full image,
// rendered one at a time and reassembled in index order.
//
// Jobs execute one at a time. Per-frame failures never fail a job; they are
// counted in the JobResult's degraded breakdown and the frame is passed
// through unchanged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/render"
	"github.com/banshee-data/meshoverlay/internal/security"
	"github.com/banshee-data/meshoverlay/internal/timeutil"
	"github.com/banshee-data/meshoverlay/internal/video"
)

var (
	ErrQueueFull  = errors.New("pipeline: job queue is full")
	ErrJobTimeout = errors.New("pipeline: job timed out")
	ErrClosed     = errors.New("pipeline: orchestrator closed")
	ErrNotStarted = errors.New("pipeline: orchestrator not started")
)

// Defaults for Config fields left zero.
const (
	DefaultModelFocalLength = 5000.0
	DefaultModelImageSize   = 256.0
	DefaultQueueCapacity    = 16
	DefaultOutputExt        = ".mp4"
)

// PosePool is the estimation pool as used by the orchestrator. *pose.Pool
// implements it.
type PosePool interface {
	NewEpoch() uint64
	Submit(ctx context.Context, frame *video.Frame, hint *geometry.BBox) error
	Collect(ctx context.Context) (pose.PoseResult, error)
	Respawn(ctx context.Context) (int, error)
	LiveWorkers() int
	Size() int
	QueueDepth() int
}

// JobRecorder persists finished jobs. Failures are logged and never affect
// the job.
type JobRecorder interface {
	RecordJob(ctx context.Context, job Job) error
	RecordFrameOutcomes(ctx context.Context, jobID string, frames []FrameOutcome) error
}

// Config tunes the orchestrator.
type Config struct {
	// FocalLength overrides the assumed focal length in pixels. When zero it
	// is scaled from ModelFocalLength and ModelImageSize per frame size.
	FocalLength      float64
	ModelFocalLength float64
	ModelImageSize   float64

	RenderBatchSize int

	// JobTimeout bounds a whole job. Zero disables.
	JobTimeout   time.Duration
	JobRetention time.Duration

	// QueueCapacity bounds jobs waiting behind the running one.
	QueueCapacity int

	OutputDir string
	// OutputExt is appended to output names. "none" produces an
	// extension-less path, which the default encoder factory writes as a
	// PNG sequence directory.
	OutputExt string

	// InputDirs restricts readable inputs. Empty allows any path.
	InputDirs []string

	// ReportDir receives a timing chart per completed job when set.
	ReportDir string
}

func (c Config) withDefaults() Config {
	if c.ModelFocalLength <= 0 {
		c.ModelFocalLength = DefaultModelFocalLength
	}
	if c.ModelImageSize <= 0 {
		c.ModelImageSize = DefaultModelImageSize
	}
	if c.RenderBatchSize <= 0 {
		c.RenderBatchSize = render.DefaultBatchSize
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.OutputExt == "" {
		c.OutputExt = DefaultOutputExt
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
	return c
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Pool        PosePool
	Renderer    *render.MeshRenderer
	OpenSource  video.SourceOpener
	OpenEncoder video.EncoderFactory

	// Optional.
	Recorder JobRecorder
	Clock    timeutil.Clock
}

type queuedJob struct {
	id   string
	path string
}

// Orchestrator runs jobs synchronously or from a FIFO queue.
type Orchestrator struct {
	cfg      Config
	pool     PosePool
	renderer *render.MeshRenderer
	open     video.SourceOpener
	create   video.EncoderFactory
	recorder JobRecorder
	clock    timeutil.Clock
	tracker  *JobTracker

	// runMu admits one job at a time.
	runMu sync.Mutex

	mu      sync.Mutex
	queue   chan queuedJob
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator validates deps and applies defaults to cfg.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Pool == nil {
		return nil, errors.New("pipeline: no pose pool")
	}
	if deps.Renderer == nil {
		return nil, errors.New("pipeline: no renderer")
	}
	if deps.OpenSource == nil || deps.OpenEncoder == nil {
		return nil, errors.New("pipeline: source opener and encoder factory are required")
	}
	if cfg.FocalLength < 0 {
		return nil, fmt.Errorf("pipeline: focal length %v must not be negative", cfg.FocalLength)
	}
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Orchestrator{
		cfg:      cfg,
		pool:     deps.Pool,
		renderer: deps.Renderer,
		open:     deps.OpenSource,
		create:   deps.OpenEncoder,
		recorder: deps.Recorder,
		clock:    clock,
		tracker:  NewJobTracker(clock, cfg.JobRetention),
		queue:    make(chan queuedJob, cfg.QueueCapacity),
	}, nil
}

// Tracker exposes the job tracker.
func (o *Orchestrator) Tracker() *JobTracker { return o.tracker }

// Start launches the queue runner and the eviction loop. It is a no-op
// when already started.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closed {
		return
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(2)
	go o.runLoop(ctx)
	go o.evictLoop(ctx)
}

// Close stops the runner after the current job and fails every job still
// queued. The pose pool is left to its owner.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for {
		select {
		case q := <-o.queue:
			_ = o.tracker.Fail(q.id, ErrorKindSystemic, ErrClosed, nil)
		default:
			return nil
		}
	}
}

// SubmitJob queues videoPath and returns the job id without waiting.
func (o *Orchestrator) SubmitJob(videoPath string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if !o.started {
		return "", ErrNotStarted
	}
	job := o.tracker.Create(videoPath)
	select {
	case o.queue <- queuedJob{id: job.ID, path: videoPath}:
		diagf("job %s queued for %s", job.ID, videoPath)
		return job.ID, nil
	default:
		o.tracker.remove(job.ID)
		return "", ErrQueueFull
	}
}

// PollStatus returns a snapshot of the job. It never blocks on pipeline work.
func (o *Orchestrator) PollStatus(jobID string) (Job, error) {
	return o.tracker.Get(jobID)
}

// Jobs lists retained jobs, oldest first.
func (o *Orchestrator) Jobs() []Job {
	return o.tracker.List()
}

// Run processes videoPath and blocks until the job is terminal. The job is
// visible to PollStatus while it runs. A failed job is reported as a
// *RunError; the partial result, if any, is still returned.
func (o *Orchestrator) Run(ctx context.Context, videoPath string) (*JobResult, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	job := o.tracker.Create(videoPath)
	return o.execute(ctx, job.ID, videoPath)
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-o.queue:
			if ctx.Err() != nil {
				_ = o.tracker.Fail(q.id, ErrorKindSystemic, ErrClosed, nil)
				return
			}
			_, _ = o.execute(ctx, q.id, q.path)
		}
	}
}

func (o *Orchestrator) evictLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.JobRetention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.tracker.Evict()
		}
	}
}

// execute owns the job from Processing to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, id, videoPath string) (*JobResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := o.tracker.Begin(id); err != nil {
		return nil, err
	}
	start := time.Now()
	diagf("job %s started: %s", id, videoPath)

	res, kind, err := o.process(ctx, id, videoPath)
	if res != nil {
		res.ProcessingSeconds = time.Since(start).Seconds()
	}
	if err != nil {
		opsf("job %s failed (%s): %v", id, kind, err)
		_ = o.tracker.Fail(id, kind, err, res)
		err = &RunError{JobID: id, Kind: kind, Err: err}
	} else {
		diagf("job %s complete: %d frames, %d rendered, %d degraded in %.1fs",
			id, res.TotalFrames, res.RenderedFrames, res.DegradedFrameCount, res.ProcessingSeconds)
		_ = o.tracker.Complete(id, res)
	}
	o.record(ctx, id, res)
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, id, videoPath string) (*JobResult, ErrorKind, error) {
	if n, err := o.pool.Respawn(ctx); err != nil {
		if errors.Is(err, pose.ErrPoolClosed) {
			return nil, ErrorKindSystemic, err
		}
		opsf("job %s: respawning lost workers failed, continuing with %d: %v", id, o.pool.LiveWorkers(), err)
	} else if n > 0 {
		diagf("job %s: respawned %d worker(s)", id, n)
	}

	if len(o.cfg.InputDirs) > 0 {
		if err := security.ValidatePathWithinAllowedDirs(videoPath, o.cfg.InputDirs); err != nil {
			return nil, ErrorKindInput, fmt.Errorf("input rejected: %w", err)
		}
	}

	extractStart := time.Now()
	src, err := o.open(ctx, videoPath)
	if err != nil {
		return nil, ErrorKindInput, fmt.Errorf("failed to open %s: %w", videoPath, err)
	}
	frames, err := video.ExtractAll(ctx, src)
	if cerr := src.Close(); cerr != nil {
		diagf("job %s: closing source: %v", id, cerr)
	}
	if err != nil {
		return nil, ErrorKindInput, fmt.Errorf("failed to extract frames from %s: %w", videoPath, err)
	}
	info := src.Info()
	info.Width, info.Height, info.FrameCount = frames[0].Width, frames[0].Height, len(frames)
	if info.FPS <= 0 {
		info.FPS = video.DefaultFPS
	}
	if err := o.tracker.SetTotal(id, len(frames)); err != nil {
		return nil, ErrorKindSystemic, err
	}

	res := &JobResult{
		JobID:       id,
		TotalFrames: len(frames),
		FPS:         info.FPS,
		Width:       info.Width,
		Height:      info.Height,
		FocalLength: o.focalLength(frames[0].Size()),
		Frames:      make([]FrameOutcome, len(frames)),
	}
	res.Stages.ExtractSeconds = time.Since(extractStart).Seconds()
	res.Stages.RenderBackend = o.renderer.BackendName()

	outputPath, err := o.outputPath(id, videoPath)
	if err != nil {
		return nil, ErrorKindSystemic, err
	}
	res.OutputPath = outputPath
	enc, err := o.create(ctx, outputPath, info)
	if err != nil {
		return nil, ErrorKindSystemic, fmt.Errorf("failed to open output %s: %w", outputPath, err)
	}

	jctx, cancel := context.WithCancel(ctx)
	if o.cfg.JobTimeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
	}
	defer cancel()

	run := &jobRun{o: o, id: id, frames: frames, res: res, enc: enc,
		asm: video.NewAssembler(len(frames)),
		br:  render.NewBatchRenderer(o.renderer, o.cfg.RenderBatchSize),
	}
	stageErr := run.stages(jctx)
	res.Stages.Render = run.br.Stats()

	encodeStart := time.Now()
	var finishErr error
	if stageErr == nil {
		finishErr = run.asm.Finish(enc)
	}
	closeErr := enc.Close()
	res.Stages.EncodeSeconds += time.Since(encodeStart).Seconds()
	res.FramesWritten = run.asm.Written()
	res.summarize()
	res.OutputSizeMB = outputSizeMB(outputPath)

	switch {
	case stageErr != nil && errors.Is(stageErr, context.DeadlineExceeded) && ctx.Err() == nil:
		return res, ErrorKindSystemic, fmt.Errorf("%w after %s: %d of %d frames written",
			ErrJobTimeout, o.cfg.JobTimeout, res.FramesWritten, res.TotalFrames)
	case stageErr != nil:
		return res, ErrorKindSystemic, errors.Join(stageErr, closeErr)
	case finishErr != nil:
		return res, ErrorKindSystemic, errors.Join(finishErr, closeErr)
	case closeErr != nil:
		return res, ErrorKindSystemic, fmt.Errorf("failed to finalise %s: %w", outputPath, closeErr)
	}

	if o.cfg.ReportDir != "" {
		path := filepath.Join(o.cfg.ReportDir, id+"_timing.png")
		if err := WriteTimingReport(path, res); err != nil {
			opsf("job %s: timing report: %v", id, err)
		} else {
			res.ReportPath = path
		}
	}
	return res, "", nil
}

func (o *Orchestrator) focalLength(size geometry.ImageSize) float64 {
	if o.cfg.FocalLength > 0 {
		return o.cfg.FocalLength
	}
	return geometry.ScaledFocalLength(o.cfg.ModelFocalLength, o.cfg.ModelImageSize, size)
}

func (o *Orchestrator) outputPath(id, videoPath string) (string, error) {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	base := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)))
	name := fmt.Sprintf("%s_%s_overlay", base, shortID(id))
	if o.cfg.OutputExt != "none" {
		name += o.cfg.OutputExt
	}
	path := filepath.Join(o.cfg.OutputDir, name)
	if err := security.ValidatePathWithinDirectory(path, o.cfg.OutputDir); err != nil {
		return "", err
	}
	return path, nil
}

func (o *Orchestrator) record(ctx context.Context, id string, res *JobResult) {
	if o.recorder == nil {
		return
	}
	job, err := o.tracker.Get(id)
	if err != nil {
		return
	}
	rctx := context.WithoutCancel(ctx)
	if err := o.recorder.RecordJob(rctx, job); err != nil {
		opsf("job %s: failed to record job: %v", id, err)
		return
	}
	if res != nil && len(res.Frames) > 0 {
		if err := o.recorder.RecordFrameOutcomes(rctx, id, res.Frames); err != nil {
			opsf("job %s: failed to record frame outcomes: %v", id, err)
		}
	}
}

func outputSizeMB(path string) float64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !fi.IsDir() {
		return float64(fi.Size()) / (1 << 20)
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if info, ierr := d.Info(); ierr == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return float64(total) / (1 << 20)
}

// jobRun holds the state shared by one job's stages.
type jobRun struct {
	o      *Orchestrator
	id     string
	frames []*video.Frame
	res    *JobResult
	enc    video.Encoder
	asm    *video.Assembler
	br     *render.BatchRenderer
}

// stages feeds frames to the pool, collects and projects results, and
// renders and writes them as they arrive.
func (r *jobRun) stages(ctx context.Context) error {
	r.o.pool.NewEpoch()
	items := make(chan render.Item, r.br.BatchSize())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.feed(gctx) })
	g.Go(func() error {
		defer close(items)
		return r.collect(gctx, items)
	})
	g.Go(func() error { return r.renderAndWrite(gctx, items) })
	return g.Wait()
}

func (r *jobRun) feed(ctx context.Context) error {
	for _, f := range r.frames {
		if err := r.o.pool.Submit(ctx, f, nil); err != nil {
			return fmt.Errorf("failed to submit frame %d: %w", f.Index, err)
		}
	}
	return nil
}

// collect re-keys results by frame index. Exactly one item per frame is
// forwarded; duplicates are dropped.
func (r *jobRun) collect(ctx context.Context, items chan<- render.Item) error {
	start := time.Now()
	seen := make(map[int]bool, len(r.frames))
	for len(seen) < len(r.frames) {
		pr, err := r.o.pool.Collect(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect poses (%d of %d received): %w", len(seen), len(r.frames), err)
		}
		idx := pr.FrameIndex
		if idx < 0 || idx >= len(r.frames) || seen[idx] {
			opsf("job %s: dropping unexpected result for frame %d", r.id, idx)
			continue
		}
		seen[idx] = true
		it := r.project(pr)
		select {
		case items <- it:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.res.Stages.PoseSeconds = time.Since(start).Seconds()
	return nil
}

// project converts a successful pose into a full-image camera. A pose that
// cannot be projected is turned into a skipped item.
func (r *jobRun) project(pr pose.PoseResult) render.Item {
	f := r.frames[pr.FrameIndex]
	out := &r.res.Frames[pr.FrameIndex]
	*out = FrameOutcome{
		FrameIndex:  pr.FrameIndex,
		PoseSuccess: pr.Success,
		PoseMs:      pr.ProcessingTimeMs,
		WorkerID:    pr.WorkerID,
		Confidence:  pr.Confidence,
	}
	it := render.Item{Frame: f, Pose: pr, FocalLength: r.o.focalLength(f.Size())}
	if !pr.Success {
		tracef("job %s frame %d: no pose (%s): %s", r.id, pr.FrameIndex, pr.Category, pr.Error)
		return it
	}
	if pr.Camera == nil || pr.BBox == nil {
		opsf("job %s frame %d: pose without camera or box", r.id, pr.FrameIndex)
		it.SkipReason = ReasonUnprojectable
		return it
	}

	proj, err := geometry.CropToFull(*pr.Camera, *pr.BBox, f.Size(), it.FocalLength)
	out.ScaleSubstituted = proj.ScaleSubstituted
	out.BoxNormalized = proj.BoxNormalized
	if err != nil {
		opsf("job %s frame %d: %v", r.id, pr.FrameIndex, err)
		it.SkipReason = ReasonUnprojectable
		return it
	}
	if proj.ScaleSubstituted {
		opsf("job %s frame %d: crop scale %.4g substituted with 1.0", r.id, pr.FrameIndex, pr.Camera.S)
	}
	cam := proj.Camera
	it.Camera = &cam
	return it
}

func (r *jobRun) renderAndWrite(ctx context.Context, items <-chan render.Item) error {
	// Collected frames are always rendered so that a timeout flushes them.
	rctx := context.WithoutCancel(ctx)
	batch := make([]render.Item, 0, r.br.BatchSize())
	rendered := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := r.br.RenderAll(rctx, batch, nil)
		if err != nil {
			return err
		}
		for _, rf := range out {
			if err := r.asm.Add(rf); err != nil {
				return err
			}
			o := &r.res.Frames[rf.FrameIndex]
			o.Rendered = rf.Rendered
			o.Reason = rf.Reason
		}
		rendered += len(out)
		batch = batch[:0]

		start := time.Now()
		if _, err := r.asm.WriteReady(r.enc); err != nil {
			return fmt.Errorf("failed to write frames: %w", err)
		}
		r.res.Stages.EncodeSeconds += time.Since(start).Seconds()
		_ = r.o.tracker.Advance(r.id, rendered)
		tracef("job %s: %d/%d frames rendered, %d written", r.id, rendered, len(r.frames), r.asm.Written())
		return nil
	}

	for it := range items {
		batch = append(batch, it)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return ctx.Err()
}
