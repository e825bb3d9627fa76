package pose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// fakeWorker is a scriptable Worker.
type fakeWorker struct {
	id       int
	startErr error
	block    bool // Start blocks until ctx is done
	dieAt    int  // Process fails on this call number (1-based); 0 never
	panicOn  int  // frame index that panics; -1 never
	delay    time.Duration
	gate     chan struct{}
	hang     bool // Process blocks until ctx is done
	stuck    bool // Process blocks until Stop
	exitIdle bool // the worker exits right after Start

	calls   atomic.Int32
	stopped atomic.Bool
	exited  chan struct{}
	once    sync.Once
}

func newFakeWorker(id int) *fakeWorker {
	return &fakeWorker{id: id, panicOn: -1, exited: make(chan struct{})}
}

func (w *fakeWorker) ID() int { return w.id }

func (w *fakeWorker) Start(ctx context.Context) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if w.exitIdle {
		w.once.Do(func() { close(w.exited) })
	}
	return w.startErr
}

func (w *fakeWorker) Process(ctx context.Context, frame *video.Frame, hint *geometry.BBox) (PoseResult, error) {
	select {
	case <-w.exited:
		return PoseResult{}, fmt.Errorf("worker %d: %w", w.id, ErrWorkerLost)
	default:
	}
	n := int(w.calls.Add(1))
	if w.hang {
		<-ctx.Done()
		return PoseResult{}, ctx.Err()
	}
	if w.stuck {
		<-w.exited
		return PoseResult{}, fmt.Errorf("worker %d: %w", w.id, ErrWorkerLost)
	}
	if w.gate != nil {
		<-w.gate
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if w.dieAt > 0 && n >= w.dieAt {
		w.once.Do(func() { close(w.exited) })
		return PoseResult{}, fmt.Errorf("worker %d: %w", w.id, ErrWorkerLost)
	}
	if frame.Index == w.panicOn {
		panic("estimator blew up")
	}
	cam := geometry.CropCamera{S: 1}
	box := geometry.BBox{X2: 10, Y2: 10}
	return PoseResult{
		FrameIndex: frame.Index,
		Success:    true,
		Mesh:       BoxMesh(1, 1, 1),
		Camera:     &cam,
		BBox:       &box,
		WorkerID:   w.id,
	}, nil
}

func (w *fakeWorker) Exited() <-chan struct{} { return w.exited }

func (w *fakeWorker) Stop() error {
	w.stopped.Store(true)
	w.once.Do(func() { close(w.exited) })
	return nil
}

func testFrames(n int) []*video.Frame {
	frames := make([]*video.Frame, n)
	for i := range frames {
		frames[i] = video.NewFrame(i, float64(i)/30, 8, 8)
	}
	return frames
}

// submitAndCollect feeds frames from one goroutine while collecting from
// another, returning results keyed by frame index.
func submitAndCollect(t *testing.T, p *Pool, frames []*video.Frame) map[int]PoseResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := p.Submit(ctx, f, nil); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	got := make(map[int]PoseResult, len(frames))
	for range frames {
		res, err := p.Collect(ctx)
		require.NoError(t, err)
		_, dup := got[res.FrameIndex]
		require.False(t, dup, "duplicate result for frame %d", res.FrameIndex)
		got[res.FrameIndex] = res
	}
	require.NoError(t, <-errc)
	return got
}

func syntheticFactory() WorkerFactory {
	return NewLocalWorkerFactory(func(ctx context.Context, id int) (Runtime, error) {
		return Runtime{Estimator: NewSyntheticEstimator()}, nil
	})
}

func TestPool_ReconstructsIndexSet(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 2, 4} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()
			p, err := NewPool(PoolConfig{Workers: workers, Factory: syntheticFactory()})
			require.NoError(t, err)
			require.NoError(t, p.Start(context.Background()))
			defer p.Stop()

			frames := testFrames(37)
			got := submitAndCollect(t, p, frames)
			require.Len(t, got, len(frames))
			for i := range frames {
				res, ok := got[i]
				require.True(t, ok, "missing frame %d", i)
				assert.True(t, res.Success, "frame %d: %s", i, res.Error)
				assert.NotNil(t, res.Mesh)
				assert.NotNil(t, res.Camera)
			}
			assert.Equal(t, workers, p.LiveWorkers())
		})
	}
}

func TestPool_DeadWorkerFailsOnlyItsInFlightFrame(t *testing.T) {
	t.Parallel()

	workers := map[int]*fakeWorker{}
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		if id == 0 {
			w.dieAt = 3
		} else {
			w.delay = 5 * time.Millisecond
		}
		workers[id] = w
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 2, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	got := submitAndCollect(t, p, testFrames(20))
	require.Len(t, got, 20)

	lost := 0
	for _, res := range got {
		if !res.Success {
			assert.Equal(t, CategoryWorkerLost, res.Category)
			assert.Equal(t, 0, res.WorkerID)
			lost++
		}
	}
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, p.LiveWorkers())
}

func TestPool_AllWorkersDeadDrainsQueueAsFailures(t *testing.T) {
	t.Parallel()

	var built atomic.Int32
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		if built.Add(1) == 1 {
			w.dieAt = 1
		}
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 1, QueueSize: 2, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	got := submitAndCollect(t, p, testFrames(6))
	require.Len(t, got, 6)
	for i, res := range got {
		assert.False(t, res.Success, "frame %d", i)
		assert.Equal(t, CategoryWorkerLost, res.Category)
	}
	assert.Equal(t, 0, p.LiveWorkers())

	n, err := p.Respawn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.LiveWorkers())

	p.NewEpoch()
	got = submitAndCollect(t, p, testFrames(4))
	for i, res := range got {
		assert.True(t, res.Success, "frame %d after respawn", i)
	}
}

func TestPool_ExitedIdleWorkerRequeuesTask(t *testing.T) {
	t.Parallel()

	workers := make([]*fakeWorker, 2)
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		if id == 0 {
			w.exitIdle = true
		}
		workers[id] = w
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 2, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	got := submitAndCollect(t, p, testFrames(12))
	require.Len(t, got, 12)
	for i, res := range got {
		assert.True(t, res.Success, "frame %d: %s", i, res.Error)
		assert.Equal(t, 1, res.WorkerID)
	}
	assert.Zero(t, workers[0].calls.Load())
	assert.Equal(t, 1, p.LiveWorkers())
}

func TestPool_StopBoundsBusyWorkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		hang  bool
		stuck bool
	}{
		{"worker honours cancellation", true, false},
		{"worker ignores cancellation", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var w *fakeWorker
			factory := func(id int) Worker {
				w = newFakeWorker(id)
				w.hang = tt.hang
				w.stuck = tt.stuck
				return w
			}
			p, err := NewPool(PoolConfig{Workers: 1, QueueSize: 2, DrainTimeout: 20 * time.Millisecond, Factory: factory})
			require.NoError(t, err)
			require.NoError(t, p.Start(context.Background()))

			for _, f := range testFrames(2) {
				require.NoError(t, p.Submit(context.Background(), f, nil))
			}
			require.Eventually(t, func() bool { return w.calls.Load() == 1 }, time.Second, time.Millisecond)

			stopped := make(chan error, 1)
			go func() { stopped <- p.Stop() }()
			select {
			case err := <-stopped:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Stop did not return")
			}

			failed := 0
			for {
				res, err := p.Collect(context.Background())
				if errors.Is(err, ErrPoolClosed) {
					break
				}
				require.NoError(t, err)
				assert.False(t, res.Success, "frame %d", res.FrameIndex)
				assert.Equal(t, CategoryWorkerLost, res.Category)
				failed++
			}
			assert.Equal(t, 2, failed)
			assert.True(t, w.stopped.Load())
		})
	}
}

func TestPool_StartupFailureNamesWorkers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	built := map[int]*fakeWorker{}
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		if id == 1 || id == 3 {
			w.startErr = errors.New("out of memory")
		}
		mu.Lock()
		built[id] = w
		mu.Unlock()
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 4, Factory: factory, StartupStagger: time.Millisecond})
	require.NoError(t, err)

	err = p.Start(context.Background())
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []int{1, 3}, serr.Failed)
	assert.Contains(t, err.Error(), "out of memory")

	mu.Lock()
	defer mu.Unlock()
	for id, w := range built {
		assert.True(t, w.stopped.Load(), "worker %d should be stopped after failed startup", id)
	}
	require.NoError(t, p.Stop())
}

func TestPool_StartupTimeout(t *testing.T) {
	t.Parallel()

	factory := func(id int) Worker {
		w := newFakeWorker(id)
		w.block = id == 0
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 2, Factory: factory, StartupTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	err = p.Start(context.Background())
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []int{0}, serr.Failed)
	assert.ErrorIs(t, serr.Errs[0], context.DeadlineExceeded)
}

func TestPool_PanicBecomesFailedResult(t *testing.T) {
	t.Parallel()

	factory := func(id int) Worker {
		w := newFakeWorker(id)
		w.panicOn = 2
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 1, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	got := submitAndCollect(t, p, testFrames(5))
	assert.False(t, got[2].Success)
	assert.Equal(t, CategoryEstimation, got[2].Category)
	assert.Contains(t, got[2].Error, "panic")
	for _, i := range []int{0, 1, 3, 4} {
		assert.True(t, got[i].Success, "frame %d", i)
	}
	assert.Equal(t, 1, p.LiveWorkers())
}

func TestPool_SubmitBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		w.gate = gate
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 1, QueueSize: 1, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	frames := testFrames(3)
	require.NoError(t, p.Submit(context.Background(), frames[0], nil))
	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(context.Background(), frames[1], nil))
	assert.Equal(t, 1, p.QueueDepth())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, frames[2], nil), context.DeadlineExceeded)

	close(gate)
	for i := 0; i < 2; i++ {
		_, err := p.Collect(context.Background())
		require.NoError(t, err)
	}
}

func TestPool_NewEpochDiscardsStaleResults(t *testing.T) {
	t.Parallel()

	p, err := NewPool(PoolConfig{Workers: 1, QueueSize: 4, Factory: syntheticFactory()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for _, f := range testFrames(3) {
		require.NoError(t, p.Submit(context.Background(), f, nil))
	}
	require.Eventually(t, func() bool { return len(p.results) == 3 }, time.Second, time.Millisecond)

	p.NewEpoch()
	fresh := video.NewFrame(99, 0, 8, 8)
	require.NoError(t, p.Submit(context.Background(), fresh, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 99, res.FrameIndex)
}

func TestPool_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	var workers []*fakeWorker
	var mu sync.Mutex
	factory := func(id int) Worker {
		w := newFakeWorker(id)
		if id == 0 {
			w.dieAt = 1
		}
		mu.Lock()
		workers = append(workers, w)
		mu.Unlock()
		return w
	}
	p, err := NewPool(PoolConfig{Workers: 2, Factory: factory})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	frames := testFrames(4)
	for _, f := range frames {
		require.NoError(t, p.Submit(context.Background(), f, nil))
	}

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	// Queued work was drained before the workers exited.
	seen := 0
	for {
		_, err := p.Collect(context.Background())
		if errors.Is(err, ErrPoolClosed) {
			break
		}
		require.NoError(t, err)
		seen++
	}
	assert.Equal(t, len(frames), seen)

	assert.ErrorIs(t, p.Submit(context.Background(), frames[0], nil), ErrPoolClosed)
	_, err = p.Respawn(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	mu.Lock()
	defer mu.Unlock()
	for _, w := range workers {
		assert.True(t, w.stopped.Load())
	}
}

func TestNewPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(PoolConfig{Workers: 0, Factory: syntheticFactory()})
	assert.Error(t, err)
	_, err = NewPool(PoolConfig{Workers: 1})
	assert.Error(t, err)

	p, err := NewPool(PoolConfig{Workers: 3, Factory: syntheticFactory()})
	require.NoError(t, err)
	assert.Equal(t, 6, p.cfg.QueueSize)
	assert.Equal(t, 3, p.Size())
}
