package pose

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// Worker hosts one estimator instance. Process handles a single frame at a
// time; per-frame failures are returned in the PoseResult, and a non-nil
// error means the worker itself is gone.
type Worker interface {
	ID() int
	// Start loads the estimator and returns once it is ready.
	Start(ctx context.Context) error
	Process(ctx context.Context, frame *video.Frame, hint *geometry.BBox) (PoseResult, error)
	// Exited is closed once the worker can no longer process frames.
	Exited() <-chan struct{}
	Stop() error
}

// WorkerFactory builds an unstarted worker with the given id.
type WorkerFactory func(id int) Worker

// RuntimeFactory loads a fresh estimation runtime for worker id.
type RuntimeFactory func(ctx context.Context, id int) (Runtime, error)

// NewLocalWorkerFactory returns workers that run their runtime in this
// process. Each worker loads its own runtime.
func NewLocalWorkerFactory(newRuntime RuntimeFactory) WorkerFactory {
	return func(id int) Worker {
		return &localWorker{id: id, newRuntime: newRuntime, exited: make(chan struct{})}
	}
}

type localWorker struct {
	id         int
	newRuntime RuntimeFactory
	rt         Runtime

	mu       sync.Mutex
	exited   chan struct{}
	stopOnce sync.Once
}

func (w *localWorker) ID() int { return w.id }

func (w *localWorker) Start(ctx context.Context) error {
	rt, err := w.newRuntime(ctx, w.id)
	if err != nil {
		return fmt.Errorf("worker %d: failed to load runtime: %w", w.id, err)
	}
	w.rt = rt
	diagf("worker %d ready (in-process)", w.id)
	return nil
}

func (w *localWorker) Process(ctx context.Context, frame *video.Frame, hint *geometry.BBox) (PoseResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.exited:
		return PoseResult{}, fmt.Errorf("worker %d: %w", w.id, ErrWorkerLost)
	default:
	}
	res := RunEstimation(ctx, w.rt, frame, hint)
	res.WorkerID = w.id
	return res, nil
}

func (w *localWorker) Exited() <-chan struct{} { return w.exited }

func (w *localWorker) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.exited)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.rt.Close != nil {
			err = w.rt.Close()
		}
	})
	return err
}
