package pose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers int

	// QueueSize bounds pending submissions; Submit blocks when it is full.
	// Defaults to 2*Workers.
	QueueSize int

	// StartupStagger delays the start of each successive worker.
	StartupStagger time.Duration

	// StartupTimeout bounds the wait for every worker to become ready.
	// Defaults to 120s.
	StartupTimeout time.Duration

	// DrainTimeout bounds each stage of Stop: draining queued frames, then
	// waiting for cancelled frames to abort. Workers still busy after both
	// stages are stopped forcibly. Defaults to 30s.
	DrainTimeout time.Duration

	Factory WorkerFactory
}

// StartupError names the workers that failed to become ready.
type StartupError struct {
	Failed []int
	Errs   map[int]error
}

func (e *StartupError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, id := range e.Failed {
		parts = append(parts, fmt.Sprintf("worker %d: %v", id, e.Errs[id]))
	}
	return fmt.Sprintf("pose: %d worker(s) failed to start: %s", len(e.Failed), strings.Join(parts, "; "))
}

type task struct {
	frame *video.Frame
	hint  *geometry.BBox
	epoch uint64
}

type taggedResult struct {
	res   PoseResult
	epoch uint64
}

type slot struct {
	id   int
	w    Worker
	dead bool
}

// Pool distributes frames across a fixed set of workers. Results are
// delivered in completion order.
type Pool struct {
	cfg PoolConfig

	tasks   chan task
	results chan taggedResult
	done    chan struct{}
	epoch   atomic.Uint64

	// mu guards closed against concurrent Submit and Stop.
	mu     sync.RWMutex
	closed bool

	slotsMu     sync.Mutex
	slots       []*slot
	live        int
	janitorStop chan struct{}
	janitorDone chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewPool validates cfg and returns an unstarted pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("pose: worker count must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Factory == nil {
		return nil, errors.New("pose: no worker factory")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.Workers
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 120 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		tasks:   make(chan task, cfg.QueueSize),
		results: make(chan taggedResult, cfg.QueueSize+cfg.Workers),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches every worker, staggering their starts, and returns once
// all are ready. If any worker fails within the startup timeout, the others
// are stopped and a *StartupError is returned.
func (p *Pool) Start(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	ids := make([]int, p.cfg.Workers)
	for i := range ids {
		ids[i] = i
	}
	workers, err := p.startWorkers(sctx, ids)
	if err != nil {
		return err
	}

	p.slotsMu.Lock()
	for _, w := range workers {
		s := &slot{id: w.ID(), w: w}
		p.slots = append(p.slots, s)
		p.live++
		p.wg.Add(1)
		go p.dispatch(s)
	}
	p.slotsMu.Unlock()

	diagf("pool started with %d workers (queue %d)", p.cfg.Workers, p.cfg.QueueSize)
	return nil
}

// startWorkers starts one worker per id, the i-th after i*stagger. On any
// failure every successfully started worker is stopped again.
func (p *Pool) startWorkers(ctx context.Context, ids []int) ([]Worker, error) {
	type outcome struct {
		w   Worker
		err error
	}
	outcomes := make([]outcome, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		w := p.cfg.Factory(id)
		outcomes[i].w = w
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			if delay := time.Duration(i) * p.cfg.StartupStagger; delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					outcomes[i].err = ctx.Err()
					return
				}
			}
			outcomes[i].err = p.safeStart(ctx, w)
		}(i, w)
	}
	wg.Wait()

	serr := &StartupError{Errs: make(map[int]error)}
	for i, o := range outcomes {
		if o.err != nil {
			serr.Failed = append(serr.Failed, ids[i])
			serr.Errs[ids[i]] = o.err
		}
	}
	if len(serr.Failed) == 0 {
		workers := make([]Worker, len(outcomes))
		for i, o := range outcomes {
			workers[i] = o.w
		}
		return workers, nil
	}

	sort.Ints(serr.Failed)
	for _, o := range outcomes {
		_ = o.w.Stop()
	}
	opsf("%v", serr)
	return nil, serr
}

func (p *Pool) safeStart(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during start: %v", r)
		}
	}()
	return w.Start(ctx)
}

// NewEpoch starts a new batch of work. Queued tasks and pending results
// from earlier epochs are discarded rather than processed or delivered.
func (p *Pool) NewEpoch() uint64 {
	return p.epoch.Add(1)
}

// Submit enqueues a frame, blocking while the queue is full. A nil hint
// lets the worker run detection.
func (p *Pool) Submit(ctx context.Context, frame *video.Frame, hint *geometry.BBox) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	t := task{frame: frame, hint: hint, epoch: p.epoch.Load()}
	select {
	case p.tasks <- t:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect blocks until the next result of the current epoch is available.
func (p *Pool) Collect(ctx context.Context) (PoseResult, error) {
	for {
		select {
		case r, ok := <-p.results:
			if !ok {
				return PoseResult{}, ErrPoolClosed
			}
			if r.epoch != p.epoch.Load() {
				diagf("discarding stale result for frame %d (epoch %d)", r.res.FrameIndex, r.epoch)
				continue
			}
			return r.res, nil
		case <-ctx.Done():
			return PoseResult{}, ctx.Err()
		}
	}
}

// LiveWorkers returns the number of workers still able to take work.
func (p *Pool) LiveWorkers() int {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	return p.live
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.cfg.Workers }

// QueueDepth returns the number of submitted frames not yet taken by a worker.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

func (p *Pool) dispatch(s *slot) {
	defer p.wg.Done()
	for {
		var (
			t  task
			ok bool
		)
		select {
		case t, ok = <-p.tasks:
			if !ok {
				return
			}
		case <-s.w.Exited():
			p.workerLost(s, errors.New("exited while idle"))
			return
		}

		if t.epoch != p.epoch.Load() {
			continue
		}

		select {
		case <-s.w.Exited():
			p.workerLost(s, errors.New("exited while idle"))
			p.requeue(t)
			return
		default:
		}

		res, err := p.process(s.w, t)
		if err != nil {
			f := Failed(t.frame.Index, CategoryWorkerLost, err)
			f.WorkerID = s.id
			p.emit(taggedResult{res: f, epoch: t.epoch})
			p.workerLost(s, err)
			return
		}
		tracef("frame %d done on worker %d in %.1fms (success=%t)", res.FrameIndex, s.id, res.ProcessingTimeMs, res.Success)
		p.emit(taggedResult{res: res, epoch: t.epoch})
	}
}

// requeue hands a task taken by a dead worker back to the queue, or fails it
// once the pool is stopping.
func (p *Pool) requeue(t task) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.closed {
		select {
		case p.tasks <- t:
			tracef("frame %d requeued", t.frame.Index)
			return
		case <-p.done:
		}
	}
	p.emit(taggedResult{res: Failed(t.frame.Index, CategoryWorkerLost, ErrWorkerLost), epoch: t.epoch})
}

// process calls the worker and converts panics into failed results.
func (p *Pool) process(w Worker, t task) (res PoseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(t.frame.Index, CategoryEstimation, fmt.Errorf("worker panic: %v", r))
			res.WorkerID = w.ID()
			err = nil
		}
	}()
	res, err = w.Process(p.ctx, t.frame, t.hint)
	if err == nil && res.FrameIndex != t.frame.Index {
		opsf("worker %d answered frame %d for frame %d", w.ID(), res.FrameIndex, t.frame.Index)
		res = Failed(t.frame.Index, CategoryEstimation, fmt.Errorf("worker returned frame %d", res.FrameIndex))
		res.WorkerID = w.ID()
	}
	return res, err
}

// emit delivers a result. After Stop, results nobody is collecting are
// dropped once the buffer is full so that Stop cannot block on them.
func (p *Pool) emit(r taggedResult) {
	select {
	case p.results <- r:
	case <-p.done:
		select {
		case p.results <- r:
		default:
			diagf("dropping result for frame %d after stop", r.res.FrameIndex)
		}
	}
}

func (p *Pool) workerLost(s *slot, err error) {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	p.live--
	opsf("worker %d lost (%v), %d of %d workers remain", s.id, err, p.live, p.cfg.Workers)
	if p.live == 0 && p.janitorStop == nil {
		p.janitorStop = make(chan struct{})
		p.janitorDone = make(chan struct{})
		p.wg.Add(1)
		go p.janitor(p.janitorStop, p.janitorDone)
	}
}

// janitor fails queued work while no worker is alive so that collectors
// are never left waiting on frames nobody will process.
func (p *Pool) janitor(stop <-chan struct{}, done chan<- struct{}) {
	defer p.wg.Done()
	defer close(done)
	opsf("no live workers, failing queued frames")
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			if t.epoch != p.epoch.Load() {
				continue
			}
			p.emit(taggedResult{res: Failed(t.frame.Index, CategoryWorkerLost, ErrWorkerLost), epoch: t.epoch})
		case <-stop:
			return
		}
	}
}

// Respawn replaces dead workers with fresh ones. It must only be called
// between jobs, when no frames are in flight.
func (p *Pool) Respawn(ctx context.Context) (int, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, ErrPoolClosed
	}

	p.slotsMu.Lock()
	var dead []*slot
	for _, s := range p.slots {
		if s.dead {
			dead = append(dead, s)
		}
	}
	stop, done := p.janitorStop, p.janitorDone
	p.janitorStop, p.janitorDone = nil, nil
	p.slotsMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if len(dead) == 0 {
		return 0, nil
	}

	for _, s := range dead {
		_ = s.w.Stop()
	}

	ids := make([]int, len(dead))
	for i, s := range dead {
		ids[i] = s.id
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()
	workers, err := p.startWorkers(sctx, ids)
	if err != nil {
		p.slotsMu.Lock()
		if p.live == 0 && p.janitorStop == nil {
			p.janitorStop = make(chan struct{})
			p.janitorDone = make(chan struct{})
			p.wg.Add(1)
			go p.janitor(p.janitorStop, p.janitorDone)
		}
		p.slotsMu.Unlock()
		return 0, err
	}

	p.slotsMu.Lock()
	for i, s := range dead {
		s.w = workers[i]
		s.dead = false
		p.live++
		p.wg.Add(1)
		go p.dispatch(s)
	}
	p.slotsMu.Unlock()

	diagf("respawned %d worker(s)", len(workers))
	return len(workers), nil
}

// Stop lets workers drain queued frames, then stops every worker. If the
// drain exceeds DrainTimeout, in-flight frames are cancelled; workers that
// still do not return are stopped forcibly, and any left running after that
// are abandoned with an error. It is safe to call more than once and after
// workers have crashed.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		p.slotsMu.Lock()
		slots := append([]*slot(nil), p.slots...)
		p.slotsMu.Unlock()

		if !p.awaitDrain(drained, slots) {
			p.stopErr = fmt.Errorf("pose: workers still busy %s after stop was forced", p.cfg.DrainTimeout)
			opsf("%v", p.stopErr)
			return
		}

		var errs []error
		for _, s := range slots {
			if err := s.w.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", s.id, err))
			}
		}
		close(p.results)
		p.stopErr = errors.Join(errs...)
		diagf("pool stopped")
	})
	return p.stopErr
}

// awaitDrain waits for every dispatcher to return, escalating from a plain
// wait to cancelling in-flight frames to stopping the workers. It reports
// false if dispatchers are still running after the last stage.
func (p *Pool) awaitDrain(drained <-chan struct{}, slots []*slot) bool {
	defer p.cancel()
	wait := p.cfg.DrainTimeout

	select {
	case <-drained:
		return true
	case <-time.After(wait):
	}
	opsf("workers did not drain within %s, cancelling in-flight frames", wait)
	p.cancel()

	select {
	case <-drained:
		return true
	case <-time.After(wait):
	}
	opsf("workers ignored cancellation, stopping them")
	for _, s := range slots {
		go func(w Worker) { _ = w.Stop() }(s.w)
	}

	select {
	case <-drained:
		return true
	case <-time.After(wait):
		return false
	}
}
