package pose

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// ProcessConfig describes how to launch a worker process. The worker id is
// appended to Command as "-worker-id N".
type ProcessConfig struct {
	Command []string
	Env     []string

	// StopTimeout bounds how long Stop waits for a clean exit before killing
	// the process. Defaults to 2s.
	StopTimeout time.Duration
}

// NewProcessWorkerFactory returns workers that each run in their own child
// process. All workers built by one factory must report the same mesh
// topology.
func NewProcessWorkerFactory(cfg ProcessConfig) WorkerFactory {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	topo := &topology{}
	return func(id int) Worker {
		return &processWorker{id: id, cfg: cfg, topo: topo, exited: make(chan struct{})}
	}
}

// topology holds the face list shared by every worker of a pool.
type topology struct {
	mu    sync.Mutex
	faces [][3]int
}

func (t *topology) check(faces [][3]int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.faces == nil {
		t.faces = faces
		diagf("mesh topology: %d faces", len(faces))
		return nil
	}
	if !SameTopology(t.faces, faces) {
		return fmt.Errorf("%w: topology changed (%d faces, expected %d)", ErrInvalidMesh, len(faces), len(t.faces))
	}
	return nil
}

type processWorker struct {
	id   int
	cfg  ProcessConfig
	topo *topology

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	bw     *bufio.Writer
	stdout *bufio.Reader
	faces  [][3]int

	mu       sync.Mutex
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

func (w *processWorker) ID() int { return w.id }

func (w *processWorker) Start(ctx context.Context) error {
	if len(w.cfg.Command) == 0 {
		return fmt.Errorf("worker %d: no worker command configured", w.id)
	}
	args := append([]string{}, w.cfg.Command[1:]...)
	args = append(args, "-worker-id", strconv.Itoa(w.id))

	// The process outlives ctx, which only bounds startup.
	cmd := exec.Command(w.cfg.Command[0], args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker %d: failed to start %s: %w", w.id, w.cfg.Command[0], err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.bw = bufio.NewWriter(stdin)
	w.stdout = bufio.NewReader(stdout)

	stderrDone := make(chan struct{})
	go w.logStderr(stderr, stderrDone)
	go w.waitProcess(stderrDone)

	ready := make(chan error, 1)
	go func() {
		var msg wireResponse
		if err := readMessage(w.stdout, &msg); err != nil {
			ready <- err
			return
		}
		if msg.Type != msgReady {
			ready <- fmt.Errorf("expected %q message, got %q", msgReady, msg.Type)
			return
		}
		ready <- nil
	}()

	select {
	case err := <-ready:
		if err != nil {
			w.kill()
			return fmt.Errorf("worker %d: startup handshake failed: %w", w.id, err)
		}
		diagf("worker %d ready (pid %d)", w.id, cmd.Process.Pid)
		return nil
	case <-ctx.Done():
		w.kill()
		return fmt.Errorf("worker %d: not ready: %w", w.id, ctx.Err())
	}
}

func (w *processWorker) Process(ctx context.Context, frame *video.Frame, hint *geometry.BBox) (PoseResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.exited:
		return PoseResult{}, fmt.Errorf("worker %d: %w: %v", w.id, ErrWorkerLost, w.exitErr)
	default:
	}
	if err := ctx.Err(); err != nil {
		return PoseResult{}, fmt.Errorf("worker %d: %w", w.id, err)
	}

	// Killing the child fails the pending read.
	stop := context.AfterFunc(ctx, func() {
		opsf("worker %d: frame %d cancelled, killing", w.id, frame.Index)
		w.kill()
	})
	defer stop()

	req := wireRequest{
		Type:       msgEstimate,
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Width:      frame.Width,
		Height:     frame.Height,
		Pix:        frame.Pix,
		Hint:       hint,
	}
	if err := writeMessage(w.bw, req); err != nil {
		return w.lost(err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.lost(err)
	}

	var resp wireResponse
	for {
		if err := readMessage(w.stdout, &resp); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = fmt.Errorf("%w: %v", cerr, err)
			}
			return w.lost(err)
		}
		if resp.Type == msgResult && resp.FrameIndex == frame.Index {
			break
		}
		tracef("worker %d: skipping %q message for frame %d", w.id, resp.Type, resp.FrameIndex)
	}
	return w.decode(resp), nil
}

func (w *processWorker) decode(resp wireResponse) PoseResult {
	res := PoseResult{
		FrameIndex:       resp.FrameIndex,
		Success:          resp.Success,
		Camera:           resp.Camera,
		BBox:             resp.BBox,
		Confidence:       resp.Confidence,
		Error:            resp.Error,
		Category:         resp.Category,
		ProcessingTimeMs: resp.ProcessingMs,
		WorkerID:         w.id,
	}
	if !resp.Success {
		if res.Category == CategoryNone {
			res.Category = CategoryEstimation
		}
		return res
	}
	if resp.Faces != nil {
		faces, err := unflattenFaces(resp.Faces)
		if err == nil {
			err = w.topo.check(faces)
		}
		if err != nil {
			return Failed(resp.FrameIndex, CategoryEstimation, err)
		}
		w.faces = faces
	}
	if w.faces == nil {
		return Failed(resp.FrameIndex, CategoryEstimation, fmt.Errorf("%w: no topology received", ErrInvalidMesh))
	}
	vertices, err := unflattenVertices(resp.Vertices)
	if err != nil {
		return Failed(resp.FrameIndex, CategoryEstimation, err)
	}
	res.Mesh = &MeshGeometry{Vertices: vertices, Faces: w.faces}
	if err := res.Mesh.Validate(); err != nil {
		return Failed(resp.FrameIndex, CategoryEstimation, err)
	}
	if res.Camera == nil || res.BBox == nil {
		return Failed(resp.FrameIndex, CategoryEstimation, errors.New("result missing camera or bbox"))
	}
	return res
}

func (w *processWorker) lost(err error) (PoseResult, error) {
	opsf("worker %d lost: %v", w.id, err)
	w.kill()
	return PoseResult{}, fmt.Errorf("worker %d: %w: %w", w.id, ErrWorkerLost, err)
}

func (w *processWorker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (w *processWorker) Exited() <-chan struct{} { return w.exited }

func (w *processWorker) Stop() error {
	w.stopOnce.Do(func() {
		if w.cmd == nil {
			close(w.exited)
			return
		}
		select {
		case <-w.exited:
			return
		default:
		}
		// A held lock means a frame is in flight and the pipe is mid-request.
		if !w.mu.TryLock() {
			opsf("worker %d busy at stop, killing", w.id)
			w.kill()
			<-w.exited
			return
		}
		if err := writeMessage(w.bw, wireRequest{Type: msgShutdown}); err == nil {
			_ = w.bw.Flush()
		}
		_ = w.stdin.Close()
		w.mu.Unlock()

		select {
		case <-w.exited:
		case <-time.After(w.cfg.StopTimeout):
			opsf("worker %d did not exit within %s, killing", w.id, w.cfg.StopTimeout)
			w.kill()
			<-w.exited
		}
	})
	return nil
}

// waitProcess reaps the child once its stderr is drained.
func (w *processWorker) waitProcess(stderrDone <-chan struct{}) {
	<-stderrDone
	err := w.cmd.Wait()
	w.exitErr = err
	if err != nil {
		diagf("worker %d exited: %v", w.id, err)
	} else {
		diagf("worker %d exited", w.id)
	}
	close(w.exited)
}

func (w *processWorker) logStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		forwardWorkerLog(w.id, sc.Bytes())
	}
}

// forwardWorkerLog maps one logrus JSON line from a worker onto the pool's
// log streams by level. Non-JSON lines go to diag.
func forwardWorkerLog(id int, line []byte) {
	var entry map[string]interface{}
	if err := json.Unmarshal(line, &entry); err != nil {
		diagf("worker %d: %s", id, strings.TrimSpace(string(line)))
		return
	}

	levelText, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)
	delete(entry, "level")
	delete(entry, "msg")
	delete(entry, "time")
	delete(entry, "worker_id")

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}

	level, err := logrus.ParseLevel(levelText)
	if err != nil {
		level = logrus.InfoLevel
	}
	switch {
	case level <= logrus.WarnLevel:
		opsf("worker %d: %s", id, b.String())
	case level == logrus.InfoLevel:
		diagf("worker %d: %s", id, b.String())
	default:
		tracef("worker %d: %s", id, b.String())
	}
}
