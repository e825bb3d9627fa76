package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// fakeBackend paints the whole frame with one colour and records how many
// calls overlap.
type fakeBackend struct {
	fill     color.RGBA
	probeErr error
	err      error
	panics   bool
	size     image.Point // overrides the overlay size when non-zero
	delay    time.Duration

	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Probe() error { return b.probeErr }

func (b *fakeBackend) RenderToPixels(mesh *pose.MeshGeometry, cam geometry.FullImageCamera, intr geometry.Intrinsics) (*image.RGBA, error) {
	b.calls.Add(1)
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.panics {
		panic("context lost")
	}
	if b.err != nil {
		return nil, b.err
	}
	w, h := intr.Width, intr.Height
	if b.size != (image.Point{}) {
		w, h = b.size.X, b.size.Y
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = b.fill.R, b.fill.G, b.fill.B, b.fill.A
	}
	return img, nil
}

func grayFrame(index int, v uint8) *video.Frame {
	f := video.NewFrame(index, 0, 6, 4)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func okPose(index int) pose.PoseResult {
	cam := geometry.CropCamera{S: 1}
	box := geometry.BBox{X2: 6, Y2: 4}
	return pose.PoseResult{FrameIndex: index, Success: true, Mesh: pose.BoxMesh(0.5, 0.5, 0.5), Camera: &cam, BBox: &box}
}

func okItem(index int) Item {
	return Item{
		Frame:       grayFrame(index, 100),
		Pose:        okPose(index),
		Camera:      &geometry.FullImageCamera{TZ: 10},
		FocalLength: 50,
	}
}

func TestMeshRenderer_Composites(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{fill: color.RGBA{R: 255, A: 255}}
	r := NewMeshRenderer(b)
	require.True(t, r.Available())

	frame := grayFrame(3, 100)
	out := r.Render(frame, pose.BoxMesh(1, 1, 1), &geometry.FullImageCamera{TZ: 5}, 100)
	assert.True(t, out.Rendered)
	assert.Equal(t, 3, out.FrameIndex)
	assert.Equal(t, []uint8{255, 0, 0}, out.Pix[:3])
	assert.Equal(t, uint8(100), frame.Pix[0], "input frame is not modified")

	// Half-transparent premultiplied blue over grey.
	b.fill = color.RGBA{B: 128, A: 128}
	out = r.Render(frame, pose.BoxMesh(1, 1, 1), &geometry.FullImageCamera{TZ: 5}, 100)
	require.True(t, out.Rendered)
	assert.InDelta(t, 50, int(out.Pix[0]), 1)
	assert.InDelta(t, 178, int(out.Pix[2]), 1)

	// Fully transparent overlay leaves pixels unchanged.
	b.fill = color.RGBA{}
	out = r.Render(frame, pose.BoxMesh(1, 1, 1), &geometry.FullImageCamera{TZ: 5}, 100)
	assert.Equal(t, frame.Pix, out.Pix)
}

func TestMeshRenderer_FallsBack(t *testing.T) {
	t.Parallel()

	frame := grayFrame(1, 42)
	mesh := pose.BoxMesh(1, 1, 1)
	cam := &geometry.FullImageCamera{TZ: 5}

	tests := []struct {
		name    string
		backend *fakeBackend
		mesh    *pose.MeshGeometry
		cam     *geometry.FullImageCamera
		focal   float64
		reason  string
		calls   int32
	}{
		{"backend error", &fakeBackend{err: errors.New("GL_OUT_OF_MEMORY")}, mesh, cam, 100, ReasonBackendError, 1},
		{"backend panic", &fakeBackend{panics: true}, mesh, cam, 100, ReasonBackendError, 1},
		{"wrong overlay size", &fakeBackend{size: image.Pt(2, 2)}, mesh, cam, 100, ReasonBackendError, 1},
		{"nil mesh", &fakeBackend{}, nil, cam, 100, ReasonInvalidInput, 0},
		{"empty faces", &fakeBackend{}, &pose.MeshGeometry{Vertices: mesh.Vertices}, cam, 100, ReasonInvalidInput, 0},
		{"nil camera", &fakeBackend{}, mesh, nil, 100, ReasonInvalidInput, 0},
		{"nan camera", &fakeBackend{}, mesh, &geometry.FullImageCamera{TX: math.NaN(), TZ: 1}, 100, ReasonInvalidInput, 0},
		{"camera behind", &fakeBackend{}, mesh, &geometry.FullImageCamera{TZ: -1}, 100, ReasonInvalidInput, 0},
		{"zero focal", &fakeBackend{}, mesh, cam, 0, ReasonInvalidInput, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewMeshRenderer(tt.backend)
			out := r.Render(frame, tt.mesh, tt.cam, tt.focal)
			assert.False(t, out.Rendered)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, frame.Pix, out.Pix)
			assert.Equal(t, tt.calls, tt.backend.calls.Load())
		})
	}
}

func TestMeshRenderer_UnavailableNeverCallsBackend(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{probeErr: errors.New("no display")}
	r := NewMeshRenderer(b)
	assert.False(t, r.Available())
	assert.ErrorContains(t, r.UnavailableReason(), "no display")

	for i := 0; i < 5; i++ {
		out := r.Render(grayFrame(i, 7), pose.BoxMesh(1, 1, 1), &geometry.FullImageCamera{TZ: 5}, 100)
		assert.False(t, out.Rendered)
		assert.Equal(t, ReasonUnavailable, out.Reason)
	}
	assert.Zero(t, b.calls.Load())

	none := NewMeshRenderer(UnavailableBackend{Reason: "disabled"})
	assert.False(t, none.Available())
	assert.ErrorIs(t, none.UnavailableReason(), ErrBackendUnavailable)
	assert.False(t, NewMeshRenderer(nil).Available())
}

func TestBatchRenderer_SkipsFailedPoses(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{fill: color.RGBA{G: 255, A: 255}}
	br := NewBatchRenderer(NewMeshRenderer(b), 3)

	items := make([]Item, 8)
	for i := range items {
		items[i] = okItem(i)
	}
	items[2].Pose = pose.Failed(2, pose.CategoryNoSubject, pose.ErrNoSubject)
	items[5].Camera = nil
	items[5].SkipReason = "unprojectable"

	var progress [][2]int
	out, err := br.RenderAll(context.Background(), items, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)
	require.Len(t, out, 8)

	for i, rf := range out {
		assert.Equal(t, i, rf.FrameIndex)
		switch i {
		case 2:
			assert.False(t, rf.Rendered)
			assert.Equal(t, "no_subject", rf.Reason)
			assert.Equal(t, items[2].Frame.Pix, rf.Pix)
		case 5:
			assert.False(t, rf.Rendered)
			assert.Equal(t, "unprojectable", rf.Reason)
		default:
			assert.True(t, rf.Rendered, "frame %d", i)
		}
	}
	assert.Equal(t, int32(6), b.calls.Load())
	assert.Equal(t, [][2]int{{3, 8}, {6, 8}, {8, 8}}, progress)

	s := br.Stats()
	assert.Equal(t, 6, s.Attempted)
	assert.Equal(t, 6, s.Rendered)
	assert.Equal(t, 0, s.Fallback)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, 2, s.PassThrough())
}

func TestBatchRenderer_ZeroRenderedStats(t *testing.T) {
	t.Parallel()

	br := NewBatchRenderer(NewMeshRenderer(UnavailableBackend{}), 0)
	assert.Equal(t, DefaultBatchSize, br.BatchSize())

	items := []Item{okItem(0), okItem(1)}
	items[1].Pose = pose.Failed(1, pose.CategoryNoSubject, pose.ErrNoSubject)
	out, err := br.RenderAll(context.Background(), items, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	s := br.Stats()
	assert.Equal(t, 0, s.Rendered)
	assert.Equal(t, 1, s.Fallback)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 0.0, s.MsPerFrame())
	assert.Equal(t, 0.0, Stats{}.MsPerFrame())
}

func TestBatchRenderer_StopsBetweenChunksOnCancel(t *testing.T) {
	t.Parallel()

	br := NewBatchRenderer(NewMeshRenderer(&fakeBackend{fill: color.RGBA{A: 255}}), 2)
	ctx, cancel := context.WithCancel(context.Background())
	items := []Item{okItem(0), okItem(1), okItem(2), okItem(3)}

	out, err := br.RenderAll(ctx, items, func(done, total int) {
		if done == 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, out, 2)
}

func TestRenderCallsNeverOverlap(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{fill: color.RGBA{R: 1, A: 255}, delay: time.Millisecond}
	renderer := NewMeshRenderer(b)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			br := NewBatchRenderer(renderer, 4)
			items := make([]Item, 10)
			for i := range items {
				items[i] = okItem(i)
			}
			out, err := br.RenderAll(context.Background(), items, nil)
			assert.NoError(t, err)
			assert.Len(t, out, 10)
		}()
	}
	// A second renderer over the same backend shares the process-wide lock.
	wg.Add(1)
	go func() {
		defer wg.Done()
		other := NewMeshRenderer(b)
		for i := 0; i < 10; i++ {
			other.Render(grayFrame(i, 0), pose.BoxMesh(1, 1, 1), &geometry.FullImageCamera{TZ: 5}, 100)
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(50), b.calls.Load())
	assert.Equal(t, int32(1), b.maxSeen.Load())
}

func TestSoftwareBackend(t *testing.T) {
	t.Parallel()

	b := NewSoftwareBackend()
	require.NoError(t, b.Probe())

	intr := geometry.NewIntrinsics(100, geometry.ImageSize{Width: 64, Height: 48})
	img, err := b.RenderToPixels(pose.BoxMesh(0.5, 0.5, 0.5), geometry.FullImageCamera{TZ: 5}, intr)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	centre := img.RGBAAt(32, 24)
	assert.NotZero(t, centre.A, "mesh covers the image centre")
	assert.Greater(t, centre.B, centre.R, "mesh is light blue")
	assert.Zero(t, img.RGBAAt(0, 0).A, "background stays transparent")

	// Vertices behind the camera are skipped, not an error.
	behind, err := b.RenderToPixels(pose.BoxMesh(0.5, 0.5, 0.5), geometry.FullImageCamera{TZ: -5}, intr)
	require.NoError(t, err)
	assert.Zero(t, behind.RGBAAt(32, 24).A)

	_, err = b.RenderToPixels(pose.BoxMesh(1, 1, 1), geometry.FullImageCamera{TZ: 5}, geometry.Intrinsics{})
	assert.Error(t, err)
	_, err = b.RenderToPixels(&pose.MeshGeometry{Vertices: []r3.Vec{{}}}, geometry.FullImageCamera{TZ: 5}, intr)
	assert.Error(t, err)
}

func TestSoftwareBackendThroughRenderer(t *testing.T) {
	t.Parallel()

	r := NewMeshRenderer(NewSoftwareBackend())
	require.NoError(t, r.UnavailableReason())
	require.True(t, r.Available())
	assert.Equal(t, "software", r.BackendName())

	frame := video.NewFrame(0, 0, 64, 48)
	out := r.Render(frame, pose.BoxMesh(0.5, 0.5, 0.5), &geometry.FullImageCamera{TZ: 5}, 100)
	require.True(t, out.Rendered)
	i := (24*64 + 32) * 3
	assert.NotZero(t, out.Pix[i+2], "overlay blended onto a black frame")
	assert.Equal(t, []uint8{0, 0, 0}, out.Pix[:3])
}
