package render

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// backendMu serializes every backend call in the process.
var backendMu sync.Mutex

// Pass-through reasons set on RenderedFrame.Reason.
const (
	ReasonUnavailable  = "render_unavailable"
	ReasonInvalidInput = "render_invalid_input"
	ReasonBackendError = "render_error"
)

// MeshRenderer renders one frame at a time through a Backend, falling back
// to the original pixels on any failure.
type MeshRenderer struct {
	backend   Backend
	available bool
	probeErr  error
}

// NewMeshRenderer probes b once. If the probe fails every Render call
// returns pass-through frames without touching the backend.
func NewMeshRenderer(b Backend) *MeshRenderer {
	r := &MeshRenderer{backend: b}
	r.probeErr = probe(b)
	r.available = r.probeErr == nil
	if r.available {
		diagf("backend %q available", b.Name())
	} else {
		opsf("backend %q unavailable, frames will pass through: %v", b.Name(), r.probeErr)
	}
	return r
}

func probe(b Backend) (err error) {
	if b == nil {
		return fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: probe panic: %v", ErrBackendUnavailable, r)
		}
	}()
	backendMu.Lock()
	defer backendMu.Unlock()
	return b.Probe()
}

// Available reports the result of the startup probe.
func (r *MeshRenderer) Available() bool { return r.available }

// UnavailableReason returns the probe error, nil when available.
func (r *MeshRenderer) UnavailableReason() error { return r.probeErr }

// BackendName names the wrapped backend.
func (r *MeshRenderer) BackendName() string {
	if r.backend == nil {
		return "none"
	}
	return r.backend.Name()
}

// Render overlays mesh onto frame. The returned frame has Rendered set only
// when the backend succeeded; otherwise it carries the original pixels and
// a Reason. Render never panics.
func (r *MeshRenderer) Render(frame *video.Frame, mesh *pose.MeshGeometry, cam *geometry.FullImageCamera, focalLength float64) video.RenderedFrame {
	if frame == nil {
		return video.RenderedFrame{FrameIndex: -1, Reason: ReasonInvalidInput}
	}
	if !r.available {
		return video.PassThrough(frame, ReasonUnavailable)
	}
	if err := validateInputs(frame, mesh, cam, focalLength); err != nil {
		opsf("frame %d: not rendering: %v", frame.Index, err)
		return video.PassThrough(frame, ReasonInvalidInput)
	}

	intr := geometry.NewIntrinsics(focalLength, frame.Size())
	start := time.Now()
	overlay, err := r.rasterize(mesh, *cam, intr)
	if err != nil {
		opsf("frame %d: backend %s failed: %v", frame.Index, r.backend.Name(), err)
		return video.PassThrough(frame, ReasonBackendError)
	}
	if b := overlay.Bounds(); b.Dx() != frame.Width || b.Dy() != frame.Height {
		opsf("frame %d: backend returned %dx%d overlay for %dx%d frame", frame.Index, b.Dx(), b.Dy(), frame.Width, frame.Height)
		return video.PassThrough(frame, ReasonBackendError)
	}
	tracef("frame %d rasterized in %s", frame.Index, time.Since(start))

	return video.RenderedFrame{
		FrameIndex: frame.Index,
		Width:      frame.Width,
		Height:     frame.Height,
		Pix:        composite(frame, overlay),
		Rendered:   true,
	}
}

// rasterize holds the backend lock for the whole call, readback included.
func (r *MeshRenderer) rasterize(mesh *pose.MeshGeometry, cam geometry.FullImageCamera, intr geometry.Intrinsics) (img *image.RGBA, err error) {
	backendMu.Lock()
	defer backendMu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			img, err = nil, fmt.Errorf("backend panic: %v", p)
		}
	}()
	img, err = r.backend.RenderToPixels(mesh, cam, intr)
	if err == nil && img == nil {
		err = fmt.Errorf("backend returned no image")
	}
	return img, err
}

func validateInputs(frame *video.Frame, mesh *pose.MeshGeometry, cam *geometry.FullImageCamera, focalLength float64) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := mesh.Validate(); err != nil {
		return err
	}
	if cam == nil {
		return fmt.Errorf("no camera")
	}
	for _, v := range []float64{cam.TX, cam.TY, cam.TZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite camera %+v", *cam)
		}
	}
	if cam.TZ <= 0 {
		return fmt.Errorf("camera depth %.4g is not positive", cam.TZ)
	}
	if !(focalLength > 0) || math.IsInf(focalLength, 0) {
		return fmt.Errorf("invalid focal length %v", focalLength)
	}
	return nil
}

// composite blends a premultiplied RGBA overlay over packed RGB pixels and
// returns a new packed RGB buffer.
func composite(frame *video.Frame, overlay *image.RGBA) []uint8 {
	out := make([]uint8, len(frame.Pix))
	b := overlay.Bounds()
	for y := 0; y < frame.Height; y++ {
		row := overlay.Pix[(y)*overlay.Stride : (y)*overlay.Stride+b.Dx()*4]
		for x := 0; x < frame.Width; x++ {
			i := (y*frame.Width + x) * 3
			o := row[x*4 : x*4+4]
			inv := 255 - uint32(o[3])
			out[i] = uint8(uint32(o[0]) + (uint32(frame.Pix[i])*inv+127)/255)
			out[i+1] = uint8(uint32(o[1]) + (uint32(frame.Pix[i+1])*inv+127)/255)
			out[i+2] = uint8(uint32(o[2]) + (uint32(frame.Pix[i+2])*inv+127)/255)
		}
	}
	return out
}
