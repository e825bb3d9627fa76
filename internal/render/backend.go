// Package render overlays estimated body meshes onto video frames.
//
// The rasterization backend is not safe for concurrent use. Every backend
// call in the process goes through one mutex, so at most one frame is being
// rasterized at any time no matter how many renderers exist. Any failure,
// including an unavailable backend, degrades the frame to pass-through.
package render

import (
	"errors"
	"image"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
)

// ErrBackendUnavailable is reported when the backend failed its probe.
var ErrBackendUnavailable = errors.New("render: backend unavailable")

// Backend rasterizes a mesh into an RGBA overlay the size of the frame
// described by intr. Pixels not covered by the mesh must be transparent.
type Backend interface {
	Name() string
	// Probe checks the backend can render on this host.
	Probe() error
	RenderToPixels(mesh *pose.MeshGeometry, cam geometry.FullImageCamera, intr geometry.Intrinsics) (*image.RGBA, error)
}

// UnavailableBackend always fails its probe. It is used when rendering is
// disabled by configuration.
type UnavailableBackend struct {
	Reason string
}

func (b UnavailableBackend) Name() string { return "none" }

func (b UnavailableBackend) Probe() error {
	if b.Reason == "" {
		return ErrBackendUnavailable
	}
	return errors.Join(ErrBackendUnavailable, errors.New(b.Reason))
}

func (b UnavailableBackend) RenderToPixels(*pose.MeshGeometry, geometry.FullImageCamera, geometry.Intrinsics) (*image.RGBA, error) {
	return nil, ErrBackendUnavailable
}
