// Package pose runs per-frame body mesh estimation on a small pool of
// long-lived workers.
//
// Each worker owns its own estimator instance, either in a child process
// (the default) or in-process. The pool only exposes Submit, Collect, Start
// and Stop; results come back in completion order, not frame order, and
// callers re-key them by FrameIndex.
package pose

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

var (
	// ErrNoSubject is returned by detectors and estimators when the frame
	// contains no person.
	ErrNoSubject = errors.New("pose: no subject detected")

	// ErrWorkerLost is reported for work that was assigned to a worker whose
	// process died.
	ErrWorkerLost = errors.New("pose: worker lost")

	// ErrPoolClosed is returned by Submit and Collect after Stop.
	ErrPoolClosed = errors.New("pose: pool closed")

	// ErrInvalidMesh is returned when an estimator produces unusable geometry.
	ErrInvalidMesh = errors.New("pose: invalid mesh")
)

// Category classifies why a frame could not be estimated.
type Category string

const (
	CategoryNone       Category = ""
	CategoryNoSubject  Category = "no_subject"
	CategoryEstimation Category = "estimation_error"
	CategoryWorkerLost Category = "worker_lost"
)

// MeshGeometry is a triangle mesh in model space. Faces index into Vertices
// and are the same for every frame of a run.
type MeshGeometry struct {
	Vertices []r3.Vec
	Faces    [][3]int
}

// Validate checks the mesh is non-empty, finite and that faces are in range.
func (m *MeshGeometry) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil mesh", ErrInvalidMesh)
	}
	if len(m.Vertices) == 0 || len(m.Faces) == 0 {
		return fmt.Errorf("%w: %d vertices, %d faces", ErrInvalidMesh, len(m.Vertices), len(m.Faces))
	}
	for i, v := range m.Vertices {
		if math.IsNaN(v.X+v.Y+v.Z) || math.IsInf(v.X+v.Y+v.Z, 0) {
			return fmt.Errorf("%w: vertex %d is not finite", ErrInvalidMesh, i)
		}
	}
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%w: face %d references vertex %d of %d", ErrInvalidMesh, i, idx, n)
			}
		}
	}
	return nil
}

// SameTopology reports whether both meshes share the same face list.
func SameTopology(a, b [][3]int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Estimate is an estimator's output for one frame.
type Estimate struct {
	Mesh       *MeshGeometry
	Camera     geometry.CropCamera
	Confidence float64

	// BBox, when set, replaces the detection box the estimator was given.
	// Estimators that run their own detection report it here.
	BBox *geometry.BBox
}

// PoseResult is the outcome of estimating one frame. Success implies Mesh,
// Camera and BBox are set and Error is empty.
type PoseResult struct {
	FrameIndex       int                  `json:"frame_index"`
	Success          bool                 `json:"success"`
	Mesh             *MeshGeometry        `json:"-"`
	Camera           *geometry.CropCamera `json:"camera,omitempty"`
	BBox             *geometry.BBox       `json:"bbox,omitempty"`
	Confidence       float64              `json:"confidence,omitempty"`
	Error            string               `json:"error,omitempty"`
	Category         Category             `json:"category,omitempty"`
	ProcessingTimeMs float64              `json:"processing_time_ms"`
	WorkerID         int                  `json:"worker_id"`
}

// Failed builds an unsuccessful result for frameIndex.
func Failed(frameIndex int, cat Category, err error) PoseResult {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return PoseResult{FrameIndex: frameIndex, Category: cat, Error: msg}
}

// Estimator predicts a body mesh and crop camera for a subject in frame
// within box. Implementations need not be safe for concurrent use; each
// worker owns one.
type Estimator interface {
	Estimate(ctx context.Context, frame *video.Frame, box geometry.BBox) (Estimate, error)
}

// Detector finds the subject in a frame. ok is false when nobody is visible.
type Detector interface {
	Detect(ctx context.Context, frame *video.Frame) (box geometry.BBox, ok bool, err error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, frame *video.Frame, box geometry.BBox) (Estimate, error)

// Estimate calls f.
func (f EstimatorFunc) Estimate(ctx context.Context, frame *video.Frame, box geometry.BBox) (Estimate, error) {
	return f(ctx, frame, box)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame *video.Frame) (geometry.BBox, bool, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame *video.Frame) (geometry.BBox, bool, error) {
	return f(ctx, frame)
}

// Runtime is the estimation stack hosted by one worker. Detector may be nil,
// in which case frames without a hint use the full image as the box.
type Runtime struct {
	Detector  Detector
	Estimator Estimator
	// Close releases the runtime's resources. Optional.
	Close func() error
}
