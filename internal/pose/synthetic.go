package pose

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// BoxMesh returns a closed axis-aligned box centred on the origin with the
// given half extents: 8 vertices and 12 triangles wound outward.
func BoxMesh(hx, hy, hz float64) *MeshGeometry {
	v := []r3.Vec{
		{X: -hx, Y: -hy, Z: -hz}, {X: hx, Y: -hy, Z: -hz}, {X: hx, Y: hy, Z: -hz}, {X: -hx, Y: hy, Z: -hz},
		{X: -hx, Y: -hy, Z: hz}, {X: hx, Y: -hy, Z: hz}, {X: hx, Y: hy, Z: hz}, {X: -hx, Y: hy, Z: hz},
	}
	f := [][3]int{
		{0, 2, 1}, {0, 3, 2}, // back
		{4, 5, 6}, {4, 6, 7}, // front
		{0, 1, 5}, {0, 5, 4}, // bottom
		{3, 7, 6}, {3, 6, 2}, // top
		{0, 4, 7}, {0, 7, 3}, // left
		{1, 2, 6}, {1, 6, 5}, // right
	}
	return &MeshGeometry{Vertices: v, Faces: f}
}

// SyntheticEstimator returns a fixed mesh and camera for every frame. It
// stands in for a real model in tests and on hosts without one.
type SyntheticEstimator struct {
	Mesh       *MeshGeometry
	Camera     geometry.CropCamera
	Confidence float64
}

// NewSyntheticEstimator returns an estimator producing a torso-sized box
// that fills most of the crop.
func NewSyntheticEstimator() *SyntheticEstimator {
	return &SyntheticEstimator{
		Mesh:       BoxMesh(0.35, 0.9, 0.2),
		Camera:     geometry.CropCamera{S: 0.9},
		Confidence: 1,
	}
}

// Estimate returns a copy of the canned mesh so callers may not alias it.
func (e *SyntheticEstimator) Estimate(ctx context.Context, frame *video.Frame, box geometry.BBox) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	mesh := &MeshGeometry{
		Vertices: append([]r3.Vec(nil), e.Mesh.Vertices...),
		Faces:    e.Mesh.Faces,
	}
	return Estimate{Mesh: mesh, Camera: e.Camera, Confidence: e.Confidence}, nil
}

// ForegroundDetector treats pixels that differ from the frame's top-left
// pixel as foreground and returns their bounding box.
type ForegroundDetector struct {
	// Threshold is the summed absolute RGB difference above which a pixel
	// counts as foreground. Defaults to 30.
	Threshold int
	// MinPixels is the foreground pixel count below which no subject is
	// reported. Defaults to 16.
	MinPixels int
}

// Detect implements Detector.
func (d ForegroundDetector) Detect(ctx context.Context, frame *video.Frame) (geometry.BBox, bool, error) {
	if err := ctx.Err(); err != nil {
		return geometry.BBox{}, false, err
	}
	if err := frame.Validate(); err != nil {
		return geometry.BBox{}, false, err
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = 30
	}
	minPixels := d.MinPixels
	if minPixels <= 0 {
		minPixels = 16
	}

	bg := frame.Pix[:3]
	minX, minY := frame.Width, frame.Height
	maxX, maxY := -1, -1
	count := 0
	for y := 0; y < frame.Height; y++ {
		row := frame.Pix[y*frame.Width*3 : (y+1)*frame.Width*3]
		for x := 0; x < frame.Width; x++ {
			p := row[x*3 : x*3+3]
			diff := absDiff(p[0], bg[0]) + absDiff(p[1], bg[1]) + absDiff(p[2], bg[2])
			if diff <= threshold {
				continue
			}
			count++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if count < minPixels {
		return geometry.BBox{}, false, nil
	}
	return geometry.BBox{
		X1: float64(minX),
		Y1: float64(minY),
		X2: float64(maxX + 1),
		Y2: float64(maxY + 1),
	}, true, nil
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
