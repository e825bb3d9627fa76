// Package geometry converts estimator camera output from normalised crop
// space into the coordinate system of the original frame.
//
// Estimators predict a weak-perspective camera relative to a square crop
// around the subject. Rendering needs a perspective camera translation in
// full-image space, so the crop normalisation is undone using the detection
// box position and size. Every function here is pure; fallback
// substitutions are reported in the returned Projection and on the ops log.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// cropEpsilon keeps the box-scaled denominator away from zero.
const cropEpsilon = 1e-9

// ErrUnprojectable is returned when camera, box or image parameters contain
// non-finite values or describe a degenerate region.
var ErrUnprojectable = errors.New("geometry: unprojectable camera")

// BBox is an axis-aligned detection box in original-frame pixels.
type BBox struct {
	X1 float64 `json:"x1" msgpack:"x1"`
	Y1 float64 `json:"y1" msgpack:"y1"`
	X2 float64 `json:"x2" msgpack:"x2"`
	Y2 float64 `json:"y2" msgpack:"y2"`
}

// Normalize returns the box with X1<=X2 and Y1<=Y2. The boolean reports
// whether any coordinates had to be swapped.
func (b BBox) Normalize() (BBox, bool) {
	swapped := false
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
		swapped = true
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
		swapped = true
	}
	return b, swapped
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Center returns the box centre in pixels.
func (b BBox) Center() r2.Vec {
	return r2.Vec{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Size returns the side of the square crop fed to the estimator, which is
// the larger of the box width and height.
func (b BBox) Size() float64 {
	return math.Max(b.Width(), b.Height())
}

func (b BBox) finite() bool {
	return finite(b.X1) && finite(b.Y1) && finite(b.X2) && finite(b.Y2)
}

// ImageSize is the pixel size of the original frame.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MaxSide returns the larger image dimension.
func (s ImageSize) MaxSide() float64 {
	return math.Max(float64(s.Width), float64(s.Height))
}

// CropCamera holds weak-perspective parameters predicted in crop space.
// A crop-space point is obtained as x' = S*(x + TX), y' = S*(y + TY), the
// same convention CropToFull inverts.
type CropCamera struct {
	S  float64 `json:"s" msgpack:"s"`
	TX float64 `json:"tx" msgpack:"tx"`
	TY float64 `json:"ty" msgpack:"ty"`
}

// Apply maps a model-space point into normalised crop space.
func (c CropCamera) Apply(p r2.Vec) r2.Vec {
	return r2.Vec{X: c.S * (p.X + c.TX), Y: c.S * (p.Y + c.TY)}
}

func (c CropCamera) finite() bool {
	return finite(c.S) && finite(c.TX) && finite(c.TY)
}

// FullImageCamera is the camera translation in full-image space used by the
// rasteriser together with Intrinsics.
type FullImageCamera struct {
	TX float64 `json:"tx"`
	TY float64 `json:"ty"`
	TZ float64 `json:"tz"`
}

// Vec returns the translation as a vector.
func (c FullImageCamera) Vec() r3.Vec {
	return r3.Vec{X: c.TX, Y: c.TY, Z: c.TZ}
}

// Intrinsics describe a pinhole camera with square pixels.
type Intrinsics struct {
	FocalLength float64 `json:"focal_length"`
	CX          float64 `json:"cx"`
	CY          float64 `json:"cy"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

// NewIntrinsics places the principal point at the image centre.
func NewIntrinsics(focalLength float64, img ImageSize) Intrinsics {
	return Intrinsics{
		FocalLength: focalLength,
		CX:          float64(img.Width) / 2,
		CY:          float64(img.Height) / 2,
		Width:       img.Width,
		Height:      img.Height,
	}
}

// Projection is the result of converting a crop camera to full-image space.
type Projection struct {
	Camera FullImageCamera `json:"camera"`

	// ScaleSubstituted is set when a non-positive crop scale was replaced by 1.0.
	ScaleSubstituted bool `json:"scale_substituted,omitempty"`

	// BoxNormalized is set when an inverted detection box was reordered.
	BoxNormalized bool `json:"box_normalized,omitempty"`
}

// ScaledFocalLength derives the assumed focal length for a frame from the
// estimator's training focal length and input resolution.
func ScaledFocalLength(modelFocalLength, modelImageSize float64, img ImageSize) float64 {
	if modelImageSize <= 0 {
		return modelFocalLength
	}
	return modelFocalLength / modelImageSize * img.MaxSide()
}

// CropToFull converts a weak-perspective crop camera into a full-image
// camera translation.
//
// With b = max(box width, box height) and bs = b*s + eps:
//
//	tz = 2*focal/bs
//	tx = 2*(cx - W/2)/bs + s_tx
//	ty = 2*(cy - H/2)/bs + s_ty
//
// A non-positive scale is replaced with 1.0 and an inverted box is
// normalised; both are reported on the returned Projection. Non-finite input
// or output, a zero-size box, a non-positive focal length or an empty image
// yield ErrUnprojectable.
func CropToFull(cam CropCamera, box BBox, img ImageSize, focalLength float64) (Projection, error) {
	var proj Projection

	if !cam.finite() {
		return proj, fmt.Errorf("%w: crop camera %+v", ErrUnprojectable, cam)
	}
	if !box.finite() {
		return proj, fmt.Errorf("%w: bbox %+v", ErrUnprojectable, box)
	}
	if !finite(focalLength) || focalLength <= 0 {
		return proj, fmt.Errorf("%w: focal length %v", ErrUnprojectable, focalLength)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return proj, fmt.Errorf("%w: image size %dx%d", ErrUnprojectable, img.Width, img.Height)
	}

	if cam.S <= 0 {
		opsf("crop scale %.6g is not positive, substituting 1.0", cam.S)
		cam.S = 1.0
		proj.ScaleSubstituted = true
	}

	box, proj.BoxNormalized = box.Normalize()
	if proj.BoxNormalized {
		diagf("inverted bbox normalised to %+v", box)
	}

	b := box.Size()
	if b <= 0 {
		return proj, fmt.Errorf("%w: zero-size bbox %+v", ErrUnprojectable, box)
	}

	bs := b*cam.S + cropEpsilon
	center := box.Center()
	proj.Camera = FullImageCamera{
		TX: 2*(center.X-float64(img.Width)/2)/bs + cam.TX,
		TY: 2*(center.Y-float64(img.Height)/2)/bs + cam.TY,
		TZ: 2 * focalLength / bs,
	}

	if !finite(proj.Camera.TX) || !finite(proj.Camera.TY) || !finite(proj.Camera.TZ) {
		return proj, fmt.Errorf("%w: result %+v", ErrUnprojectable, proj.Camera)
	}

	tracef("crop %+v bbox %+v img %dx%d focal %.1f -> %+v",
		cam, box, img.Width, img.Height, focalLength, proj.Camera)
	return proj, nil
}

// ProjectVertices applies the full-image camera translation and perspective
// intrinsics to 3D points, returning pixel coordinates (y down). Points at or
// behind the camera plane are returned as NaN so callers can skip them.
func ProjectVertices(vertices []r3.Vec, cam FullImageCamera, intr Intrinsics) []r2.Vec {
	out := make([]r2.Vec, len(vertices))
	t := cam.Vec()
	for i, v := range vertices {
		p := r3.Add(v, t)
		if p.Z <= 0 || !finite(p.Z) {
			out[i] = r2.Vec{X: math.NaN(), Y: math.NaN()}
			continue
		}
		out[i] = r2.Vec{
			X: intr.FocalLength*p.X/p.Z + intr.CX,
			Y: intr.FocalLength*p.Y/p.Z + intr.CY,
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
