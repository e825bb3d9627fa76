package pose

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// RunEstimation detects (when hint is nil) and estimates one frame. It never
// panics and never returns an error: every failure is reported on the
// returned PoseResult.
func RunEstimation(ctx context.Context, rt Runtime, frame *video.Frame, hint *geometry.BBox) (res PoseResult) {
	start := time.Now()
	res.FrameIndex = frame.Index
	defer func() {
		if r := recover(); r != nil {
			tracef("frame %d: estimator panic: %v\n%s", frame.Index, r, debug.Stack())
			res = Failed(frame.Index, CategoryEstimation, fmt.Errorf("estimator panic: %v", r))
		}
		res.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	if rt.Estimator == nil {
		return Failed(frame.Index, CategoryEstimation, errors.New("no estimator configured"))
	}

	box, err := resolveBox(ctx, rt.Detector, frame, hint)
	if err != nil {
		return Failed(frame.Index, categorize(err), err)
	}

	est, err := rt.Estimator.Estimate(ctx, frame, box)
	if err != nil {
		return Failed(frame.Index, categorize(err), err)
	}
	if err := est.Mesh.Validate(); err != nil {
		return Failed(frame.Index, CategoryEstimation, err)
	}
	if math.IsNaN(est.Camera.S+est.Camera.TX+est.Camera.TY) || math.IsInf(est.Camera.S+est.Camera.TX+est.Camera.TY, 0) {
		return Failed(frame.Index, CategoryEstimation, fmt.Errorf("non-finite camera %+v", est.Camera))
	}
	if est.BBox != nil {
		box = *est.BBox
	}

	cam := est.Camera
	return PoseResult{
		FrameIndex: frame.Index,
		Success:    true,
		Mesh:       est.Mesh,
		Camera:     &cam,
		BBox:       &box,
		Confidence: est.Confidence,
	}
}

func resolveBox(ctx context.Context, det Detector, frame *video.Frame, hint *geometry.BBox) (geometry.BBox, error) {
	if hint != nil {
		return *hint, nil
	}
	if det == nil {
		return geometry.BBox{X2: float64(frame.Width), Y2: float64(frame.Height)}, nil
	}
	box, ok, err := det.Detect(ctx, frame)
	if err != nil {
		return box, fmt.Errorf("detect: %w", err)
	}
	if !ok {
		return box, ErrNoSubject
	}
	return box, nil
}

func categorize(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrNoSubject):
		return CategoryNoSubject
	case errors.Is(err, ErrWorkerLost):
		return CategoryWorkerLost
	default:
		return CategoryEstimation
	}
}
