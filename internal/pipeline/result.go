package pipeline

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/meshoverlay/internal/render"
)

// ReasonUnprojectable marks frames whose pose could not be placed in the
// full image.
const ReasonUnprojectable = "unprojectable"

// FrameOutcome is what happened to one frame.
type FrameOutcome struct {
	FrameIndex       int     `json:"frame_index"`
	PoseSuccess      bool    `json:"pose_success"`
	Rendered         bool    `json:"rendered"`
	Reason           string  `json:"reason,omitempty"`
	PoseMs           float64 `json:"pose_ms"`
	WorkerID         int     `json:"worker_id"`
	Confidence       float64 `json:"confidence,omitempty"`
	ScaleSubstituted bool    `json:"scale_substituted,omitempty"`
	BoxNormalized    bool    `json:"box_normalized,omitempty"`
}

// PoseStats summarises the estimation stage.
type PoseStats struct {
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	MeanMs      float64 `json:"mean_ms"`
	StdDevMs    float64 `json:"stddev_ms"`
	MaxMs       float64 `json:"max_ms"`
	Workers     int     `json:"workers"`
	LiveWorkers int     `json:"live_workers"`
}

// StageStats holds per-stage wall times and counters.
type StageStats struct {
	ExtractSeconds float64      `json:"extract_seconds"`
	PoseSeconds    float64      `json:"pose_seconds"`
	EncodeSeconds  float64      `json:"encode_seconds"`
	Pose           PoseStats    `json:"pose"`
	Render         render.Stats `json:"render"`
	RenderMsFrame  float64      `json:"render_ms_per_frame"`
	RenderBackend  string       `json:"render_backend"`
}

// JobResult is returned by a synchronous run and attached to completed jobs.
type JobResult struct {
	JobID             string  `json:"job_id"`
	OutputPath        string  `json:"output_path"`
	TotalFrames       int     `json:"total_frames"`
	FramesWritten     int     `json:"frames_written"`
	FPS               float64 `json:"fps"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	ProcessingSeconds float64 `json:"processing_seconds"`
	OutputSizeMB      float64 `json:"output_size_mb"`
	FocalLength       float64 `json:"focal_length"`

	RenderedFrames     int            `json:"rendered_frames"`
	DegradedFrameCount int            `json:"degraded_frame_count"`
	DegradedByReason   map[string]int `json:"degraded_by_reason"`
	ScaleSubstitutions int            `json:"scale_substitutions"`
	BoxNormalizations  int            `json:"box_normalizations"`

	Stages     StageStats     `json:"stages"`
	ReportPath string         `json:"report_path,omitempty"`
	Frames     []FrameOutcome `json:"-"`
}

// summarize fills the counters derived from per-frame outcomes. Only frames
// that reached the output are counted.
func (r *JobResult) summarize() {
	r.DegradedByReason = make(map[string]int)
	r.RenderedFrames, r.DegradedFrameCount = 0, 0
	r.ScaleSubstitutions, r.BoxNormalizations = 0, 0

	var poseMs []float64
	for _, f := range r.Frames {
		if f.ScaleSubstituted {
			r.ScaleSubstitutions++
		}
		if f.BoxNormalized {
			r.BoxNormalizations++
		}
		if f.PoseSuccess {
			r.Stages.Pose.Succeeded++
		} else {
			r.Stages.Pose.Failed++
		}
		if f.PoseMs > 0 {
			poseMs = append(poseMs, f.PoseMs)
			if f.PoseMs > r.Stages.Pose.MaxMs {
				r.Stages.Pose.MaxMs = f.PoseMs
			}
		}
		if f.Rendered {
			r.RenderedFrames++
			continue
		}
		r.DegradedFrameCount++
		r.DegradedByReason[f.Reason]++
	}

	switch len(poseMs) {
	case 0:
	case 1:
		r.Stages.Pose.MeanMs = poseMs[0]
	default:
		r.Stages.Pose.MeanMs, r.Stages.Pose.StdDevMs = stat.MeanStdDev(poseMs, nil)
	}
	r.Stages.RenderMsFrame = r.Stages.Render.MsPerFrame()
}

// DegradedReasons returns the degraded-frame reasons sorted by count, most
// frequent first.
func (r *JobResult) DegradedReasons() []string {
	reasons := make([]string, 0, len(r.DegradedByReason))
	for k := range r.DegradedByReason {
		reasons = append(reasons, k)
	}
	sort.Slice(reasons, func(a, b int) bool {
		ca, cb := r.DegradedByReason[reasons[a]], r.DegradedByReason[reasons[b]]
		if ca != cb {
			return ca > cb
		}
		return reasons[a] < reasons[b]
	})
	return reasons
}
