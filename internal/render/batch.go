package render

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// DefaultBatchSize is the progress-reporting chunk size.
const DefaultBatchSize = 16

// Item is one frame ready for rendering. Camera is nil when the pose could
// not be projected into the frame.
type Item struct {
	Frame       *video.Frame
	Pose        pose.PoseResult
	Camera      *geometry.FullImageCamera
	FocalLength float64

	// SkipReason overrides the pass-through reason for skipped items.
	SkipReason string
}

// Stats counts render outcomes. Skipped frames never reached the renderer;
// Fallback frames reached it and passed through.
type Stats struct {
	Attempted  int           `json:"attempted"`
	Rendered   int           `json:"rendered"`
	Fallback   int           `json:"fallback"`
	Skipped    int           `json:"skipped"`
	RenderTime time.Duration `json:"render_time_ns"`
}

// MsPerFrame is the mean render time of successfully rendered frames.
func (s Stats) MsPerFrame() float64 {
	if s.Rendered == 0 {
		return 0
	}
	return float64(s.RenderTime.Microseconds()) / 1000 / float64(s.Rendered)
}

// PassThrough returns the number of output frames without an overlay.
func (s Stats) PassThrough() int { return s.Fallback + s.Skipped }

// ProgressFunc is called after each chunk with cumulative counts.
type ProgressFunc func(done, total int)

// BatchRenderer renders items in chunks and accumulates Stats across calls.
type BatchRenderer struct {
	renderer  *MeshRenderer
	batchSize int

	mu    sync.Mutex
	stats Stats
}

// NewBatchRenderer wraps r. batchSize <= 0 uses DefaultBatchSize.
func NewBatchRenderer(r *MeshRenderer, batchSize int) *BatchRenderer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchRenderer{renderer: r, batchSize: batchSize}
}

// BatchSize returns the chunk size.
func (b *BatchRenderer) BatchSize() int { return b.batchSize }

// Renderer returns the wrapped renderer.
func (b *BatchRenderer) Renderer() *MeshRenderer { return b.renderer }

// RenderAll renders items in order, one chunk at a time. Items whose pose
// failed, or that have no camera, are emitted as pass-through without a
// render call. If ctx is cancelled between chunks the frames finished so far
// are returned with ctx.Err().
func (b *BatchRenderer) RenderAll(ctx context.Context, items []Item, progress ProgressFunc) ([]video.RenderedFrame, error) {
	out := make([]video.RenderedFrame, 0, len(items))
	for start := 0; start < len(items); start += b.batchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		end := start + b.batchSize
		if end > len(items) {
			end = len(items)
		}
		for _, it := range items[start:end] {
			out = append(out, b.renderOne(it))
		}
		if progress != nil {
			progress(end, len(items))
		}
	}
	return out, nil
}

func (b *BatchRenderer) renderOne(it Item) video.RenderedFrame {
	if !it.Pose.Success || it.Camera == nil || it.Pose.Mesh == nil {
		reason := it.SkipReason
		if reason == "" {
			reason = string(it.Pose.Category)
		}
		if reason == "" {
			reason = string(pose.CategoryEstimation)
		}
		b.mu.Lock()
		b.stats.Skipped++
		b.mu.Unlock()
		return video.PassThrough(it.Frame, reason)
	}

	start := time.Now()
	rf := b.renderer.Render(it.Frame, it.Pose.Mesh, it.Camera, it.FocalLength)
	elapsed := time.Since(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Attempted++
	if rf.Rendered {
		b.stats.Rendered++
		b.stats.RenderTime += elapsed
	} else {
		b.stats.Fallback++
	}
	return rf
}

// Stats returns a snapshot of the accumulated counters.
func (b *BatchRenderer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
