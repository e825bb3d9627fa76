package pipeline

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	renderedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	degradedColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WriteTimingReport plots per-frame pose estimation time, with degraded
// frames marked separately, and saves it as a PNG at path.
func WriteTimingReport(path string, res *JobResult) error {
	if res == nil || len(res.Frames) == 0 {
		return fmt.Errorf("no frames to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Job %s - pose time per frame (%d rendered, %d degraded)",
		shortID(res.JobID), res.RenderedFrames, res.DegradedFrameCount)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Pose time (ms)"

	ok := make(plotter.XYs, 0, len(res.Frames))
	bad := make(plotter.XYs, 0)
	for _, f := range res.Frames {
		pt := plotter.XY{X: float64(f.FrameIndex), Y: f.PoseMs}
		if f.Rendered {
			ok = append(ok, pt)
		} else {
			bad = append(bad, pt)
		}
	}

	if len(ok) > 0 {
		line, err := plotter.NewLine(ok)
		if err != nil {
			return err
		}
		line.Color = renderedColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("rendered", line)
	}
	if len(bad) > 0 {
		sc, err := plotter.NewScatter(bad)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = degradedColor
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("degraded", sc)
	}
	if res.Stages.Pose.MeanMs > 0 {
		mean, err := plotter.NewLine(plotter.XYs{
			{X: 0, Y: res.Stages.Pose.MeanMs},
			{X: float64(len(res.Frames) - 1), Y: res.Stages.Pose.MeanMs},
		})
		if err != nil {
			return err
		}
		mean.Color = color.Gray{Y: 128}
		mean.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(mean)
		p.Legend.Add(fmt.Sprintf("mean %.1f ms", res.Stages.Pose.MeanMs), mean)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save timing report: %w", err)
	}
	diagf("timing report written to %s", path)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
