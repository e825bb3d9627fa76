package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/meshoverlay/internal/httputil"
	"github.com/banshee-data/meshoverlay/internal/pipeline"
)

// handleJobTiming renders per-frame pose time as an HTML line chart, with
// degraded frames in their own series.
func (s *Server) handleJobTiming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	job, err := s.lookup(r.Context(), id)
	if errors.Is(err, pipeline.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	var frames []pipeline.FrameOutcome
	if job.Result != nil {
		frames = job.Result.Frames
	}
	if len(frames) == 0 && s.history != nil {
		frames, err = s.history.FrameOutcomes(r.Context(), id)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	if len(frames) == 0 {
		httputil.NotFound(w, "no frame timings for job")
		return
	}

	var buf bytes.Buffer
	if err := timingChart(job, frames).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func timingChart(job pipeline.Job, frames []pipeline.FrameOutcome) *charts.Line {
	x := make([]string, len(frames))
	rendered := make([]opts.LineData, len(frames))
	degraded := make([]opts.LineData, len(frames))
	nDegraded := 0
	for i, f := range frames {
		x[i] = strconv.Itoa(f.FrameIndex)
		// "-" leaves a gap in an echarts series.
		if f.Rendered {
			rendered[i] = opts.LineData{Value: f.PoseMs}
			degraded[i] = opts.LineData{Value: "-"}
		} else {
			rendered[i] = opts.LineData{Value: "-"}
			degraded[i] = opts.LineData{Value: f.PoseMs, Name: f.Reason}
			nDegraded++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Job timing", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Pose time per frame",
			Subtitle: fmt.Sprintf("job=%s status=%s frames=%d degraded=%d", job.ID, job.Status, len(frames), nDegraded),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(x).
		AddSeries("rendered", rendered,
			charts.WithMarkLineNameTypeItemOpts(opts.MarkLineNameTypeItem{Name: "mean", Type: "average"}),
		).
		AddSeries("degraded", degraded)
	return line
}
