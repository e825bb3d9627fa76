package pipeline

// Health states reported by Orchestrator.Health.
const (
	HealthReady        = "ready"
	HealthDegraded     = "degraded"
	HealthInitializing = "initializing"
)

// PoolStatus describes the pose pool and the job queue.
type PoolStatus struct {
	Workers     int               `json:"workers"`
	LiveWorkers int               `json:"live_workers"`
	QueueDepth  int               `json:"queue_depth"`
	JobsWaiting int               `json:"jobs_waiting"`
	Jobs        map[JobStatus]int `json:"jobs"`
}

// Health summarises whether jobs can be served at full quality.
type Health struct {
	Status            string   `json:"status"`
	Workers           int      `json:"workers"`
	LiveWorkers       int      `json:"live_workers"`
	RendererAvailable bool     `json:"renderer_available"`
	RenderBackend     string   `json:"render_backend"`
	Problems          []string `json:"problems,omitempty"`
}

// PoolStatus returns a snapshot of pool and queue occupancy.
func (o *Orchestrator) PoolStatus() PoolStatus {
	return PoolStatus{
		Workers:     o.pool.Size(),
		LiveWorkers: o.pool.LiveWorkers(),
		QueueDepth:  o.pool.QueueDepth(),
		JobsWaiting: len(o.queue),
		Jobs:        o.tracker.Counts(),
	}
}

// Health reports initializing until Start, degraded when workers were lost
// or the renderer is unavailable, and ready otherwise. A degraded service
// still completes jobs.
func (o *Orchestrator) Health() Health {
	h := Health{
		Workers:           o.pool.Size(),
		LiveWorkers:       o.pool.LiveWorkers(),
		RendererAvailable: o.renderer.Available(),
		RenderBackend:     o.renderer.BackendName(),
	}
	o.mu.Lock()
	started := o.started && !o.closed
	o.mu.Unlock()

	if h.LiveWorkers < h.Workers {
		h.Problems = append(h.Problems, "pose workers lost")
	}
	if !h.RendererAvailable {
		h.Problems = append(h.Problems, "renderer unavailable")
	}
	switch {
	case !started:
		h.Status = HealthInitializing
	case len(h.Problems) > 0:
		h.Status = HealthDegraded
	default:
		h.Status = HealthReady
	}
	return h
}
