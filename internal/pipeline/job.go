package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/meshoverlay/internal/timeutil"
)

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobError
}

// ErrorKind classifies job-fatal errors.
type ErrorKind string

const (
	// ErrorKindInput means the input video could not be read.
	ErrorKindInput ErrorKind = "input"
	// ErrorKindSystemic covers everything else that aborts a job: an
	// unwritable output, an encoder failure, a timeout or a lost pool.
	ErrorKindSystemic ErrorKind = "systemic"
)

var (
	ErrJobNotFound       = errors.New("pipeline: job not found")
	ErrInvalidTransition = errors.New("pipeline: invalid job transition")
)

// DefaultJobRetention is how long terminal jobs stay visible to PollStatus.
const DefaultJobRetention = time.Hour

// RunError reports a job that ended in the error state.
type RunError struct {
	JobID string
	Kind  ErrorKind
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("job %s failed (%s): %v", e.JobID, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Job is a snapshot of one pipeline run.
type Job struct {
	ID              string     `json:"job_id"`
	Status          JobStatus  `json:"status"`
	VideoPath       string     `json:"video_path"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalFrames     int        `json:"total_frames"`
	FramesCompleted int        `json:"frames_completed"`
	OutputPath      string     `json:"output_path,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
}

// Progress returns the completed fraction in [0,1].
func (j Job) Progress() float64 {
	if j.TotalFrames <= 0 {
		return 0
	}
	return float64(j.FramesCompleted) / float64(j.TotalFrames)
}

// JobTracker holds job state for polling. Every method is safe for
// concurrent use and none of them block on pipeline work.
type JobTracker struct {
	clock     timeutil.Clock
	retention time.Duration

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobTracker returns a tracker that keeps terminal jobs for retention.
// A nil clock uses the wall clock.
func NewJobTracker(clock timeutil.Clock, retention time.Duration) *JobTracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobTracker{clock: clock, retention: retention, jobs: make(map[string]*Job)}
}

// Create registers a queued job for videoPath.
func (t *JobTracker) Create(videoPath string) Job {
	j := &Job{
		ID:        uuid.NewString(),
		Status:    JobQueued,
		VideoPath: videoPath,
		CreatedAt: t.clock.Now(),
	}
	t.mu.Lock()
	t.jobs[j.ID] = j
	t.mu.Unlock()
	return *j
}

// Begin moves a queued job to processing.
func (t *JobTracker) Begin(id string) error {
	return t.update(id, func(j *Job) error {
		if j.Status != JobQueued {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobProcessing)
		}
		now := t.clock.Now()
		j.Status = JobProcessing
		j.StartedAt = &now
		return nil
	})
}

// SetTotal records the number of frames once they are known.
func (t *JobTracker) SetTotal(id string, total int) error {
	return t.update(id, func(j *Job) error {
		if j.Status != JobProcessing {
			return fmt.Errorf("%w: set total while %s", ErrInvalidTransition, j.Status)
		}
		j.TotalFrames = total
		if j.FramesCompleted > total {
			j.FramesCompleted = total
		}
		return nil
	})
}

// Advance raises the completed frame count. Lower values are ignored and
// the count never exceeds TotalFrames.
func (t *JobTracker) Advance(id string, completed int) error {
	return t.update(id, func(j *Job) error {
		if j.Status != JobProcessing {
			return fmt.Errorf("%w: advance while %s", ErrInvalidTransition, j.Status)
		}
		if completed > j.TotalFrames {
			completed = j.TotalFrames
		}
		if completed > j.FramesCompleted {
			j.FramesCompleted = completed
		}
		return nil
	})
}

// Complete marks a processing job as finished.
func (t *JobTracker) Complete(id string, result *JobResult) error {
	return t.update(id, func(j *Job) error {
		if j.Status != JobProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobComplete)
		}
		now := t.clock.Now()
		j.Status = JobComplete
		j.CompletedAt = &now
		j.FramesCompleted = j.TotalFrames
		j.Result = result
		if result != nil {
			j.OutputPath = result.OutputPath
		}
		return nil
	})
}

// Fail moves a queued or processing job to error. A partial result may be
// attached when some frames were written before the failure.
func (t *JobTracker) Fail(id string, kind ErrorKind, cause error, partial *JobResult) error {
	return t.update(id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobError)
		}
		now := t.clock.Now()
		j.Status = JobError
		j.CompletedAt = &now
		j.ErrorKind = kind
		j.Error = "unknown error"
		if cause != nil {
			j.Error = cause.Error()
		}
		j.Result = partial
		if partial != nil {
			j.OutputPath = partial.OutputPath
		}
		return nil
	})
}

func (t *JobTracker) update(id string, fn func(*Job) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return fn(j)
}

// Get returns a copy of the job.
func (t *JobTracker) Get(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *j, nil
}

// List returns copies of every retained job, oldest first.
func (t *JobTracker) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Counts returns the number of retained jobs in each status.
func (t *JobTracker) Counts() map[JobStatus]int {
	counts := map[JobStatus]int{JobQueued: 0, JobProcessing: 0, JobComplete: 0, JobError: 0}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, j := range t.jobs {
		counts[j.Status]++
	}
	return counts
}

// Evict drops terminal jobs that finished more than the retention period
// ago and returns how many were removed.
func (t *JobTracker) Evict() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, j := range t.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil {
			continue
		}
		if now.Sub(*j.CompletedAt) > t.retention {
			delete(t.jobs, id)
			n++
		}
	}
	if n > 0 {
		diagf("evicted %d job(s) older than %s", n, t.retention)
	}
	return n
}

// remove forgets a job that was never admitted.
func (t *JobTracker) remove(id string) {
	t.mu.Lock()
	delete(t.jobs, id)
	t.mu.Unlock()
}
