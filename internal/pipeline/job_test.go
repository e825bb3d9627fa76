package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/meshoverlay/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJobTracker_Lifecycle(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	tr := NewJobTracker(clock, time.Hour)

	job := tr.Create("in.mp4")
	assert.Equal(t, JobQueued, job.Status)

	clock.Advance(time.Second)
	require.NoError(t, tr.Begin(job.ID))
	require.NoError(t, tr.SetTotal(job.ID, 10))
	require.NoError(t, tr.Advance(job.ID, 4))
	require.NoError(t, tr.Advance(job.ID, 2)) // lower values are ignored
	got, err := tr.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.FramesCompleted)
	assert.InDelta(t, 0.4, got.Progress(), 1e-12)

	require.NoError(t, tr.Advance(job.ID, 99))
	got, _ = tr.Get(job.ID)
	assert.Equal(t, 10, got.FramesCompleted)

	clock.Advance(2 * time.Second)
	res := &JobResult{OutputPath: "/out/in_overlay.mp4", TotalFrames: 10}
	require.NoError(t, tr.Complete(job.ID, res))

	started := epoch.Add(time.Second)
	completed := epoch.Add(3 * time.Second)
	want := Job{
		ID:              job.ID,
		Status:          JobComplete,
		VideoPath:       "in.mp4",
		CreatedAt:       epoch,
		StartedAt:       &started,
		CompletedAt:     &completed,
		TotalFrames:     10,
		FramesCompleted: 10,
		OutputPath:      "/out/in_overlay.mp4",
		Result:          res,
	}
	got, err = tr.Get(job.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(JobResult{}, "Frames")); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}
}

func TestJobTracker_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()
	tr := NewJobTracker(nil, 0)

	done := tr.Create("a.mp4")
	require.NoError(t, tr.Begin(done.ID))
	require.NoError(t, tr.Complete(done.ID, nil))

	failed := tr.Create("b.mp4")
	require.NoError(t, tr.Fail(failed.ID, ErrorKindInput, errors.New("corrupt"), nil))

	for _, id := range []string{done.ID, failed.ID} {
		assert.ErrorIs(t, tr.Begin(id), ErrInvalidTransition)
		assert.ErrorIs(t, tr.Advance(id, 1), ErrInvalidTransition)
		assert.ErrorIs(t, tr.Complete(id, nil), ErrInvalidTransition)
		assert.ErrorIs(t, tr.Fail(id, ErrorKindSystemic, nil, nil), ErrInvalidTransition)
	}

	got, _ := tr.Get(failed.ID)
	assert.Equal(t, JobError, got.Status)
	assert.Equal(t, ErrorKindInput, got.ErrorKind)
	assert.Equal(t, "corrupt", got.Error)
	assert.Nil(t, got.StartedAt)
}

func TestJobTracker_CompleteRequiresProcessing(t *testing.T) {
	t.Parallel()
	tr := NewJobTracker(nil, 0)
	j := tr.Create("a.mp4")
	assert.ErrorIs(t, tr.Complete(j.ID, nil), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Advance(j.ID, 1), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Begin("nope"), ErrJobNotFound)
	_, err := tr.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobTracker_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	tr := NewJobTracker(nil, 0)
	j := tr.Create("a.mp4")

	snap, _ := tr.Get(j.ID)
	snap.Status = JobComplete
	snap.FramesCompleted = 50

	again, _ := tr.Get(j.ID)
	assert.Equal(t, JobQueued, again.Status)
	assert.Zero(t, again.FramesCompleted)
}

func TestJobTracker_Evict(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	tr := NewJobTracker(clock, 10*time.Minute)

	old := tr.Create("old.mp4")
	require.NoError(t, tr.Begin(old.ID))
	require.NoError(t, tr.Complete(old.ID, nil))

	running := tr.Create("running.mp4")
	require.NoError(t, tr.Begin(running.ID))
	queued := tr.Create("queued.mp4")

	clock.Advance(5 * time.Minute)
	recent := tr.Create("recent.mp4")
	require.NoError(t, tr.Fail(recent.ID, ErrorKindSystemic, errors.New("disk full"), nil))

	assert.Equal(t, 0, tr.Evict())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, tr.Evict())
	_, err := tr.Get(old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	ids := make([]string, 0)
	for _, j := range tr.List() {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{running.ID, queued.ID, recent.ID}, ids)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, tr.Evict())
	assert.Len(t, tr.List(), 2, "non-terminal jobs are never evicted")
}

func TestJobTracker_Counts(t *testing.T) {
	t.Parallel()
	tr := NewJobTracker(nil, 0)
	a := tr.Create("a")
	tr.Create("b")
	require.NoError(t, tr.Begin(a.ID))

	assert.Equal(t, map[JobStatus]int{JobQueued: 1, JobProcessing: 1, JobComplete: 0, JobError: 0}, tr.Counts())
}

func TestJobTracker_ConcurrentAdvanceKeepsMaximum(t *testing.T) {
	t.Parallel()
	tr := NewJobTracker(nil, 0)
	j := tr.Create("a")
	require.NoError(t, tr.Begin(j.ID))
	require.NoError(t, tr.SetTotal(j.ID, 100))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 100 - w; i >= 0; i -= 4 {
				_ = tr.Advance(j.ID, i)
			}
		}(w)
	}
	wg.Wait()
	got, _ := tr.Get(j.ID)
	assert.Equal(t, 100, got.FramesCompleted)
	assert.LessOrEqual(t, got.FramesCompleted, got.TotalFrames)
}
