package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/meshoverlay/internal/pipeline"
	"github.com/banshee-data/meshoverlay/internal/timeutil"
)

// DefaultWatchInterval is how often WatchJob polls for changes.
const DefaultWatchInterval = 250 * time.Millisecond

// JobSource answers job lookups. *pipeline.Orchestrator implements it.
type JobSource interface {
	PollStatus(jobID string) (pipeline.Job, error)
}

// JobServer implements JobServiceServer over a JobSource.
type JobServer struct {
	jobs     JobSource
	interval time.Duration
	clock    timeutil.Clock
}

// NewJobServer polls jobs every interval while watching. A nil clock uses
// wall time.
func NewJobServer(jobs JobSource, interval time.Duration, clock timeutil.Clock) *JobServer {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &JobServer{jobs: jobs, interval: interval, clock: clock}
}

func (s *JobServer) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.poll(req)
	if err != nil {
		return nil, err
	}
	return jobToStruct(job)
}

// WatchJob sends the current snapshot, then one more each time the status
// or progress changes. The stream ends after the terminal snapshot.
func (s *JobServer) WatchJob(req *structpb.Struct, stream grpc.ServerStream) error {
	job, err := s.poll(req)
	if err != nil {
		return err
	}
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	var last *pipeline.Job
	for {
		if last == nil || job.Status != last.Status || job.FramesCompleted != last.FramesCompleted {
			msg, err := jobToStruct(job)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			snap := job
			last = &snap
		}
		if job.Status.Terminal() {
			return nil
		}

		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-ticker.C():
		}
		if job, err = s.poll(req); err != nil {
			return err
		}
	}
}

func (s *JobServer) poll(req *structpb.Struct) (pipeline.Job, error) {
	id := req.GetFields()["job_id"].GetStringValue()
	if id == "" {
		return pipeline.Job{}, status.Error(codes.InvalidArgument, "job_id is required")
	}
	job, err := s.jobs.PollStatus(id)
	if errors.Is(err, pipeline.ErrJobNotFound) {
		return pipeline.Job{}, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return pipeline.Job{}, status.Error(codes.Internal, err.Error())
	}
	return job, nil
}

// jobToStruct encodes job as its JSON object plus "progress".
func jobToStruct(job pipeline.Job) (*structpb.Struct, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode job: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode job: %v", err)
	}
	m["progress"] = job.Progress()
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode job: %v", err)
	}
	return out, nil
}

// structToJob reverses jobToStruct.
func structToJob(s *structpb.Struct) (pipeline.Job, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return pipeline.Job{}, err
	}
	var job pipeline.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return pipeline.Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}
