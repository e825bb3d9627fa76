package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/meshoverlay/internal/pipeline"
)

// Client calls JobService over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func jobRequest(id string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(id),
	}}
}

// GetJob fetches one snapshot.
func (c *Client) GetJob(ctx context.Context, id string, opts ...grpc.CallOption) (pipeline.Job, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getJobMethod, jobRequest(id), out, opts...); err != nil {
		return pipeline.Job{}, err
	}
	return structToJob(out)
}

// WatchJob calls fn for every snapshot until the job is terminal, fn
// returns an error, or ctx ends.
func (c *Client) WatchJob(ctx context.Context, id string, fn func(pipeline.Job) error, opts ...grpc.CallOption) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchJobMethod, opts...)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(jobRequest(id)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		job, err := structToJob(msg)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
}
