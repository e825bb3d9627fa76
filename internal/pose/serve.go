package pose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/meshoverlay/internal/video"
)

// NewWorkerLogger returns the JSON logger used inside worker processes. The
// parent parses these lines from the child's stderr.
func NewWorkerLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(level)
	return l
}

// ServeWorker runs the child side of the worker protocol: it announces
// readiness, then answers estimate requests until it reads a shutdown
// message or r reaches EOF. Per-frame failures are answered, not returned.
func ServeWorker(ctx context.Context, id int, rt Runtime, r io.Reader, w io.Writer, log *logrus.Logger) error {
	entry := log.WithField("worker_id", id)
	bw := bufio.NewWriter(w)
	send := func(resp wireResponse) error {
		if err := writeMessage(bw, resp); err != nil {
			return err
		}
		return bw.Flush()
	}

	if rt.Close != nil {
		defer func() {
			if err := rt.Close(); err != nil {
				entry.WithError(err).Warn("runtime close failed")
			}
		}()
	}

	if err := send(wireResponse{Type: msgReady, WorkerID: id}); err != nil {
		return fmt.Errorf("failed to announce ready: %w", err)
	}
	entry.Info("worker ready")

	br := bufio.NewReader(r)
	facesSent := false
	for {
		var req wireRequest
		err := readMessage(br, &req)
		if errors.Is(err, io.EOF) {
			entry.Info("input closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}

		switch req.Type {
		case msgShutdown:
			entry.Info("shutdown requested")
			return nil
		case msgEstimate:
		default:
			entry.WithField("type", req.Type).Warn("ignoring unknown message")
			continue
		}

		frame := &video.Frame{
			Index:     req.FrameIndex,
			Timestamp: req.Timestamp,
			Width:     req.Width,
			Height:    req.Height,
			Pix:       req.Pix,
		}
		var res PoseResult
		if err := frame.Validate(); err != nil {
			res = Failed(req.FrameIndex, CategoryEstimation, err)
		} else {
			res = RunEstimation(ctx, rt, frame, req.Hint)
		}

		resp := wireResponse{
			Type:         msgResult,
			WorkerID:     id,
			FrameIndex:   res.FrameIndex,
			Success:      res.Success,
			Camera:       res.Camera,
			BBox:         res.BBox,
			Confidence:   res.Confidence,
			Error:        res.Error,
			Category:     res.Category,
			ProcessingMs: res.ProcessingTimeMs,
		}
		if res.Success {
			resp.Vertices = flattenVertices(res.Mesh.Vertices)
			if !facesSent {
				resp.Faces = flattenFaces(res.Mesh.Faces)
				facesSent = true
			}
		} else {
			entry.WithFields(logrus.Fields{
				"frame_index": res.FrameIndex,
				"category":    res.Category,
			}).Debug(res.Error)
		}

		if err := send(resp); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
}
