package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/meshoverlay/internal/config"
	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pipeline"
	"github.com/banshee-data/meshoverlay/internal/pose"
	"github.com/banshee-data/meshoverlay/internal/render"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// remoteTimeout bounds a single request to the pose service.
const remoteTimeout = 30 * time.Second

func loadConfig(path string) (*config.PipelineConfig, error) {
	if path == "" {
		return config.DefaultPipelineConfig(), nil
	}
	return config.LoadPipelineConfig(path)
}

// setupLogging routes every package's ops stream to stderr, diagnostics to
// stderr when verbose, and trace output to traceFile when set. The returned
// func closes the trace file.
func setupLogging(stderr io.Writer, verbose bool, traceFile string) (func(), error) {
	var diag, trace io.Writer
	if verbose {
		diag = stderr
	}
	closeFn := func() {}
	if traceFile != "" {
		f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		trace = f
		closeFn = func() { f.Close() }
	}
	geometry.SetLogWriters(stderr, diag, trace)
	video.SetLogWriters(stderr, diag, trace)
	pose.SetLogWriters(stderr, diag, trace)
	render.SetLogWriters(stderr, diag, trace)
	pipeline.SetLogWriters(stderr, diag, trace)
	return closeFn, nil
}

// runtimeFactory loads the estimator named by the configuration.
func runtimeFactory(cfg *config.PipelineConfig) (pose.RuntimeFactory, error) {
	switch cfg.GetEstimator() {
	case config.EstimatorSynthetic:
		return func(ctx context.Context, id int) (pose.Runtime, error) {
			return pose.Runtime{
				Detector:  pose.ForegroundDetector{},
				Estimator: pose.NewSyntheticEstimator(),
			}, nil
		}, nil
	case config.EstimatorRemote:
		url := cfg.GetPoseServiceURL()
		if url == "" {
			return nil, fmt.Errorf("estimator %q requires pose_service_url", config.EstimatorRemote)
		}
		client := &http.Client{Timeout: remoteTimeout}
		return func(ctx context.Context, id int) (pose.Runtime, error) {
			// The pose service does its own person detection.
			return pose.Runtime{Estimator: pose.NewRemoteEstimator(url, client)}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", cfg.GetEstimator())
	}
}

// workerCommand is the command line that starts one pose worker process.
// The pool appends the worker id.
func workerCommand(cfg *config.PipelineConfig, cfgPath string) ([]string, error) {
	if len(cfg.WorkerCommand) > 0 {
		return cfg.WorkerCommand, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	cmd := []string{exe, "worker"}
	if cfgPath != "" {
		cmd = append(cmd, "-config", cfgPath)
	}
	return cmd, nil
}

func buildPool(cfg *config.PipelineConfig, cfgPath string) (*pose.Pool, error) {
	var factory pose.WorkerFactory
	switch cfg.GetWorkerMode() {
	case config.WorkerModeProcess:
		command, err := workerCommand(cfg, cfgPath)
		if err != nil {
			return nil, err
		}
		factory = pose.NewProcessWorkerFactory(pose.ProcessConfig{Command: command})
	case config.WorkerModeInProcess:
		newRuntime, err := runtimeFactory(cfg)
		if err != nil {
			return nil, err
		}
		factory = pose.NewLocalWorkerFactory(newRuntime)
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.GetWorkerMode())
	}
	return pose.NewPool(pose.PoolConfig{
		Workers:        cfg.GetWorkers(),
		QueueSize:      cfg.GetQueueSize(),
		StartupStagger: cfg.GetStartupStagger(),
		StartupTimeout: cfg.GetStartupTimeout(),
		Factory:        factory,
	})
}

func buildRenderer(cfg *config.PipelineConfig) (*render.MeshRenderer, error) {
	switch cfg.GetRenderBackend() {
	case config.RenderBackendSoftware:
		return render.NewMeshRenderer(render.NewSoftwareBackend()), nil
	case config.RenderBackendNone:
		return render.NewMeshRenderer(render.UnavailableBackend{Reason: "disabled by configuration"}), nil
	default:
		return nil, fmt.Errorf("unknown render backend %q", cfg.GetRenderBackend())
	}
}

func videoOptions(cfg *config.PipelineConfig) video.Options {
	return video.Options{
		FFmpeg: video.FFmpegOptions{
			FFmpegPath:  cfg.GetFFmpegPath(),
			FFprobePath: cfg.GetFFprobePath(),
			Codec:       cfg.GetVideoCodec(),
		},
		SequenceFPS: cfg.GetSequenceFPS(),
	}
}

func orchestratorConfig(cfg *config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		FocalLength:      cfg.GetFocalLength(),
		ModelFocalLength: cfg.GetModelFocalLength(),
		ModelImageSize:   cfg.GetModelImageSize(),
		RenderBatchSize:  cfg.GetRenderBatchSize(),
		JobTimeout:       cfg.GetJobTimeout(),
		JobRetention:     cfg.GetJobRetention(),
		QueueCapacity:    cfg.GetJobQueueCapacity(),
		OutputDir:        cfg.GetOutputDir(),
		OutputExt:        cfg.GetOutputExt(),
		InputDirs:        cfg.InputDirs,
		ReportDir:        cfg.GetReportDir(),
	}
}

// newOrchestrator wires the pool, renderer and video layer together. The
// recorder may be nil.
func newOrchestrator(cfg *config.PipelineConfig, pool pipeline.PosePool, recorder pipeline.JobRecorder) (*pipeline.Orchestrator, error) {
	renderer, err := buildRenderer(cfg)
	if err != nil {
		return nil, err
	}
	opts := videoOptions(cfg)
	return pipeline.NewOrchestrator(orchestratorConfig(cfg), pipeline.Deps{
		Pool:        pool,
		Renderer:    renderer,
		OpenSource:  video.NewSourceOpener(opts),
		OpenEncoder: video.NewEncoderFactory(opts),
		Recorder:    recorder,
	})
}
