package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the example pipeline configuration.
const DefaultConfigPath = "config/pipeline.defaults.json"

// Worker modes.
const (
	WorkerModeProcess   = "process"
	WorkerModeInProcess = "inprocess"
)

// Estimator kinds.
const (
	EstimatorSynthetic = "synthetic"
	EstimatorRemote    = "remote"
)

// Render backends.
const (
	RenderBackendSoftware = "software"
	RenderBackendNone     = "none"
)

// Bounds enforced by Validate.
const (
	MaxWorkers         = 16
	MaxRenderBatchSize = 512
)

// PipelineConfig is the on-disk configuration of the overlay service. Every
// field is optional; the Get* methods supply defaults for unset fields.
type PipelineConfig struct {
	// Pose pool
	Workers        *int     `json:"workers,omitempty"`
	WorkerMode     *string  `json:"worker_mode,omitempty"`
	WorkerCommand  []string `json:"worker_command,omitempty"`
	Estimator      *string  `json:"estimator,omitempty"`
	PoseServiceURL *string  `json:"pose_service_url,omitempty"`
	StartupStagger *string  `json:"startup_stagger,omitempty"` // duration string like "1s"
	StartupTimeout *string  `json:"startup_timeout,omitempty"`
	QueueSize      *int     `json:"queue_size,omitempty"`

	// Rendering
	RenderBatchSize  *int     `json:"render_batch_size,omitempty"`
	RenderBackend    *string  `json:"render_backend,omitempty"`
	FocalLength      *float64 `json:"focal_length,omitempty"`
	ModelFocalLength *float64 `json:"model_focal_length,omitempty"`
	ModelImageSize   *float64 `json:"model_image_size,omitempty"`

	// Jobs
	JobTimeout       *string  `json:"job_timeout,omitempty"` // empty disables
	JobRetention     *string  `json:"job_retention,omitempty"`
	JobQueueCapacity *int     `json:"job_queue_capacity,omitempty"`
	InputDirs        []string `json:"input_dirs,omitempty"`
	OutputDir        *string  `json:"output_dir,omitempty"`
	OutputExt        *string  `json:"output_ext,omitempty"`
	ReportDir        *string  `json:"report_dir,omitempty"`

	// Video tools
	FFmpegPath  *string  `json:"ffmpeg_path,omitempty"`
	FFprobePath *string  `json:"ffprobe_path,omitempty"`
	VideoCodec  *string  `json:"video_codec,omitempty"`
	SequenceFPS *float64 `json:"sequence_fps,omitempty"`

	// Storage
	DBPath *string `json:"db_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyPipelineConfig returns a config with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a config with every defaulted field set
// explicitly.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Workers:          ptrInt(2),
		WorkerMode:       ptrString(WorkerModeProcess),
		Estimator:        ptrString(EstimatorSynthetic),
		StartupStagger:   ptrString("1s"),
		StartupTimeout:   ptrString("120s"),
		RenderBatchSize:  ptrInt(16),
		RenderBackend:    ptrString(RenderBackendSoftware),
		ModelFocalLength: ptrFloat64(5000),
		ModelImageSize:   ptrFloat64(256),
		JobRetention:     ptrString("1h"),
		JobQueueCapacity: ptrInt(16),
		OutputDir:        ptrString("output"),
		OutputExt:        ptrString(".mp4"),
		SequenceFPS:      ptrFloat64(30),
		DBPath:           ptrString("meshoverlay.db"),
	}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. The file must
// have a .json extension and be at most 1MB. Omitted fields fall back to the
// Get* defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that set values are within bounds.
func (c *PipelineConfig) Validate() error {
	if c.Workers != nil && (*c.Workers < 1 || *c.Workers > MaxWorkers) {
		return fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, *c.Workers)
	}
	if c.WorkerMode != nil {
		switch *c.WorkerMode {
		case WorkerModeProcess, WorkerModeInProcess:
		default:
			return fmt.Errorf("worker_mode must be %q or %q, got %q", WorkerModeProcess, WorkerModeInProcess, *c.WorkerMode)
		}
	}
	if c.Estimator != nil {
		switch *c.Estimator {
		case EstimatorSynthetic:
		case EstimatorRemote:
			if c.PoseServiceURL == nil || *c.PoseServiceURL == "" {
				return fmt.Errorf("estimator %q requires pose_service_url", EstimatorRemote)
			}
		default:
			return fmt.Errorf("estimator must be %q or %q, got %q", EstimatorSynthetic, EstimatorRemote, *c.Estimator)
		}
	}
	if c.QueueSize != nil && *c.QueueSize < 0 {
		return fmt.Errorf("queue_size must be non-negative, got %d", *c.QueueSize)
	}
	if c.RenderBatchSize != nil && (*c.RenderBatchSize < 1 || *c.RenderBatchSize > MaxRenderBatchSize) {
		return fmt.Errorf("render_batch_size must be between 1 and %d, got %d", MaxRenderBatchSize, *c.RenderBatchSize)
	}
	if c.RenderBackend != nil {
		switch *c.RenderBackend {
		case RenderBackendSoftware, RenderBackendNone:
		default:
			return fmt.Errorf("render_backend must be %q or %q, got %q", RenderBackendSoftware, RenderBackendNone, *c.RenderBackend)
		}
	}
	if c.FocalLength != nil && *c.FocalLength < 0 {
		return fmt.Errorf("focal_length must be non-negative, got %f", *c.FocalLength)
	}
	if c.ModelFocalLength != nil && *c.ModelFocalLength <= 0 {
		return fmt.Errorf("model_focal_length must be positive, got %f", *c.ModelFocalLength)
	}
	if c.ModelImageSize != nil && *c.ModelImageSize <= 0 {
		return fmt.Errorf("model_image_size must be positive, got %f", *c.ModelImageSize)
	}
	if c.JobQueueCapacity != nil && *c.JobQueueCapacity < 1 {
		return fmt.Errorf("job_queue_capacity must be at least 1, got %d", *c.JobQueueCapacity)
	}
	if c.SequenceFPS != nil && *c.SequenceFPS <= 0 {
		return fmt.Errorf("sequence_fps must be positive, got %f", *c.SequenceFPS)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"startup_stagger", c.StartupStagger},
		{"startup_timeout", c.StartupTimeout},
		{"job_timeout", c.JobTimeout},
		{"job_retention", c.JobRetention},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}
	return nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetWorkers returns the pose worker count or the default.
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil {
		return 2 // default
	}
	return *c.Workers
}

// GetWorkerMode returns the worker mode or the default.
func (c *PipelineConfig) GetWorkerMode() string {
	if c.WorkerMode == nil || *c.WorkerMode == "" {
		return WorkerModeProcess
	}
	return *c.WorkerMode
}

// GetEstimator returns the estimator kind or the default.
func (c *PipelineConfig) GetEstimator() string {
	if c.Estimator == nil || *c.Estimator == "" {
		return EstimatorSynthetic
	}
	return *c.Estimator
}

// GetPoseServiceURL returns the remote pose service URL, empty when unset.
func (c *PipelineConfig) GetPoseServiceURL() string {
	if c.PoseServiceURL == nil {
		return ""
	}
	return *c.PoseServiceURL
}

// GetStartupStagger returns the delay between worker starts.
func (c *PipelineConfig) GetStartupStagger() time.Duration {
	return parseDuration(c.StartupStagger, time.Second)
}

// GetStartupTimeout returns the bound on pool startup.
func (c *PipelineConfig) GetStartupTimeout() time.Duration {
	return parseDuration(c.StartupTimeout, 120*time.Second)
}

// GetQueueSize returns the pool queue size. Zero means twice the worker count.
func (c *PipelineConfig) GetQueueSize() int {
	if c.QueueSize == nil || *c.QueueSize == 0 {
		return 2 * c.GetWorkers()
	}
	return *c.QueueSize
}

// GetRenderBatchSize returns the render progress chunk size or the default.
func (c *PipelineConfig) GetRenderBatchSize() int {
	if c.RenderBatchSize == nil {
		return 16 // default
	}
	return *c.RenderBatchSize
}

// GetRenderBackend returns the render backend name or the default.
func (c *PipelineConfig) GetRenderBackend() string {
	if c.RenderBackend == nil || *c.RenderBackend == "" {
		return RenderBackendSoftware
	}
	return *c.RenderBackend
}

// GetFocalLength returns the configured focal length, zero when it should
// be scaled from the model parameters.
func (c *PipelineConfig) GetFocalLength() float64 {
	if c.FocalLength == nil {
		return 0
	}
	return *c.FocalLength
}

// GetModelFocalLength returns the estimator's training focal length.
func (c *PipelineConfig) GetModelFocalLength() float64 {
	if c.ModelFocalLength == nil {
		return 5000 // default
	}
	return *c.ModelFocalLength
}

// GetModelImageSize returns the estimator's input resolution.
func (c *PipelineConfig) GetModelImageSize() float64 {
	if c.ModelImageSize == nil {
		return 256 // default
	}
	return *c.ModelImageSize
}

// GetJobTimeout returns the whole-job timeout, zero when disabled.
func (c *PipelineConfig) GetJobTimeout() time.Duration {
	return parseDuration(c.JobTimeout, 0)
}

// GetJobRetention returns how long finished jobs stay pollable.
func (c *PipelineConfig) GetJobRetention() time.Duration {
	return parseDuration(c.JobRetention, time.Hour)
}

// GetJobQueueCapacity returns the async job queue capacity or the default.
func (c *PipelineConfig) GetJobQueueCapacity() int {
	if c.JobQueueCapacity == nil {
		return 16 // default
	}
	return *c.JobQueueCapacity
}

// GetOutputDir returns the output directory or the default.
func (c *PipelineConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "output"
	}
	return *c.OutputDir
}

// GetOutputExt returns the output container extension or the default.
func (c *PipelineConfig) GetOutputExt() string {
	if c.OutputExt == nil || *c.OutputExt == "" {
		return ".mp4"
	}
	return *c.OutputExt
}

// GetReportDir returns the timing report directory, empty when disabled.
func (c *PipelineConfig) GetReportDir() string {
	if c.ReportDir == nil {
		return ""
	}
	return *c.ReportDir
}

// GetFFmpegPath returns the ffmpeg binary, empty for the PATH default.
func (c *PipelineConfig) GetFFmpegPath() string {
	if c.FFmpegPath == nil {
		return ""
	}
	return *c.FFmpegPath
}

// GetFFprobePath returns the ffprobe binary, empty for the PATH default.
func (c *PipelineConfig) GetFFprobePath() string {
	if c.FFprobePath == nil {
		return ""
	}
	return *c.FFprobePath
}

// GetVideoCodec returns the output codec, empty for the encoder default.
func (c *PipelineConfig) GetVideoCodec() string {
	if c.VideoCodec == nil {
		return ""
	}
	return *c.VideoCodec
}

// GetSequenceFPS returns the frame rate assumed for image sequences.
func (c *PipelineConfig) GetSequenceFPS() float64 {
	if c.SequenceFPS == nil {
		return 30 // default
	}
	return *c.SequenceFPS
}

// GetDBPath returns the job store path or the default.
func (c *PipelineConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "meshoverlay.db"
	}
	return *c.DBPath
}
