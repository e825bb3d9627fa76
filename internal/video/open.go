package video

import (
	"context"
	"os"
	"path/filepath"
)

// Options configures path-based source and encoder selection.
type Options struct {
	FFmpeg FFmpegOptions

	// SequenceFPS is the frame rate assumed for image-sequence inputs.
	SequenceFPS float64
}

// NewSourceOpener returns an opener that reads directories as image
// sequences and everything else through ffmpeg.
func NewSourceOpener(opts Options) SourceOpener {
	return func(ctx context.Context, path string) (Source, error) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			return OpenImageSequence(path, opts.SequenceFPS)
		}
		return OpenFFmpeg(ctx, path, opts.FFmpeg)
	}
}

// NewEncoderFactory returns a factory that writes extension-less output
// paths as PNG sequences and everything else through ffmpeg.
func NewEncoderFactory(opts Options) EncoderFactory {
	return func(ctx context.Context, outputPath string, info Info) (Encoder, error) {
		if filepath.Ext(outputPath) == "" {
			return NewImageSequenceEncoder(outputPath, info)
		}
		return NewFFmpegEncoder(ctx, outputPath, info, opts.FFmpeg)
	}
}
