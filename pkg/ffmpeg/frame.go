package ffmpeg

import (
	"context"
	"time"
)

// FrameOptions configures still-frame extraction.
type FrameOptions struct {
	Offset   time.Duration // Where to extract from
	MaxWidth int           // Maximum output width (default: 640)
	Quality  int           // JPEG quality 2-31, lower is better (default: 4)
}

// DefaultFrameOffset is where frames are taken from clips long enough to have it.
const DefaultFrameOffset = 5 * time.Second

// FrameOffset picks an extraction point inside a clip of the given duration.
// Short clips use their midpoint; unknown durations start at zero.
func FrameOffset(duration time.Duration) time.Duration {
	switch {
	case duration <= 0:
		return 0
	case duration > 2*DefaultFrameOffset:
		return DefaultFrameOffset
	default:
		return (duration / 2).Truncate(time.Millisecond)
	}
}

// FrameArgs returns the options used by ExtractFrame.
func FrameArgs(opts FrameOptions) []Option {
	if opts.MaxWidth == 0 {
		opts.MaxWidth = 640
	}
	if opts.Quality == 0 {
		opts.Quality = 4
	}
	args := []Option{LogLevel("error")}
	if opts.Offset > 0 {
		args = append(args, Seek(opts.Offset))
	}
	return append(args,
		NoAudio,
		ScaleMaxWidth(opts.MaxWidth),
		Frames(1),
		Quality(opts.Quality),
	)
}

// ExtractFrame writes a single scaled frame of input to output as an image.
func ExtractFrame(ctx context.Context, input, output string, opts FrameOptions) RunResult {
	return RunCapture(ctx, input, output, FrameArgs(opts)...)
}
