package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Static errors for media operations.
var (
	// ErrUnsupportedFormat is returned when ExtractOptions.Format is not
	// one of the supported containers.
	ErrUnsupportedFormat = errors.New("media: unsupported audio format")
	// ErrFFprobeExecution is returned when ffprobe fails to report a
	// parseable duration.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
)

// FFmpegProcessor implements Processor using the ffmpeg/ffprobe CLI.
type FFmpegProcessor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegProcessor creates a new FFmpegProcessor. If either path is
// empty, the corresponding binary is looked up on PATH ("ffmpeg" /
// "ffprobe").
func NewFFmpegProcessor(ffmpegPath, ffprobePath string) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

var _ Processor = (*FFmpegProcessor)(nil)

// ProbeDuration returns the duration in seconds of the media file at path,
// per §3's file_duration_seconds and §4.2's probe_duration.
func (p *FFmpegProcessor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	// #nosec G204 - ffprobePath is set by the application, path is a staged file under our control
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("media: ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %v, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("media: parse ffprobe duration: %w", err)
	}
	return duration, nil
}

// ExtractAudio extracts the audio track from srcPath into dstPath in the
// requested container, per §6's POST /audio/extract.
func (p *FFmpegProcessor) ExtractAudio(ctx context.Context, srcPath, dstPath string, opts ExtractOptions) error {
	if !opts.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}

	args := []string{"-y", "-i", srcPath, "-vn"}

	switch opts.Format {
	case FormatWAV:
		codec := "pcm_s16le"
		switch opts.BitDepth {
		case 8:
			codec = "pcm_u8"
		case 24:
			codec = "pcm_s24le"
		case 32:
			codec = "pcm_s32le"
		}
		args = append(args, "-c:a", codec)
		if opts.BitDepth > 0 {
			args = append(args, "-sample_fmt", sampleFormatFor(opts.BitDepth))
		}
	case FormatMP3:
		args = append(args, "-c:a", "libmp3lame", "-q:a", "2")
	}
	if opts.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(opts.SampleRate))
	}
	args = append(args, dstPath)

	return p.runFFmpeg(ctx, args)
}

// sampleFormatFor maps a requested PCM bit depth to ffmpeg's sample_fmt name.
func sampleFormatFor(bitDepth int) string {
	switch bitDepth {
	case 8:
		return "u8"
	case 24:
		return "s32" // ffmpeg has no packed 24-bit PCM sample_fmt; pcm_s24le takes s32 input
	case 32:
		return "s32"
	default:
		return "s16"
	}
}

func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("media: ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the
// stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("media: ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error { return e.Err }
