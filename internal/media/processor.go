// Package media implements C7's media utilities: probing a staged file's
// duration and extracting an audio track from uploaded video into a
// requested container, both via the ffmpeg/ffprobe CLI.
package media

import "context"

// AudioFormat is a container the extraction endpoint can target.
type AudioFormat string

const (
	FormatWAV AudioFormat = "wav"
	FormatMP3 AudioFormat = "mp3"
)

// Valid reports whether f is a supported extraction target.
func (f AudioFormat) Valid() bool {
	return f == FormatWAV || f == FormatMP3
}

// ExtractOptions parameterizes POST /audio/extract (§6).
type ExtractOptions struct {
	Format     AudioFormat
	SampleRate int // Hz; 0 means let ffmpeg choose the source rate
	BitDepth   int // bits; only meaningful for wav, 0 means ffmpeg default
}

// Processor is the media utility collaborator contract (§6, §4.2's
// probe_duration delegation).
type Processor interface {
	// ProbeDuration returns the duration in seconds of the media file at path.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// ExtractAudio extracts the audio track from a video/audio file at
	// srcPath into dstPath using the requested container and parameters.
	ExtractAudio(ctx context.Context, srcPath, dstPath string, opts ExtractOptions) error
}
